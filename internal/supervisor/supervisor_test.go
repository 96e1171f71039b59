package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigPathHelpers(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/todomcp", OverlayAddr: ":4433"}

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"snapshotPath", cfg.snapshotPath(), filepath.Join("/var/lib/todomcp", "state.automerge")},
		{"identityPath", cfg.identityPath(), filepath.Join("/var/lib/todomcp", "identity.key")},
		{"knownPeersPath", cfg.knownPeersPath(), filepath.Join("/var/lib/todomcp", "known_peers.json")},
		{"socketDir", cfg.socketDir(), filepath.Join("/var/lib/todomcp", "ipc")},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
}

func TestConfigPathsAreDistinctAndUnderDataDir(t *testing.T) {
	cfg := Config{DataDir: "/data"}
	paths := []string{cfg.snapshotPath(), cfg.identityPath(), cfg.knownPeersPath(), cfg.socketDir()}

	seen := make(map[string]bool)
	for _, p := range paths {
		if seen[p] {
			t.Fatalf("duplicate path %q among supervisor config paths", p)
		}
		seen[p] = true
		if filepath.Dir(p) != "/data" && p != filepath.Join("/data", "ipc") {
			t.Fatalf("path %q does not live directly under the configured data dir", p)
		}
	}
}

func TestNewSupervisorHasBufferedCommandAndEventChannels(t *testing.T) {
	s := New(Config{DataDir: t.TempDir(), OverlayAddr: ":0"})
	if cap(s.Commands) == 0 {
		t.Fatal("Commands channel should be buffered so callers never block submitting a command")
	}
	if cap(s.Events) == 0 {
		t.Fatal("Events channel should be buffered so a slow subscriber doesn't stall internal senders")
	}
}

func TestUpInterfaceNamesIsStableAcrossCalls(t *testing.T) {
	// With no interface changes between two immediate calls, the
	// snapshot must be identical — watchInterfaces relies on this to
	// avoid firing spuriously.
	a := upInterfaceNames()
	b := upInterfaceNames()
	if a != b {
		t.Fatalf("upInterfaceNames differed across back-to-back calls: %q vs %q", a, b)
	}
}

func TestWatchInterfacesDoesNotFireWithoutChange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	changed := watchInterfaces(ctx)
	select {
	case <-changed:
		t.Fatal("watchInterfaces fired with no interface change on a quiet host")
	case <-ctx.Done():
	}
}
