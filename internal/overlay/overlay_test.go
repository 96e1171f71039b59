package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"go.klb.dev/todomcp/internal/discovery"
	"go.klb.dev/todomcp/internal/tlsconf"
)

func discoveredFor(siteID uint32, pub ed25519.PublicKey) discovery.Discovered {
	return discovery.Discovered{SiteID: siteID, PublicKey: pub}
}

// testAddr is a minimal net.Addr for exercising noteAddr without a real
// socket.
type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

func newTestTransport(t *testing.T, knownPath string) (*Transport, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity := tlsconf.Identity{Public: pub}
	tr := New(identity, ":0", knownPath, nil, nil)
	return tr, priv
}

func TestMaybeDialSkipsSelf(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTransport(t, filepath.Join(dir, "known_peers.json"))

	tr.maybeDial(context.Background(), tr.identity.SiteID(), tr.identity.Public, "127.0.0.1:4433")

	if tr.isActive(tr.identity.SiteID()) {
		t.Fatal("maybeDial must never treat our own identity as a dialable peer")
	}
}

func TestMaybeDialSkipsWithoutAddr(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTransport(t, filepath.Join(dir, "known_peers.json"))

	remotePub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// No addr recorded yet (multicast announcement only): must not dial.
	tr.maybeDial(context.Background(), 0xDEADBEEF, remotePub, "")

	if tr.isActive(0xDEADBEEF) {
		t.Fatal("maybeDial must not dial a peer with no recorded address")
	}
}

func TestMaybeDialSkipsAlreadyActivePeer(t *testing.T) {
	dir := t.TempDir()
	tr, _ := newTestTransport(t, filepath.Join(dir, "known_peers.json"))

	remotePub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	siteID := tlsconf.SiteIDOf(remotePub)
	tr.setActive(siteID, true)

	tr.maybeDial(context.Background(), siteID, remotePub, "127.0.0.1:4433")

	// Nothing to assert on directly beyond "did not panic or deadlock":
	// setActive(true) followed by maybeDial on the same siteID must
	// return without spawning a second dial goroutine. isActive should
	// remain exactly what we set.
	if !tr.isActive(siteID) {
		t.Fatal("isActive should still report true for the already-active peer")
	}
}

func TestNoteKnownPersistsAndLoadKnownPeersRoundTrips(t *testing.T) {
	dir := t.TempDir()
	knownPath := filepath.Join(dir, "known_peers.json")
	tr, _ := newTestTransport(t, knownPath)

	remotePub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	siteID := tlsconf.SiteIDOf(remotePub)

	tr.noteKnown(discoveredFor(siteID, remotePub))

	if _, err := os.Stat(knownPath); err != nil {
		t.Fatalf("expected known peers file to be written: %v", err)
	}

	reloaded := loadKnownPeers(knownPath)
	entry, ok := reloaded[siteID]
	if !ok {
		t.Fatalf("reloaded known peers missing site_id %08x", siteID)
	}
	if entry.PublicKey != hex.EncodeToString(remotePub) {
		t.Fatalf("reloaded public key = %q, want %q", entry.PublicKey, hex.EncodeToString(remotePub))
	}
}

func TestLoadKnownPeersMissingFileReturnsEmptyMap(t *testing.T) {
	reloaded := loadKnownPeers(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if len(reloaded) != 0 {
		t.Fatalf("expected empty map for a missing file, got %d entries", len(reloaded))
	}
}

func TestNoteAddrUpdatesExistingKnownPeer(t *testing.T) {
	dir := t.TempDir()
	knownPath := filepath.Join(dir, "known_peers.json")
	tr, _ := newTestTransport(t, knownPath)

	remotePub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	siteID := tlsconf.SiteIDOf(remotePub)
	tr.noteKnown(discoveredFor(siteID, remotePub))

	tr.noteAddr(siteID, testAddr("127.0.0.1:9000"))

	reloaded := loadKnownPeers(knownPath)
	if reloaded[siteID].Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q, want 127.0.0.1:9000", reloaded[siteID].Addr)
	}
}
