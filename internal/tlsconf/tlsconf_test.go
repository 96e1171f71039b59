package tlsconf

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")

	id1, regenerated, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if regenerated {
		t.Fatal("first call should not report regeneration")
	}
	if len(id1.Public) != ed25519.PublicKeySize {
		t.Fatalf("public key is %d bytes, want %d", len(id1.Public), ed25519.PublicKeySize)
	}

	id2, regenerated, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if regenerated {
		t.Fatal("loading an existing valid key should not report regeneration")
	}
	if !id1.Public.Equal(id2.Public) {
		t.Fatal("second call should load the same identity persisted by the first")
	}
}

func TestLoadOrCreateReplacesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("not a valid key"), 0o600); err != nil {
		t.Fatalf("seed malformed file: %v", err)
	}

	id, regenerated, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !regenerated {
		t.Fatal("malformed existing file should be reported as regenerated")
	}
	if len(id.Public) != ed25519.PublicKeySize {
		t.Fatalf("replacement key is %d bytes, want %d", len(id.Public), ed25519.PublicKeySize)
	}
}

func TestSiteIDIsFirstFourBytesBigEndian(t *testing.T) {
	id := Identity{Public: []byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}}
	if got, want := id.SiteID(), uint32(0xDEADBEEF); got != want {
		t.Fatalf("SiteID() = %08x, want %08x", got, want)
	}
}

func TestIdentityLessIsByteOrder(t *testing.T) {
	a := ed25519.PublicKey{0x01, 0x00}
	b := ed25519.PublicKey{0x02, 0x00}
	if !IdentityLess(a, b) {
		t.Fatal("a should sort before b")
	}
	if IdentityLess(b, a) {
		t.Fatal("b should not sort before a")
	}
	if IdentityLess(a, a) {
		t.Fatal("an identity should not sort before itself")
	}
}
