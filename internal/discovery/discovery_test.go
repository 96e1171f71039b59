package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"go.klb.dev/todomcp/internal/datagramcodec"
)

func TestAnnouncerRunStopsOnContextCancel(t *testing.T) {
	sender, err := datagramcodec.NewSender()
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	_, pub, err := ed25519GenerateKey(t)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a := NewAnnouncer(0x01020304, pub, sender)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.Run(ctx); err != context.Canceled {
		t.Fatalf("Run(cancelled ctx) = %v, want context.Canceled", err)
	}
}

func TestAnnounceOnceSendsWithoutError(t *testing.T) {
	sender, err := datagramcodec.NewSender()
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	_, pub, err := ed25519GenerateKey(t)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	a := NewAnnouncer(0xAABBCCDD, pub, sender)
	if err := a.announceOnce(); err != nil {
		t.Fatalf("announceOnce: %v", err)
	}
	if a.seq != 1 {
		t.Fatalf("seq after one announce = %d, want 1", a.seq)
	}
	if err := a.announceOnce(); err != nil {
		t.Fatalf("second announceOnce: %v", err)
	}
	if a.seq != 2 {
		t.Fatalf("seq after two announces = %d, want 2", a.seq)
	}
}

func TestReaderRunSkipsSelfAndForwardsOthers(t *testing.T) {
	listener, err := datagramcodec.Listen()
	if err != nil {
		t.Skipf("no multicast-capable interface available: %v", err)
	}
	defer listener.Close()

	sender, err := datagramcodec.NewSender()
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	const localSiteID = 0x11111111
	const remoteSiteID = 0x22222222

	_, selfKey, _ := ed25519GenerateKey(t)
	_, remoteKey, _ := ed25519GenerateKey(t)

	reader := NewReader(localSiteID, listener)
	dialQueue := make(chan Discovered, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- reader.Run(ctx, dialQueue) }()

	NewAnnouncer(localSiteID, selfKey, sender).announceOnce()
	time.Sleep(50 * time.Millisecond)
	NewAnnouncer(remoteSiteID, remoteKey, sender).announceOnce()

	select {
	case d := <-dialQueue:
		if d.SiteID != remoteSiteID {
			t.Fatalf("discovered site_id = %08x, want %08x (self-announcements must be filtered)", d.SiteID, remoteSiteID)
		}
		if !d.PublicKey.Equal(remoteKey) {
			t.Fatal("discovered public key does not match the remote announcer's key")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the remote announcement to be discovered")
	}

	cancel()
	<-done
}

func ed25519GenerateKey(t *testing.T) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, pub, err
}
