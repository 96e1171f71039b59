// Package overlay implements the authenticated wide-area peer transport:
// QUIC streams secured by each replica's ed25519 identity
// (internal/tlsconf), dialed either from a discovered multicast identity
// or from a persisted known-peers list, with a tie-break rule so that only
// one side of a pair ever initiates. Shaped after a dial-queue and
// known-peer-persistence pattern (reconnect sweep over a JSON address
// book) adapted from a TCP+noise transport onto quic-go.
package overlay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"go.klb.dev/todomcp/internal/connworker"
	"go.klb.dev/todomcp/internal/discovery"
	"go.klb.dev/todomcp/internal/fanout"
	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/remotemsg"
	"go.klb.dev/todomcp/internal/replica"
	"go.klb.dev/todomcp/internal/streamcodec"
	"go.klb.dev/todomcp/internal/tlsconf"
)

// ReconnectSweep is how often the overlay re-attempts every known peer it
// isn't currently connected to.
const ReconnectSweep = 30 * time.Second

// knownPeer is one entry of the persisted known-peers file.
type knownPeer struct {
	SiteID    uint32 `json:"site_id"`
	PublicKey string `json:"public_key"` // hex
	Addr      string `json:"addr"`
}

// Transport is the QUIC-based wide-area peer transport for one replica.
type Transport struct {
	identity tlsconf.Identity
	listen   string
	knownPath string

	rep     *replica.Replica
	inbound chan<- remotemsg.Inbound
	peerBus *fanout.Bus
	log     *slog.Logger

	mu     sync.Mutex
	known  map[uint32]knownPeer
	active map[uint32]bool
}

// New returns a Transport bound to identity, listening on listen (a UDP
// address such as ":4433"), and persisting discovered peers to knownPath.
func New(identity tlsconf.Identity, listen, knownPath string, rep *replica.Replica, inbound chan<- remotemsg.Inbound) *Transport {
	return &Transport{
		identity:  identity,
		listen:    listen,
		knownPath: knownPath,
		rep:       rep,
		inbound:   inbound,
		peerBus:   fanout.NewBus(),
		log:       slog.With("component", "overlay"),
		known:     loadKnownPeers(knownPath),
		active:    make(map[uint32]bool),
	}
}

func loadKnownPeers(path string) map[uint32]knownPeer {
	out := make(map[uint32]knownPeer)
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	var entries []knownPeer
	if err := json.Unmarshal(data, &entries); err != nil {
		return out
	}
	for _, e := range entries {
		out[e.SiteID] = e
	}
	return out
}

func (t *Transport) persistKnownPeers() {
	t.mu.Lock()
	entries := make([]knownPeer, 0, len(t.known))
	for _, p := range t.known {
		entries = append(entries, p)
	}
	t.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		t.log.Warn("failed to marshal known peers", "err", err)
		return
	}
	tmp := t.knownPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.log.Warn("failed to write known peers", "err", err)
		return
	}
	if err := os.Rename(tmp, t.knownPath); err != nil {
		t.log.Warn("failed to commit known peers", "err", err)
	}
}

// Run accepts inbound overlay connections, consumes discovered identities
// from discovered, and periodically re-dials every known peer not
// currently connected, until ctx is cancelled. leg is this transport's
// share of the top-level fan-out bus.
func (t *Transport) Run(ctx context.Context, leg <-chan protocol.Message, discovered <-chan discovery.Discovered) error {
	tlsConf, err := t.identity.TLSConfig()
	if err != nil {
		return fmt.Errorf("overlay: tls config: %w", err)
	}

	ln, err := quic.ListenAddr(t.listen, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("overlay: listen %s: %w", t.listen, err)
	}
	defer ln.Close()

	go t.peerBus.Run(ctx, leg)
	go t.acceptLoop(ctx, ln)

	ticker := time.NewTicker(ReconnectSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-discovered:
			if !ok {
				discovered = nil
				continue
			}
			t.noteKnown(d)
			t.maybeDial(ctx, d.SiteID, d.PublicKey, "")
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Transport) noteKnown(d discovery.Discovered) {
	t.mu.Lock()
	t.known[d.SiteID] = knownPeer{SiteID: d.SiteID, PublicKey: hex.EncodeToString(d.PublicKey)}
	t.mu.Unlock()
	t.persistKnownPeers()
}

func (t *Transport) sweep(ctx context.Context) {
	t.mu.Lock()
	peers := make([]knownPeer, 0, len(t.known))
	for siteID, p := range t.known {
		if !t.active[siteID] {
			peers = append(peers, p)
		}
	}
	t.mu.Unlock()

	for _, p := range peers {
		if p.Addr == "" {
			continue // no dialable address recorded yet; wait for discovery
		}
		pub, err := hex.DecodeString(p.PublicKey)
		if err != nil {
			continue
		}
		t.maybeDial(ctx, p.SiteID, pub, p.Addr)
	}
}

func (t *Transport) maybeDial(ctx context.Context, siteID uint32, remotePublic ed25519.PublicKey, addr string) {
	if siteID == t.identity.SiteID() {
		return
	}
	if t.isActive(siteID) {
		return
	}
	// Tie-break: only the side whose identity sorts first initiates. The
	// other side relies on the peer's own dial reaching us.
	if !tlsconf.IdentityLess(t.identity.Public, remotePublic) {
		return
	}
	if addr == "" {
		return // multicast announcements carry no routable address in this deployment
	}
	go t.dial(ctx, siteID, addr)
}

func (t *Transport) dial(ctx context.Context, siteID uint32, addr string) {
	tlsConf, err := t.identity.TLSConfig()
	if err != nil {
		t.log.Warn("dial: tls config", "err", err)
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, nil)
	if err != nil {
		t.log.Debug("dial failed", "peer", siteID, "addr", addr, "err", err)
		return
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.log.Warn("open stream failed", "peer", siteID, "err", err)
		conn.CloseWithError(0, "open stream failed")
		return
	}

	t.serve(conn, stream, siteID, true)
}

func (t *Transport) acceptLoop(ctx context.Context, ln *quic.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.log.Info("accept loop ending", "err", err)
				return
			}
		}
		go t.handleAccepted(ctx, conn)
	}
}

func (t *Transport) handleAccepted(ctx context.Context, conn quic.Connection) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	rawCerts := make([][]byte, len(certs))
	for i, c := range certs {
		rawCerts[i] = c.Raw
	}
	remotePublic, err := tlsconf.ExtractPeerIdentity(rawCerts)
	if err != nil {
		t.log.Warn("reject inbound connection", "err", err)
		conn.CloseWithError(0, "bad identity")
		return
	}
	siteID := tlsconf.SiteIDOf(remotePublic)
	t.noteKnown(discovery.Discovered{SiteID: siteID, PublicKey: remotePublic})
	t.noteAddr(siteID, conn.RemoteAddr())

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.log.Warn("accept stream failed", "peer", siteID, "err", err)
		conn.CloseWithError(0, "accept stream failed")
		return
	}
	t.serve(conn, stream, siteID, false)
}

func (t *Transport) noteAddr(siteID uint32, addr net.Addr) {
	t.mu.Lock()
	p, ok := t.known[siteID]
	if !ok {
		p = knownPeer{SiteID: siteID}
	}
	p.Addr = addr.String()
	t.known[siteID] = p
	t.mu.Unlock()
	t.persistKnownPeers()
}

func (t *Transport) serve(conn quic.Connection, stream quic.Stream, remoteSiteID uint32, initiator bool) {
	t.setActive(remoteSiteID, true)
	defer t.setActive(remoteSiteID, false)
	defer conn.CloseWithError(0, "session ended")

	peerID, peerCh := t.peerBus.Subscribe(32)
	defer t.peerBus.Unsubscribe(peerID)

	w := connworker.New(streamcodec.New(stream), remoteSiteID, initiator, t.inbound, peerCh)
	w.Serve(t.rep)
}

func (t *Transport) isActive(siteID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[siteID]
}

func (t *Transport) setActive(siteID uint32, on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.active[siteID] = true
	} else {
		delete(t.active, siteID)
	}
}
