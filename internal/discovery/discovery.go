// Package discovery periodically multicasts this replica's overlay
// identity, and reads announcements from other replicas, feeding every
// distinct identity it sees to the overlay's dial queue.
package discovery

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"go.klb.dev/todomcp/internal/datagramcodec"
	"go.klb.dev/todomcp/internal/protocol"
)

// AnnounceInterval is how often this replica broadcasts its identity.
const AnnounceInterval = 2 * time.Second

// Announcer periodically broadcasts this replica's overlay public key.
type Announcer struct {
	siteID    uint32
	publicKey ed25519.PublicKey
	sender    *datagramcodec.Sender
	log       *slog.Logger

	seq uint32
}

// NewAnnouncer returns an Announcer using sender to transmit.
func NewAnnouncer(siteID uint32, publicKey ed25519.PublicKey, sender *datagramcodec.Sender) *Announcer {
	return &Announcer{
		siteID:    siteID,
		publicKey: publicKey,
		sender:    sender,
		log:       slog.With("component", "discovery.announce"),
	}
}

// Run broadcasts one announcement every AnnounceInterval until ctx is
// cancelled.
func (a *Announcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.announceOnce(); err != nil {
				return err
			}
		}
	}
}

func (a *Announcer) announceOnce() error {
	var ann protocol.Announcement
	copy(ann.PublicKey[:], a.publicKey)
	body := protocol.EncodeAnnouncement(ann)

	a.seq++
	for _, frag := range datagramcodec.Fragments(a.siteID, a.seq, body) {
		if err := a.sender.Send(datagramcodec.EncodeFragment(frag)); err != nil {
			return err
		}
	}
	return nil
}

// Discovered is one decoded remote identity, along with the short site_id
// the connection layers use for framing.
type Discovered struct {
	SiteID    uint32
	PublicKey ed25519.PublicKey
}

// Reader decodes inbound announcements from the multicast listener and
// emits every distinct identity (other than our own) to a dial queue.
type Reader struct {
	localSiteID uint32
	listener    *datagramcodec.Listener
	reassembler *datagramcodec.Reassembler
	log         *slog.Logger
}

// NewReader returns a Reader bound to listener.
func NewReader(localSiteID uint32, listener *datagramcodec.Listener) *Reader {
	return &Reader{
		localSiteID: localSiteID,
		listener:    listener,
		reassembler: datagramcodec.NewReassembler(),
		log:         slog.With("component", "discovery.reader"),
	}
}

// Run reads datagrams until the listener errors (e.g. it was closed by the
// supervisor's restart policy), sending each distinct discovered identity
// to dialQueue. Returns the terminating error.
func (r *Reader) Run(ctx context.Context, dialQueue chan<- Discovered) error {
	seen := make(map[[32]byte]struct{})
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := r.listener.ReadFrom(buf)
		if err != nil {
			return err
		}

		frag, err := datagramcodec.DecodeFragment(buf[:n])
		if err != nil {
			r.log.Warn("short packet, dropping", "err", err)
			continue
		}
		if frag.SiteID == r.localSiteID {
			continue
		}

		body, ok := r.reassembler.Accept(frag)
		if !ok {
			continue
		}

		ann, err := protocol.DecodeAnnouncement(body)
		if err != nil {
			r.log.Warn("malformed announcement, dropping", "origin", frag.SiteID, "err", err)
			continue
		}
		if _, dup := seen[ann.PublicKey]; dup {
			continue
		}
		seen[ann.PublicKey] = struct{}{}

		d := Discovered{SiteID: frag.SiteID, PublicKey: append(ed25519.PublicKey(nil), ann.PublicKey[:]...)}
		select {
		case dialQueue <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
