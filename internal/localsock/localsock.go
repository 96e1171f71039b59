// Package localsock implements the same-machine peer transport over named
// Unix domain sockets in a well-known directory, one `<site_id>.sock` file
// per replica: stale-file removal on listen, and a scan/connect/handshake
// loop against the directory's other sockets.
//
// This transport is Unix-only: it's a directory of per-site files that
// peers scan, which doesn't map onto a single well-known named-pipe path.
// See DESIGN.md.
package localsock

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.klb.dev/todomcp/internal/connworker"
	"go.klb.dev/todomcp/internal/fanout"
	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/remotemsg"
	"go.klb.dev/todomcp/internal/replica"
	"go.klb.dev/todomcp/internal/streamcodec"
)

// DialTimeout bounds a single connect attempt to a sibling socket.
const DialTimeout = 2 * time.Second

// ScanInterval is how often the scan task re-enumerates the socket
// directory for new siblings.
const ScanInterval = 3 * time.Second

const handshakeLen = 4

// Transport is the named-socket peer transport for one replica.
type Transport struct {
	dir         string
	localSiteID uint32
	rep         *replica.Replica
	inbound     chan<- remotemsg.Inbound

	peerBus *fanout.Bus
	log     *slog.Logger

	activeMu sync.Mutex
	active   map[uint32]bool
}

// New returns a Transport rooted at dir (the "ipc" directory under the
// storage root). The directory is created if absent.
func New(dir string, localSiteID uint32, rep *replica.Replica, inbound chan<- remotemsg.Inbound) (*Transport, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localsock: mkdir %s: %w", dir, err)
	}
	return &Transport{
		dir:         dir,
		localSiteID: localSiteID,
		rep:         rep,
		inbound:     inbound,
		peerBus:     fanout.NewBus(),
		log:         slog.With("component", "localsock"),
		active:      make(map[uint32]bool),
	}, nil
}

func (t *Transport) socketPath(siteID uint32) string {
	return filepath.Join(t.dir, fmt.Sprintf("%d.sock", siteID))
}

// Run binds this replica's own socket, then runs the accept and scan loops
// until ctx is cancelled. leg is this transport's share of the top-level
// fan-out bus (see internal/fanout).
func (t *Transport) Run(ctx context.Context, leg <-chan protocol.Message) {
	own := t.socketPath(t.localSiteID)
	_ = os.Remove(own) // clear a stale file of our own name from a prior crash

	ln, err := net.Listen("unix", own)
	if err != nil {
		t.log.Error("failed to bind named socket", "path", own, "err", err)
		return
	}
	defer ln.Close()
	defer os.Remove(own)

	go t.peerBus.Run(ctx, leg)
	go t.acceptLoop(ctx, ln)
	t.scanLoop(ctx)
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.log.Info("accept loop ending", "err", err)
				return
			}
		}
		go t.handleAccepted(conn)
	}
}

func (t *Transport) handleAccepted(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(DialTimeout))
	var hdr [handshakeLen]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		t.log.Warn("handshake read failed", "err", err)
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	remoteSiteID := binary.BigEndian.Uint32(hdr[:])
	if remoteSiteID == t.localSiteID {
		conn.Close()
		return
	}
	t.serve(conn, remoteSiteID, false)
}

func (t *Transport) serve(conn net.Conn, remoteSiteID uint32, initiator bool) {
	t.setActive(remoteSiteID, true)
	defer t.setActive(remoteSiteID, false)

	peerID, peerCh := t.peerBus.Subscribe(32)
	defer t.peerBus.Unsubscribe(peerID)

	w := connworker.New(streamcodec.New(conn), remoteSiteID, initiator, t.inbound, peerCh)
	w.Serve(t.rep)
}

func (t *Transport) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.scanOnce()
		}
	}
}

func (t *Transport) scanOnce() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		t.log.Warn("scan failed", "dir", t.dir, "err", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".sock") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".sock")
		siteID64, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		siteID := uint32(siteID64)
		if siteID == t.localSiteID || t.isActive(siteID) {
			continue
		}
		t.dialSibling(siteID)
	}
}

func (t *Transport) isActive(siteID uint32) bool {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	return t.active[siteID]
}

func (t *Transport) setActive(siteID uint32, on bool) {
	t.activeMu.Lock()
	defer t.activeMu.Unlock()
	if on {
		t.active[siteID] = true
	} else {
		delete(t.active, siteID)
	}
}

func (t *Transport) dialSibling(siteID uint32) {
	path := t.socketPath(siteID)
	conn, err := net.DialTimeout("unix", path, DialTimeout)
	if err != nil {
		t.log.Debug("dial failed, removing stale socket", "path", path, "err", err)
		_ = os.Remove(path)
		return
	}

	var hdr [handshakeLen]byte
	binary.BigEndian.PutUint32(hdr[:], t.localSiteID)
	_ = conn.SetWriteDeadline(time.Now().Add(DialTimeout))
	if _, err := conn.Write(hdr[:]); err != nil {
		t.log.Warn("handshake write failed", "path", path, "err", err)
		conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})

	go t.serve(conn, siteID, true)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
