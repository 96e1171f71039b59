// Package connworker is the read/write/heartbeat loop shared by both
// stream transports (overlay and named-socket): reader, writer, and ping
// goroutines that tear the connection down on whichever exits first.
package connworker

import (
	"log/slog"
	"sync"
	"time"

	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/remotemsg"
	"go.klb.dev/todomcp/internal/replica"
	"go.klb.dev/todomcp/internal/streamcodec"
)

// HeartbeatInterval is how often the worker synthesises a local Alive
// entry for the remote peer, without touching the wire.
const HeartbeatInterval = 2 * time.Second

// Worker drives one peer connection: framing on the wire, and the
// inbound/outbound channel plumbing into the rest of the sync core.
type Worker struct {
	conn         *streamcodec.Conn
	remoteSiteID uint32
	initiator    bool

	inbound  chan<- remotemsg.Inbound
	outbound <-chan protocol.Message

	log *slog.Logger
}

// New returns a Worker for one already-established connection. inbound is
// the shared channel feeding the remote-message handler; outbound is this
// peer's own per-peer broadcast receiver (see internal/fanout).
func New(conn *streamcodec.Conn, remoteSiteID uint32, initiator bool, inbound chan<- remotemsg.Inbound, outbound <-chan protocol.Message) *Worker {
	return &Worker{
		conn:         conn,
		remoteSiteID: remoteSiteID,
		initiator:    initiator,
		inbound:      inbound,
		outbound:     outbound,
		log:          slog.With("component", "connworker", "peer", remoteSiteID),
	}
}

// Serve runs until the connection dies, then injects a synthetic Shutdown
// for this peer onto inbound so the remote-message handler's alive table
// stays consistent, and returns.
func (w *Worker) Serve(rep *replica.Replica) {
	defer w.conn.Close()

	if w.initiator {
		rep.RLock()
		snapshot := rep.SnapshotBytes()
		rep.RUnlock()
		if err := w.conn.WriteFrame(protocol.Encode(protocol.Announce(snapshot))); err != nil {
			w.log.Warn("failed to send initial announce", "err", err)
			w.injectShutdown()
			return
		}
	}

	stop := make(chan struct{})
	var closeOnce sync.Once
	finish := func() {
		// Closing the connection as soon as any sibling exits is what
		// unblocks a sibling parked in a blocking read or write — the
		// write loop receiving from a closed outbound channel, for
		// instance, doesn't otherwise wake the read loop.
		closeOnce.Do(func() {
			close(stop)
			w.conn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer finish()
		w.readLoop(stop)
	}()
	go func() {
		defer wg.Done()
		defer finish()
		w.writeLoop(stop)
	}()
	go func() {
		defer wg.Done()
		defer finish()
		w.heartbeatLoop(stop)
	}()

	<-stop
	wg.Wait()
	w.injectShutdown()
}

func (w *Worker) readLoop(stop <-chan struct{}) {
	for {
		body, err := w.conn.ReadFrame()
		if err != nil {
			if err != streamcodec.ErrClosed {
				w.log.Info("read loop ending", "err", err)
			}
			return
		}
		msg, err := protocol.Decode(body)
		if err != nil {
			w.log.Warn("decode failed, dropping frame", "err", err)
			continue
		}
		select {
		case w.inbound <- remotemsg.Inbound{Origin: w.remoteSiteID, Message: msg}:
		case <-stop:
			return
		}
	}
}

func (w *Worker) writeLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg, ok := <-w.outbound:
			if !ok {
				return
			}
			if err := w.conn.WriteFrame(protocol.Encode(msg)); err != nil {
				w.log.Info("write loop ending", "err", err)
				return
			}
		}
	}
}

func (w *Worker) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case w.inbound <- remotemsg.Inbound{Origin: w.remoteSiteID, Message: protocol.Alive()}:
			case <-stop:
				return
			}
		}
	}
}

func (w *Worker) injectShutdown() {
	select {
	case w.inbound <- remotemsg.Inbound{Origin: w.remoteSiteID, Message: protocol.Shutdown()}:
	default:
	}
}
