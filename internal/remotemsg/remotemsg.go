// Package remotemsg is the dispatcher for inbound protocol messages
// arriving from either stream transport: one dispatch switch shared by all
// connections, which rebroadcasts accepted deltas on the shared outbound
// channel to every connected peer, the message's origin included.
package remotemsg

import (
	"context"
	"log/slog"
	"time"

	"go.klb.dev/todomcp/internal/model"
	"go.klb.dev/todomcp/internal/persistence"
	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/replica"
)

// Inbound is one message received from a peer, tagged with the peer's
// short site_id.
type Inbound struct {
	Origin  uint32
	Message protocol.Message
}

// AlivePruneInterval is how often the handler's background task calls
// UpdateAlive(nil) to prune timed-out peers.
const AlivePruneInterval = 5 * time.Second

// Handler dispatches inbound protocol messages against a replica,
// rebroadcasting and requesting saves per message kind.
type Handler struct {
	rep      *replica.Replica
	persist  *persistence.Worker
	outbound chan<- protocol.Message
	events   chan<- model.Event
	log      *slog.Logger
}

// New returns a Handler.
func New(rep *replica.Replica, persist *persistence.Worker, outbound chan<- protocol.Message, events chan<- model.Event) *Handler {
	return &Handler{
		rep:      rep,
		persist:  persist,
		outbound: outbound,
		events:   events,
		log:      slog.With("component", "remotemsg"),
	}
}

// Run consumes inbound messages and runs the periodic alive-pruner until
// ctx is cancelled.
func (h *Handler) Run(ctx context.Context, in <-chan Inbound) {
	ticker := time.NewTicker(AlivePruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.rep.UpdateAlive(nil)
		case msg := <-in:
			h.dispatch(msg)
		}
	}
}

func (h *Handler) dispatch(msg Inbound) {
	if msg.Origin == h.rep.LocalSiteID() {
		return
	}

	switch msg.Message.Kind {
	case protocol.KindDeltaChange:
		h.handleDelta(msg.Origin, msg.Message.Bytes)
	case protocol.KindState:
		h.handleState(msg.Origin, msg.Message.Bytes, false)
	case protocol.KindAnnounce:
		h.handleState(msg.Origin, msg.Message.Bytes, true)
	case protocol.KindRequestState:
		h.handleRequestState(msg.Message.RequestTarget)
	case protocol.KindAlive:
		h.rep.UpdateAlive(&msg.Origin)
	case protocol.KindShutdown:
		h.rep.ShutdownSite(msg.Origin)
	default:
		h.log.Warn("unrecognised message kind", "kind", msg.Message.Kind, "origin", msg.Origin)
	}
}

func (h *Handler) handleDelta(origin uint32, delta []byte) {
	h.rep.Lock()
	seen := h.rep.HasSeenState(origin)
	if !seen {
		h.rep.Unlock()
		h.sendOutbound(protocol.RequestState(origin))
		return
	}

	if h.rep.Dedup(delta) {
		h.rep.Unlock()
		return
	}

	if err := h.rep.ApplyDelta(delta); err != nil {
		h.rep.MarkStateUnseen(origin)
		h.rep.Unlock()
		h.log.Error("apply delta failed, will request full state next", "origin", origin, "err", err)
		return
	}
	state, err := h.rep.Hydrate()
	h.rep.Unlock()
	if err != nil {
		h.log.Error("hydrate after delta apply failed", "origin", origin, "err", err)
		return
	}

	h.publish(model.StateUpdate{State: state})
	h.persist.RequestSave(nil)
	h.sendOutbound(protocol.DeltaChange(delta))
}

func (h *Handler) handleState(origin uint32, snapshot []byte, isAnnounce bool) {
	h.rep.Lock()
	err := h.rep.Merge(snapshot)
	if err != nil {
		h.rep.Unlock()
		h.log.Error("merge failed", "origin", origin, "err", err)
		return
	}
	h.rep.MarkStateSeen(origin)
	state, hydrateErr := h.rep.Hydrate()
	var reply []byte
	if isAnnounce {
		reply = h.rep.SnapshotBytes()
	}
	h.rep.Unlock()
	if hydrateErr != nil {
		h.log.Error("hydrate after merge failed", "origin", origin, "err", hydrateErr)
		return
	}

	h.publish(model.StateUpdate{State: state})
	h.persist.RequestSave(nil)
	if isAnnounce {
		h.sendOutbound(protocol.State(reply))
	}
}

func (h *Handler) handleRequestState(target uint32) {
	if target != h.rep.LocalSiteID() {
		return
	}
	h.rep.RLock()
	snapshot := h.rep.SnapshotBytes()
	h.rep.RUnlock()
	h.sendOutbound(protocol.State(snapshot))
}

func (h *Handler) sendOutbound(msg protocol.Message) {
	select {
	case h.outbound <- msg:
	default:
		h.log.Warn("outbound channel full, dropping message", "kind", msg.Kind)
	}
}

func (h *Handler) publish(ev model.Event) {
	select {
	case h.events <- ev:
	default:
	}
}
