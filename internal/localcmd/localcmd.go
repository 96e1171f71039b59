// Package localcmd is the handler that applies locally produced commands
// (from the CLI stand-in, and in a fuller build the UI and MCP tool-call
// server) to the CRDT and emits the resulting delta.
package localcmd

import (
	"context"
	"log/slog"

	"go.klb.dev/todomcp/internal/model"
	"go.klb.dev/todomcp/internal/persistence"
	"go.klb.dev/todomcp/internal/protocol"
	"go.klb.dev/todomcp/internal/replica"
)

// Handler wires a command source to a replica, a persistence worker, and
// the outbound fan-out channel.
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
		log:      slog.With("component", "localcmd"),
	}
}

// Run consumes cmds until ctx is cancelled or a Shutdown command arrives.
func (h *Handler) Run(ctx context.Context, cmds <-chan model.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmds:
			if h.handle(cmd) {
				return
			}
		}
	}
}

// handle applies one command, returning true if it was Shutdown (the
// caller should stop consuming after this).
func (h *Handler) handle(cmd model.Command) (shutdown bool) {
	if cmd.Kind() == model.CmdShutdown {
		h.persist.RequestSave(cmd.Ack)
		h.sendOutbound(protocol.Shutdown())
		return true
	}

	h.rep.Lock()
	state, err := h.rep.Hydrate()
	if err != nil {
		h.rep.Unlock()
		h.log.Error("hydrate failed, dropping command", "err", err)
		return false
	}

	applied := applyCommand(&state, cmd)
	if !applied {
		h.rep.Unlock()
		return false
	}

	if err := h.rep.Reconcile(state); err != nil {
		h.rep.Unlock()
		h.log.Error("reconcile failed, dropping command", "err", err)
		return false
	}
	delta := h.rep.DeltaBytes()
	h.rep.Unlock()

	h.publish(model.StateUpdate{State: state})
	h.sendOutbound(protocol.DeltaChange(delta))
	h.persist.RequestSave(nil)
	return false
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

// applyCommand mutates state in place per cmd. Out-of-range indices are
// silent no-ops — callers (UI, RPC) are expected to validate upstream.
// Returns false if the command had no effect (out-of-range, or Shutdown —
// handled separately by the caller).
func applyCommand(state *model.TodoState, cmd model.Command) bool {
	switch cmd.Kind() {
	case model.CmdAddList:
		state.Lists = append(state.Lists, model.TodoList{Title: cmd.Title, Metadata: cmd.Metadata})
		return true

	case model.CmdRemoveList:
		if !validList(state, cmd.ListIndex) {
			return false
		}
		state.Lists = append(state.Lists[:cmd.ListIndex], state.Lists[cmd.ListIndex+1:]...)
		return true

	case model.CmdRenameList:
		if !validList(state, cmd.ListIndex) {
			return false
		}
		state.Lists[cmd.ListIndex].Title = cmd.Title
		return true

	case model.CmdAddTodo:
		if !validList(state, cmd.ListIndex) {
			return false
		}
		l := &state.Lists[cmd.ListIndex]
		l.Items = append(l.Items, model.TodoItem{Text: cmd.Text, Metadata: cmd.Metadata})
		return true

	case model.CmdRenameTodo:
		if !validItem(state, cmd.ListIndex, cmd.ItemIndex) {
			return false
		}
		state.Lists[cmd.ListIndex].Items[cmd.ItemIndex].Text = cmd.Text
		return true

	case model.CmdToggleTodo:
		if !validItem(state, cmd.ListIndex, cmd.ItemIndex) {
			return false
		}
		it := &state.Lists[cmd.ListIndex].Items[cmd.ItemIndex]
		it.Completed = !it.Completed
		return true

	case model.CmdRemoveTodo:
		if !validItem(state, cmd.ListIndex, cmd.ItemIndex) {
			return false
		}
		l := &state.Lists[cmd.ListIndex]
		l.Items = append(l.Items[:cmd.ItemIndex], l.Items[cmd.ItemIndex+1:]...)
		return true

	case model.CmdClearCompleted:
		if !validList(state, cmd.ListIndex) {
			return false
		}
		l := &state.Lists[cmd.ListIndex]
		kept := l.Items[:0]
		for _, it := range l.Items {
			if !it.Completed {
				kept = append(kept, it)
			}
		}
		l.Items = kept
		return true

	default:
		return false
	}
}

func validList(state *model.TodoState, listIndex int) bool {
	return listIndex >= 0 && listIndex < len(state.Lists)
}

func validItem(state *model.TodoState, listIndex, itemIndex int) bool {
	if !validList(state, listIndex) {
		return false
	}
	items := state.Lists[listIndex].Items
	return itemIndex >= 0 && itemIndex < len(items)
}
