// Package fanout is a single outbound channel from the local-command and
// remote-message handlers, split to every stream transport, each of which
// further fans its input across its own active peers: one bus, many
// transports, many peers per transport.
package fanout

import (
	"context"
	"sync"

	"go.klb.dev/todomcp/internal/protocol"
)

// Bus receives protocol.Message values from the local-command and
// remote-message handlers and republishes each to every currently
// registered transport leg.
type Bus struct {
	mu   sync.RWMutex
	legs map[int]chan<- protocol.Message
	next int
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{legs: make(map[int]chan<- protocol.Message)}
}

// Subscribe registers a new transport leg and returns its id and a
// receive-only channel of everything published from now on. Call
// Unsubscribe(id) when the leg shuts down.
func (b *Bus) Subscribe(buffer int) (id int, ch <-chan protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(chan protocol.Message, buffer)
	id = b.next
	b.next++
	b.legs[id] = out
	return id, out
}

// Unsubscribe removes and closes a leg's channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.legs[id]; ok {
		close(ch)
		delete(b.legs, id)
	}
}

// Run reads from in and republishes every message to every registered leg
// until ctx is cancelled or in is closed. Legs with a full buffer have
// that message dropped for them — the CRDT's idempotent merge recovers a
// dropped message on the next announce/state exchange.
func (b *Bus) Run(ctx context.Context, in <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			b.publish(msg)
		}
	}
}

func (b *Bus) publish(msg protocol.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.legs {
		select {
		case ch <- msg:
		default:
		}
	}
}
