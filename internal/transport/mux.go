package transport

import (
	"context"
	"fmt"
	"sync"
)

// Mux dispatches inbound envelopes to per-type handlers. One listener
// serves writes, reads, gossip and repair traffic; each subsystem
// registers the types it owns.
type Mux struct {
	mu       sync.RWMutex
	handlers map[MessageType]Handler
}

// NewMux creates an empty dispatcher
func NewMux() *Mux {
	return &Mux{handlers: make(map[MessageType]Handler)}
}

// Handle registers a handler for one message type. Safe to call while the
// mux is serving; a frame arriving before its type is registered gets an
// error reply.
func (m *Mux) Handle(typ MessageType, h Handler) {
	m.mu.Lock()
	m.handlers[typ] = h
	m.mu.Unlock()
}

// Handler returns the dispatching handler.
func (m *Mux) Handler() Handler {
	return func(ctx context.Context, msg *Message) *Message {
		m.mu.RLock()
		h, ok := m.handlers[msg.Type]
		m.mu.RUnlock()
		if !ok {
			return NewErrorMessage("", CodeInternal,
				fmt.Sprintf("no handler for message type %s", msg.Type))
		}
		return h(ctx, msg)
	}
}
