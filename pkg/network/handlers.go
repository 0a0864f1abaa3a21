package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
)

// Handler reacts to one kind of inbound event packet.
type Handler interface {
	Packet() protocol.ID
	Handle(ctx context.Context, pk protocol.Packet, conn *Connection, header protocol.Header) error
}

type HandlerFunc[T protocol.Packet] func(ctx context.Context, pk T, conn *Connection, header protocol.Header) error

type typedHandler[T protocol.Packet] struct {
	id protocol.ID
	fn HandlerFunc[T]
}

// NewHandler adapts fn into a Handler for packets registered under id.
func NewHandler[T protocol.Packet](id protocol.ID, fn HandlerFunc[T]) Handler {
	return &typedHandler[T]{id: id, fn: fn}
}

func (h *typedHandler[T]) Packet() protocol.ID {
	return h.id
}

func (h *typedHandler[T]) Handle(ctx context.Context, pk protocol.Packet, conn *Connection, header protocol.Header) error {
	typed, ok := pk.(T)
	if !ok {
		return errors.Errorf("handler for %s got %T", h.id, pk)
	}
	return h.fn(ctx, typed, conn, header)
}

type registeredHandler struct {
	Handler
	passive bool
}

type handlerRegistry struct {
	logger sblog.Logger

	mu       sync.RWMutex
	handlers []registeredHandler
}

func (r *handlerRegistry) add(h Handler, passive bool) {
	r.mu.Lock()
	r.handlers = append(r.handlers, registeredHandler{Handler: h, passive: passive})
	r.mu.Unlock()
}

func (r *handlerRegistry) remove(h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, registered := range r.handlers {
		if registered.Handler == h {
			r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// ids returns the packets of every handler that drives subscriptions.
func (r *handlerRegistry) ids() []protocol.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]protocol.ID, 0, len(r.handlers))
	for _, h := range r.handlers {
		if !h.passive {
			ids = append(ids, h.Packet())
		}
	}
	return ids
}

func (r *handlerRegistry) match(id protocol.ID) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matching []Handler
	for _, h := range r.handlers {
		if h.Packet() == id {
			matching = append(matching, h.Handler)
		}
	}
	return matching
}

// handle runs every handler registered for the packet. A failing or
// panicking handler does not stop the others.
func (r *handlerRegistry) handle(ctx context.Context, pk protocol.Packet, conn *Connection, header protocol.Header) {
	handlers := r.match(pk.ID())
	if len(handlers) == 0 {
		r.logger.Debug("no handler for packet", "packet", pk.ID(), "conn", conn.ID())
		return
	}

	for _, h := range handlers {
		r.run(ctx, h, pk, conn, header)
	}
}

func (r *handlerRegistry) run(ctx context.Context, h Handler, pk protocol.Packet, conn *Connection, header protocol.Header) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("packet handler panicked", "packet", pk.ID(), "conn", conn.ID(), "error", fmt.Sprint(rec))
		}
	}()

	if err := h.Handle(ctx, pk, conn, header); err != nil {
		r.logger.Error("packet handler failed", "packet", pk.ID(), "conn", conn.ID(), "error", err)
	}
}
