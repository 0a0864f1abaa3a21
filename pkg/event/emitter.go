// Package event provides a cancelable publish/subscribe emitter keyed by name.
package event

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
)

// Cancelable is implemented by events listeners may veto.
type Cancelable interface {
	Cancel()
	Canceled() bool
}

// Cancellation can be embedded into an event type to make it Cancelable.
type Cancellation struct {
	canceled atomic.Bool
}

func (c *Cancellation) Cancel() {
	c.canceled.Store(true)
}

func (c *Cancellation) Canceled() bool {
	return c.canceled.Load()
}

type Listener[E any] func(ev E)

type listener[E any] struct {
	id   uint64
	fn   Listener[E]
	once bool
}

// Emitter dispatches events of type E to the listeners registered under a name.
// It is safe for concurrent use.
type Emitter[E any] struct {
	logger sblog.Logger

	mu        sync.RWMutex
	listeners map[string][]listener[E]
	nextID    uint64
}

func NewEmitter[E any](logger sblog.Logger) *Emitter[E] {
	return &Emitter[E]{
		logger:    sblog.OrNop(logger),
		listeners: make(map[string][]listener[E]),
	}
}

// On registers fn under name. The returned func removes it again.
func (e *Emitter[E]) On(name string, fn Listener[E]) (off func()) {
	return e.add(name, fn, false)
}

// Once registers fn under name for a single emission.
func (e *Emitter[E]) Once(name string, fn Listener[E]) (off func()) {
	return e.add(name, fn, true)
}

func (e *Emitter[E]) add(name string, fn Listener[E], once bool) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], listener[E]{id: id, fn: fn, once: once})
	e.mu.Unlock()

	var done sync.Once
	return func() {
		done.Do(func() { e.remove(name, id) })
	}
}

func (e *Emitter[E]) remove(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls := e.listeners[name]
	for i, l := range ls {
		if l.id == id {
			ls = slices.Delete(slices.Clone(ls), i, i+1)
			break
		}
	}
	if len(ls) == 0 {
		delete(e.listeners, name)
		return
	}
	e.listeners[name] = ls
}

// Off removes every listener registered under name.
func (e *Emitter[E]) Off(name string) {
	e.mu.Lock()
	delete(e.listeners, name)
	e.mu.Unlock()
}

// Emit calls every listener registered under name in registration order and
// reports whether the event went through. It returns false when ev is
// Cancelable and a listener canceled it. A panicking listener is logged and
// the remaining listeners still run.
func (e *Emitter[E]) Emit(name string, ev E) bool {
	e.mu.Lock()
	ls := e.listeners[name]
	if hasOnce(ls) {
		kept := make([]listener[E], 0, len(ls))
		for _, l := range ls {
			if !l.once {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(e.listeners, name)
		} else {
			e.listeners[name] = kept
		}
	}
	e.mu.Unlock()

	for _, l := range ls {
		e.call(name, l.fn, ev)
	}

	if c, ok := any(ev).(Cancelable); ok && c.Canceled() {
		return false
	}
	return true
}

func (e *Emitter[E]) call(name string, fn Listener[E], ev E) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("event listener panicked", "event", name, "error", fmt.Sprint(rec))
		}
	}()
	fn(ev)
}

func hasOnce[E any](ls []listener[E]) bool {
	for _, l := range ls {
		if l.once {
			return true
		}
	}
	return false
}

// ListenerCount returns how many listeners are registered under name.
func (e *Emitter[E]) ListenerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

// Names returns the sorted names that currently have at least one listener.
func (e *Emitter[E]) Names() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.listeners))
	for name := range e.listeners {
		names = append(names, name)
	}
	e.mu.RUnlock()

	slices.Sort(names)
	return names
}
