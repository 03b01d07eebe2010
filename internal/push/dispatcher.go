package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/msgsync/internal/event"
)

// Handler consumes one decoded push event.
type Handler func(ctx context.Context, ev event.Event) error

// Dispatcher routes decoded events to the handlers registered for their
// type. It is owned by whoever builds the Client, so tests can drive it
// directly without a connection.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	fallback []Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// On registers h for events of eventType. Handlers for one type run in
// registration order.
func (d *Dispatcher) On(eventType string, h Handler) {
	d.mu.Lock()
	d.handlers[eventType] = append(d.handlers[eventType], h)
	d.mu.Unlock()
}

// OnUnhandled registers h for events no type-specific handler claims.
func (d *Dispatcher) OnUnhandled(h Handler) {
	d.mu.Lock()
	d.fallback = append(d.fallback, h)
	d.mu.Unlock()
}

// Dispatch invokes every handler registered for ev's type, synchronously
// and in order. A failing handler does not stop the ones after it; their
// errors are joined. Returns the number of handlers run.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) (int, error) {
	d.mu.RLock()
	hs := d.handlers[ev.Type()]
	if len(hs) == 0 {
		hs = d.fallback
	}
	// Copy so handlers may register more handlers without deadlocking.
	hs = append([]Handler(nil), hs...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("handle %s: %w", ev.Type(), err))
		}
	}
	return len(hs), errors.Join(errs...)
}
