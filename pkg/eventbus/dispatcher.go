package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/confluxhq/conflux/pkg/events"
)

// Dispatcher is an in-process, synchronous publish/subscribe hub used by the
// orchestrator for flow lifecycle notifications. Subscribers run in
// registration order; a failing or panicking subscriber is logged and never
// blocks delivery to the remaining subscribers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]EventHandler
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[events.EventType][]EventHandler),
		logger:   logger.With("module", "event_dispatcher"),
	}
}

// Subscribe appends a handler for the given event type. The wildcard type "*"
// subscribes to every event.
func (d *Dispatcher) Subscribe(eventType events.EventType, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Emit delivers the event to all subscribers for its exact type plus wildcard
// subscribers. Delivery is synchronous and ordered.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[event.GetType()])+len(d.handlers["*"]))
	handlers = append(handlers, d.handlers[event.GetType()]...)
	handlers = append(handlers, d.handlers["*"]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		d.deliver(ctx, event, handler)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event, handler EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked",
				"event_type", event.GetType(),
				"panic", fmt.Sprintf("%v", r))
		}
	}()

	if err := handler(ctx, event); err != nil {
		d.logger.Error("Event handler failed",
			"event_type", event.GetType(),
			"error", err)
	}
}
