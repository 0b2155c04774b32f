package eventbus

import (
	"context"
	"log/slog"
)

// BusEmitter fans each emitted event out to the in-process dispatcher and to
// the message bus. Publication failures are logged, not propagated; the flow
// state machine never stalls on a broker outage.
type BusEmitter struct {
	dispatcher *Dispatcher
	publisher  EventPublisher
	logger     *slog.Logger
}

func NewBusEmitter(dispatcher *Dispatcher, publisher EventPublisher, logger *slog.Logger) *BusEmitter {
	return &BusEmitter{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     logger.With("module", "bus_emitter"),
	}
}

func (e *BusEmitter) Emit(ctx context.Context, event Event) {
	if e.dispatcher != nil {
		e.dispatcher.Emit(ctx, event)
	}

	if e.publisher == nil {
		return
	}

	key := ""
	if keyed, ok := event.(interface{ GetKey() string }); ok {
		key = keyed.GetKey()
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.Error("Failed to publish event",
			"event_type", event.GetType(),
			"error", err)
	}
}
