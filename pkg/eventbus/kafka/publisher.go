package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func publishEvent(
	ctx context.Context,
	logger *slog.Logger,
	writer *kafkago.Writer,
	key string,
	event eventbus.Event,
) error {
	eventType := event.GetType()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	message := kafkago.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: messageHeaders(ctx, key, eventType),
	}

	// Delivery must not be cut short by the caller's deadline once the
	// state transition behind this event has committed.
	if err := writer.WriteMessages(context.WithoutCancel(ctx), message); err != nil {
		return fmt.Errorf("failed to write %s event: %w", eventType, err)
	}

	logger.DebugContext(ctx, "Published event", "key", key, "event_type", eventType)

	return nil
}

// messageHeaders carries the trace context plus the routing metadata the
// consumer side uses to pick an event struct before unmarshaling.
func messageHeaders(ctx context.Context, key string, eventType events.EventType) []kafkago.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafkago.Header, 0, len(carrier)+2)
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	return append(headers,
		kafkago.Header{Key: events.EventMetadataKey, Value: []byte(key)},
		kafkago.Header{Key: events.EventTypeMetadataKey, Value: []byte(eventType)},
	)
}
