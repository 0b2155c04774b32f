package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	"github.com/confluxhq/conflux/pkg/otelhelper"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func consumeEvents(
	ctx context.Context,
	logger *slog.Logger,
	reader *kafkago.Reader,
	tracer trace.Tracer,
	handlers map[events.EventType]eventbus.EventHandler,
) {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.InfoContext(ctx, "Stopping consumer due to context cancellation")

				break
			}

			logger.ErrorContext(ctx, "Failed to fetch message", "error", err)

			continue
		}

		var eventType events.EventType

		carrier := propagation.MapCarrier{}
		for _, header := range message.Headers {
			if header.Key == events.EventTypeMetadataKey {
				eventType = events.EventType(header.Value)
			} else {
				carrier[header.Key] = string(header.Value)
			}
		}

		propagator := otel.GetTextMapPropagator()
		msgCtx := propagator.Extract(ctx, carrier)

		traceCtx, span := otelhelper.StartSpan(msgCtx, tracer, "eventbus.kafka consume",
			attribute.String("kafka.key", string(message.Key)),
			attribute.String("kafka.topic", message.Topic),
		)

		handler, exists := handlers[eventType]
		if !exists {
			span.End()
			commit(ctx, logger, reader, message)

			continue
		}

		event, err := extractEvent(eventType)
		if err != nil {
			logger.ErrorContext(msgCtx, "Unknown event type", "event_type", eventType)
			otelhelper.SetError(span, err)
			span.End()
			commit(ctx, logger, reader, message)

			continue
		}

		err = json.Unmarshal(message.Value, event)
		if err != nil {
			logger.ErrorContext(msgCtx, "Failed to unmarshal event", "error", err, "event_type", eventType)
			otelhelper.SetError(span, err)
			span.End()
			commit(ctx, logger, reader, message)

			continue
		}

		err = handler(traceCtx, event)
		if err != nil {
			logger.ErrorContext(msgCtx, "Handler failed", "error", err, "event_type", eventType)
			otelhelper.SetError(span, err)
			span.End()

			continue
		}

		span.End()
		commit(ctx, logger, reader, message)
	}
}

func commit(ctx context.Context, logger *slog.Logger, reader *kafkago.Reader, message kafkago.Message) {
	if err := reader.CommitMessages(ctx, message); err != nil {
		logger.ErrorContext(ctx, "Failed to commit message", "error", err)
	}
}

// extractEvent returns a zero event value for a wire type tag so the payload
// can be unmarshalled into the right struct before dispatch.
func extractEvent(eventType events.EventType) (any, error) {
	switch eventType {
	case events.FlowStartedEvent:
		return &events.FlowStarted{}, nil
	case events.FlowCompletedEvent:
		return &events.FlowCompleted{}, nil
	case events.FlowFailedEvent:
		return &events.FlowFailed{}, nil
	case events.FlowCancelledEvent:
		return &events.FlowCancelled{}, nil
	case events.FlowPausedEvent:
		return &events.FlowPaused{}, nil
	case events.FlowResumedEvent:
		return &events.FlowResumed{}, nil
	case events.FlowWaitingExternalEvent:
		return &events.FlowWaitingExternal{}, nil
	case events.FlowApprovalRequiredEvent:
		return &events.FlowApprovalRequired{}, nil
	case events.FlowDeadLetteredEvent:
		return &events.FlowDeadLettered{}, nil
	case events.StepStartedEvent:
		return &events.StepStarted{}, nil
	case events.StepCompletedEvent:
		return &events.StepCompleted{}, nil
	case events.StepFailedEvent:
		return &events.StepFailed{}, nil
	case events.StepRetryingEvent:
		return &events.StepRetrying{}, nil
	case events.StepSkippedEvent:
		return &events.StepSkipped{}, nil
	case events.WebhookReceivedEvent:
		return &events.WebhookReceived{}, nil
	case events.ConnectorCallFailedEvent:
		return &events.ConnectorCallFailed{}, nil
	default:
		return nil, errors.New("unknown event type: " + string(eventType))
	}
}
