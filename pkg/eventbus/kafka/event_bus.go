// Package kafka provides an Apache Kafka backed event bus for flow events.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

type kafkaEventBus struct {
	logger   *slog.Logger
	writer   *kafkago.Writer
	reader   *kafkago.Reader
	handlers map[events.EventType]eventbus.EventHandler
}

// NewEventBus builds a bus over the brokers named in KAFKA_BROKERS. The
// consumer group defaults to cg-conflux-event-bus and can be overridden
// with KAFKA_GROUP_ID.
func NewEventBus(logger *slog.Logger) (eventbus.EventBus, error) {
	var brokers []string

	for _, broker := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	if len(brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}

	writer := kafkago.NewWriter(kafkago.WriterConfig{
		Brokers: brokers,
		Topic:   events.Topic,
	})

	groupID := os.Getenv("KAFKA_GROUP_ID")
	if groupID == "" {
		groupID = "cg-conflux-event-bus"
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: brokers,
		Topic:   events.Topic,
		GroupID: groupID,
	})

	return &kafkaEventBus{
		logger:   logger,
		writer:   writer,
		reader:   reader,
		handlers: make(map[events.EventType]eventbus.EventHandler),
	}, nil
}

func (k *kafkaEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	return publishEvent(ctx, k.logger, k.writer, key, event)
}

func (k *kafkaEventBus) Subscribe(ctx context.Context) error {
	k.logger.InfoContext(ctx, "Subscribing to flow events")

	tracer := otel.Tracer("conflux.eventbus.kafka")

	go consumeEvents(ctx, k.logger, k.reader, tracer, k.handlers)

	return nil
}

func (k *kafkaEventBus) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}

func (k *kafkaEventBus) GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func (k *kafkaEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	k.handlers[eventType] = handler

	return nil
}
