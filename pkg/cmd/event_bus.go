// Package cmd provides common initialization for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/confluxhq/conflux/pkg/channels/gochannel"
	"github.com/confluxhq/conflux/pkg/channels/kafka"
	"github.com/confluxhq/conflux/pkg/eventbus"
	kafkago "github.com/confluxhq/conflux/pkg/eventbus/kafka"
)

// NewEventBus creates an event bus instance based on the provider. Kafka via
// watermill is the deployment default; kafka-go is the plain segmentio client
// for deployments that do not want the watermill layer; gochannel keeps
// everything in-process for local runs and tests.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "conflux")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "kafka-go":
		bus, err := kafkago.NewEventBus(logger)
		if err != nil {
			panic(fmt.Errorf("failed to create kafka-go event bus: %w", err))
		}

		return bus
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create gochannel pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}
