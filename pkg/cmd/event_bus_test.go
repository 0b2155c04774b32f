package cmd

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewEventBusGochannel(t *testing.T) {
	bus := NewEventBus("gochannel", testLogger())
	require.NotNil(t, bus)
	assert.NotEmpty(t, bus.GenerateID())
	assert.NoError(t, bus.Close())
}

func TestNewEventBusKafkaGo(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "localhost:9092")

	bus := NewEventBus("kafka-go", testLogger())
	require.NotNil(t, bus)
	assert.NoError(t, bus.Close())
}

func TestNewEventBusKafkaGoWithoutBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	assert.Panics(t, func() {
		NewEventBus("kafka-go", testLogger())
	})
}

func TestNewEventBusUnsupportedProvider(t *testing.T) {
	assert.Panics(t, func() {
		NewEventBus("carrier-pigeon", testLogger())
	})
}
