package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/confluxhq/conflux/pkg/events"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

// newEventByType returns a zero event value for the wire type tag, so the
// payload can be unmarshalled into the right struct before dispatch.
func newEventByType(eventType events.EventType) any {
	switch eventType {
	case events.FlowStartedEvent:
		return &events.FlowStarted{}
	case events.FlowCompletedEvent:
		return &events.FlowCompleted{}
	case events.FlowFailedEvent:
		return &events.FlowFailed{}
	case events.FlowCancelledEvent:
		return &events.FlowCancelled{}
	case events.FlowPausedEvent:
		return &events.FlowPaused{}
	case events.FlowResumedEvent:
		return &events.FlowResumed{}
	case events.FlowWaitingExternalEvent:
		return &events.FlowWaitingExternal{}
	case events.FlowApprovalRequiredEvent:
		return &events.FlowApprovalRequired{}
	case events.FlowDeadLetteredEvent:
		return &events.FlowDeadLettered{}
	case events.StepStartedEvent:
		return &events.StepStarted{}
	case events.StepCompletedEvent:
		return &events.StepCompleted{}
	case events.StepFailedEvent:
		return &events.StepFailed{}
	case events.StepRetryingEvent:
		return &events.StepRetrying{}
	case events.StepSkippedEvent:
		return &events.StepSkipped{}
	case events.WebhookReceivedEvent:
		return &events.WebhookReceived{}
	case events.ConnectorCallFailedEvent:
		return &events.ConnectorCallFailed{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				msg.Ack()

				continue
			}

			event := newEventByType(eventType)
			if event == nil {
				msg.Nack()

				continue
			}

			err := json.Unmarshal(msg.Payload, event)
			if err != nil {
				msg.Nack()

				continue
			}

			err = handler(ctx, event)
			if err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
