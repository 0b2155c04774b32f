// Package main provides the Conflux API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/connector/reqlog"
	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/flow/steps"
	"github.com/confluxhq/conflux/pkg/persistence"
	"github.com/confluxhq/conflux/pkg/web"
	"github.com/confluxhq/conflux/pkg/webhook"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate

	orchestrator *flow.Orchestrator
	configs      *flow.ConfigStore
	receiver     *webhook.Receiver
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
) *API {
	dispatcher := eventbus.NewDispatcher(logger)
	emitter := eventbus.NewBusEmitter(dispatcher, eventBus, logger)

	executor := connector.NewExecutor(logger,
		connector.WithRequestLog(reqlog.New()))

	handlers := steps.NewHandlers(&steps.Deps{
		Executor:   executor,
		Connectors: store,
		Logger:     logger,
	})

	configs := flow.NewConfigStore(store)
	orchestrator := flow.NewOrchestrator(store, configs, flow.NewFlowLog(), emitter, handlers, logger)

	receiver := webhook.NewReceiver(logger)

	api := &API{
		logger:       logger,
		persistence:  store,
		eventBus:     eventBus,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		orchestrator: orchestrator,
		configs:      configs,
		receiver:     receiver,
	}

	// Every accepted ingress webhook goes onto the bus; the worker routes it
	// into the right flow.
	receiver.Subscribe("*", api.publishWebhookEvent)

	return api
}

func (a *API) publishWebhookEvent(event *webhook.Event) error {
	payload, _ := event.Payload.(map[string]any)

	flowID := ""
	if id, ok := payload["flow_id"].(string); ok {
		flowID = id
	}

	return a.eventBus.Publish(context.Background(), event.TenantID, events.WebhookReceived{
		BaseEvent: events.NewBaseEvent(events.WebhookReceivedEvent, event.TenantID, flowID),
		ConfigID:  event.ConfigID,
		Source:    event.Source,
		EventType: event.EventType,
		Payload:   payload,
	})
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.orchestrator, a.configs, a.persistence, a.validate)

	return web.NewApp(handlers)
}

// Start serves the management API and the webhook ingress listener until the
// context is cancelled.
func (a *API) Start(ctx context.Context, port, webhookPort int) error {
	ingress := webhook.NewServer(webhookPort, a.persistence, a.receiver, a.logger)
	if err := ingress.Start(ctx); err != nil {
		return err
	}

	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Error during API shutdown", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(port))
}
