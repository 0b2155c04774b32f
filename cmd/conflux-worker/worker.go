package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/connector/reqlog"
	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/flow/steps"
	"github.com/confluxhq/conflux/pkg/persistence"
)

// Worker consumes webhook events off the bus, routes them into waiting
// flows, and runs the flow monitor sweep.
type Worker struct {
	id           string
	eventBus     eventbus.EventBus
	orchestrator *flow.Orchestrator
	monitor      *flow.Monitor
	logger       *slog.Logger
}

func NewWorker(
	id string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *Worker {
	dispatcher := eventbus.NewDispatcher(logger)
	emitter := eventbus.NewBusEmitter(dispatcher, eventBus, logger)

	executor := connector.NewExecutor(logger,
		connector.WithRequestLog(reqlog.New()))

	handlers := steps.NewHandlers(&steps.Deps{
		Executor:   executor,
		Connectors: store,
		Logger:     logger,
	})

	flowLog := flow.NewFlowLog()
	orchestrator := flow.NewOrchestrator(store, flow.NewConfigStore(store), flowLog, emitter, handlers, logger)
	monitor := flow.NewMonitor(store, flowLog, emitter, logger)

	return &Worker{
		id:           id,
		eventBus:     eventBus,
		orchestrator: orchestrator,
		monitor:      monitor,
		logger:       logger,
	}
}

// webhookFlowTypes maps ingress event types onto the orchestrator's webhook
// payload slots. Anything else is recorded and dropped.
var webhookFlowTypes = map[string]bool{
	flow.WebhookGoodsReceiptUpdate:  true,
	flow.WebhookInvoiceStatusUpdate: true,
	flow.WebhookPaymentStatusUpdate: true,
	flow.WebhookMatchApproval:       true,
}

func (w *Worker) handleWebhookReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.WebhookReceived)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	logger := w.logger.With(
		"tenant_id", received.TenantID,
		"source", received.Source,
		"webhook_event_type", received.EventType)

	if !webhookFlowTypes[received.EventType] {
		logger.WarnContext(ctx, "Ignoring webhook event with no flow slot")

		return nil
	}

	flowID := received.FlowID
	if flowID == "" {
		if id, ok := received.Payload["flow_id"].(string); ok {
			flowID = id
		}
	}

	if flowID == "" {
		logger.WarnContext(ctx, "Webhook event carries no flow_id, dropping")

		return nil
	}

	if err := w.orchestrator.HandleWebhook(ctx, flowID, received.EventType, received.Payload); err != nil {
		logger.ErrorContext(ctx, "Failed to route webhook into flow", "flow_id", flowID, "error", err)

		return err
	}

	logger.InfoContext(ctx, "Webhook routed into flow", "flow_id", flowID)

	return nil
}

// Start subscribes to the bus and blocks until SIGINT or SIGTERM.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.eventBus.Handle(events.WebhookReceivedEvent, w.handleWebhookReceived); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		return err
	}

	if err := w.monitor.Start(ctx); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started", "worker_id", w.id)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	w.logger.InfoContext(ctx, "Shutting down worker")
	w.monitor.Stop()
	cancel()

	return nil
}
