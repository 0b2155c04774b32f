// Package steps implements the nine procure-to-pay step handlers.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
)

// timeNow is swapped out in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// ConnectorResolver looks up a tenant's connector configuration by name.
type ConnectorResolver interface {
	ConnectorConfig(ctx context.Context, tenantID, name string) (*connector.Config, error)
}

// Deps are the collaborators shared by connector-backed handlers.
type Deps struct {
	Executor   *connector.Executor
	Connectors ConnectorResolver
	Logger     *slog.Logger
}

// NewHandlers builds the fixed step registry handed to the orchestrator.
func NewHandlers(deps *Deps) flow.HandlerMap {
	return flow.HandlerMap{
		flow.StepPOValidation:      &POValidation{},
		flow.StepPOTransmission:    &POTransmission{deps: deps},
		flow.StepAcknowledgment:    &Acknowledgment{deps: deps},
		flow.StepGoodsReceipt:      &GoodsReceipt{deps: deps},
		flow.StepInvoiceCreation:   &InvoiceCreation{deps: deps},
		flow.StepThreeWayMatch:     &ThreeWayMatch{},
		flow.StepInvoiceSubmission: &InvoiceSubmission{deps: deps},
		flow.StepPaymentTracking:   &PaymentTracking{deps: deps},
		flow.StepCompletion:        &Completion{},
	}
}

// callBinding executes the connector endpoint bound to a step, when the
// tenant configured one. Returns (nil, nil) when no binding exists; connector
// failures come back as step errors carrying the mapped retryability.
func (d *Deps) callBinding(ctx context.Context, f *flow.Flow, stepType flow.StepType, input map[string]any) (*connector.ExecutionResult, error) {
	binding, ok := f.Config.Bindings[stepType]
	if !ok {
		return nil, nil
	}

	if d == nil || d.Executor == nil || d.Connectors == nil {
		return nil, flow.NewStepError(flow.CodeExecutionError,
			fmt.Sprintf("step %s has a connector binding but no executor is wired", stepType), false)
	}

	cfg, err := d.Connectors.ConnectorConfig(ctx, f.TenantID, binding.Connector)
	if err != nil {
		return nil, flow.NewStepError(flow.CodeExecutionError,
			fmt.Sprintf("failed to resolve connector %q: %v", binding.Connector, err), false)
	}

	if cfg == nil {
		return nil, flow.NewStepError(flow.CodeExecutionError,
			fmt.Sprintf("connector %q is not configured for tenant %s", binding.Connector, f.TenantID), false)
	}

	result := d.Executor.Execute(ctx, cfg, &connector.CallContext{
		Endpoint:      binding.Endpoint,
		Input:         input,
		TenantID:      f.TenantID,
		ConfigID:      f.ConfigID,
		CorrelationID: f.CorrelationID,
	}, nil)

	if !result.Success {
		message := "connector call failed"
		retryable := false

		if result.Error != nil {
			message = result.Error.Message
			retryable = result.Error.Retryable
		}

		return result, flow.NewStepError(flow.CodeExecutionError,
			fmt.Sprintf("%s/%s: %s", binding.Connector, binding.Endpoint, message), retryable)
	}

	return result, nil
}
