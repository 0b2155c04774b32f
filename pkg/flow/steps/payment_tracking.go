package steps

import (
	"context"
	"strings"

	"github.com/confluxhq/conflux/pkg/flow"
)

// Payment statuses that end the tracking wait.
var settledPaymentStatuses = map[string]bool{
	"PAID":    true,
	"CLEARED": true,
	"SETTLED": true,
}

// PaymentTracking waits for the payment_status_update webhook confirming the
// submitted invoice was paid. A binding can poll the payment system instead
// of waiting passively.
type PaymentTracking struct {
	deps *Deps
}

func (h *PaymentTracking) Type() flow.StepType { return flow.StepPaymentTracking }

func (h *PaymentTracking) Validate(_ context.Context, f *flow.Flow) error {
	if f.InvoiceData == nil || f.InvoiceData.Status != "SUBMITTED" {
		return flow.NewStepError(flow.CodeValidationFailed,
			"invoice must be submitted before tracking payment", false)
	}

	return nil
}

func (h *PaymentTracking) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	if f.PaymentData != nil && settledPaymentStatuses[strings.ToUpper(f.PaymentData.Status)] {
		return &flow.StepResult{
			Output: map[string]any{
				"payment_status": f.PaymentData.Status,
				"amount":         f.PaymentData.Amount.String(),
			},
		}, nil
	}

	input := map[string]any{"invoice_number": f.InvoiceData.InvoiceNumber}

	result, err := h.deps.callBinding(ctx, f, flow.StepPaymentTracking, input)
	if err != nil {
		return nil, err
	}

	// The poll may already report settlement.
	if result != nil {
		if status := extractString(result.Data, "payment_status", "status"); settledPaymentStatuses[strings.ToUpper(status)] {
			if f.PaymentData == nil {
				f.PaymentData = &flow.Payment{InvoiceNumber: f.InvoiceData.InvoiceNumber}
			}

			f.PaymentData.Status = strings.ToUpper(status)

			return &flow.StepResult{
				Output: map[string]any{"payment_status": f.PaymentData.Status},
			}, nil
		}
	}

	return &flow.StepResult{
		Output:       map[string]any{"tracking": true},
		WaitExternal: true,
		WaitingFor:   flow.WebhookPaymentStatusUpdate,
	}, nil
}
