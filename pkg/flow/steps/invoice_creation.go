package steps

import (
	"context"

	"github.com/confluxhq/conflux/pkg/flow"
)

// InvoiceCreation waits for the vendor invoice. The invoice arrives as an
// invoice_status_update webhook; a binding can additionally ask the
// accounting system to generate it.
type InvoiceCreation struct {
	deps *Deps
}

func (h *InvoiceCreation) Type() flow.StepType { return flow.StepInvoiceCreation }

func (h *InvoiceCreation) Validate(_ context.Context, f *flow.Flow) error {
	if f.GoodsReceiptData == nil {
		return flow.NewStepError(flow.CodeValidationFailed,
			"goods receipt must be recorded before invoicing", false)
	}

	return nil
}

func (h *InvoiceCreation) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	if f.InvoiceData != nil {
		return &flow.StepResult{
			Output: map[string]any{
				"invoice_number": f.InvoiceData.InvoiceNumber,
				"total_amount":   f.InvoiceData.TotalAmount.String(),
			},
		}, nil
	}

	input := map[string]any{
		"po_number":      f.PONumber,
		"receipt_number": f.GoodsReceiptData.ReceiptNumber,
	}

	if _, err := h.deps.callBinding(ctx, f, flow.StepInvoiceCreation, input); err != nil {
		return nil, err
	}

	return &flow.StepResult{
		Output:       map[string]any{"requested": true},
		WaitExternal: true,
		WaitingFor:   flow.WebhookInvoiceStatusUpdate,
	}, nil
}
