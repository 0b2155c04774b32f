package steps

import (
	"context"

	"github.com/confluxhq/conflux/pkg/flow"
)

// GoodsReceipt waits for the warehouse to confirm delivery. The confirmation
// arrives asynchronously as a goods_receipt_update webhook; if it already
// arrived the step completes immediately.
type GoodsReceipt struct {
	deps *Deps
}

func (h *GoodsReceipt) Type() flow.StepType { return flow.StepGoodsReceipt }

func (h *GoodsReceipt) Validate(_ context.Context, f *flow.Flow) error {
	if f.POData == nil {
		return flow.NewStepError(flow.CodeValidationFailed, "flow has no purchase order data", false)
	}

	return nil
}

func (h *GoodsReceipt) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	if f.GoodsReceiptData != nil {
		return &flow.StepResult{
			Output: map[string]any{
				"receipt_number": f.GoodsReceiptData.ReceiptNumber,
				"line_count":     len(f.GoodsReceiptData.Lines),
			},
		}, nil
	}

	// A binding lets us nudge the external system to post the receipt; the
	// actual data still comes back through the webhook.
	input := map[string]any{"po_number": f.PONumber}
	if f.POData.ExternalID != "" {
		input["external_id"] = f.POData.ExternalID
	}

	if _, err := h.deps.callBinding(ctx, f, flow.StepGoodsReceipt, input); err != nil {
		return nil, err
	}

	return &flow.StepResult{
		Output:       map[string]any{"requested": true},
		WaitExternal: true,
		WaitingFor:   flow.WebhookGoodsReceiptUpdate,
	}, nil
}
