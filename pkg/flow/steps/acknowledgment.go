package steps

import (
	"context"

	"github.com/confluxhq/conflux/pkg/flow"
)

// Acknowledgment confirms the supplier accepted the purchase order. With a
// binding it queries the supplier's system; otherwise transmission is treated
// as implicit acknowledgment.
type Acknowledgment struct {
	deps *Deps
}

func (h *Acknowledgment) Type() flow.StepType { return flow.StepAcknowledgment }

func (h *Acknowledgment) Validate(_ context.Context, f *flow.Flow) error {
	if f.POData == nil {
		return flow.NewStepError(flow.CodeValidationFailed, "flow has no purchase order data", false)
	}

	return nil
}

func (h *Acknowledgment) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	input := map[string]any{"po_number": f.PONumber}
	if f.POData.ExternalID != "" {
		input["external_id"] = f.POData.ExternalID
	}

	result, err := h.deps.callBinding(ctx, f, flow.StepAcknowledgment, input)
	if err != nil {
		return nil, err
	}

	output := map[string]any{"acknowledged": true}

	if result != nil {
		if status := extractString(result.Data, "status", "state"); status != "" {
			output["supplier_status"] = status
		}
	}

	f.POData.Status = "ACKNOWLEDGED"

	return &flow.StepResult{Output: output}, nil
}
