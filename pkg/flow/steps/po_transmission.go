package steps

import (
	"context"
	"encoding/json"

	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/tidwall/gjson"
)

// POTransmission sends the purchase order to the supplier's system through
// the tenant's connector binding. Without a binding the step records the PO
// as transmitted locally, which covers suppliers reached out-of-band (EDI
// batch, email).
type POTransmission struct {
	deps *Deps
}

func (h *POTransmission) Type() flow.StepType { return flow.StepPOTransmission }

func (h *POTransmission) Validate(_ context.Context, f *flow.Flow) error {
	if f.POData == nil {
		return flow.NewStepError(flow.CodeValidationFailed, "flow has no purchase order data", false)
	}

	return nil
}

func (h *POTransmission) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	result, err := h.deps.callBinding(ctx, f, flow.StepPOTransmission, poInput(f))
	if err != nil {
		return nil, err
	}

	output := map[string]any{"transmitted": true}

	if result != nil {
		if externalID := extractString(result.Data, "external_id", "id"); externalID != "" {
			f.POData.ExternalID = externalID
			output["external_id"] = externalID
		}
	}

	f.POData.Status = "TRANSMITTED"

	return &flow.StepResult{Output: output}, nil
}

// poInput flattens the PO document into connector call input.
func poInput(f *flow.Flow) map[string]any {
	raw, err := json.Marshal(f.POData)
	if err != nil {
		return map[string]any{"po_number": f.PONumber}
	}

	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return map[string]any{"po_number": f.PONumber}
	}

	return input
}

// extractString pulls the first non-empty string at any of the given paths
// out of a connector response.
func extractString(data any, paths ...string) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}

	parsed := gjson.ParseBytes(raw)

	for _, path := range paths {
		if value := parsed.Get(path); value.Exists() && value.String() != "" {
			return value.String()
		}
	}

	return ""
}
