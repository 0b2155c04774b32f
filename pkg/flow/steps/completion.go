package steps

import (
	"context"

	"github.com/confluxhq/conflux/pkg/flow"
)

// Completion closes out the flow: the PO is closed and a summary of the run
// is recorded on the step output.
type Completion struct{}

func (h *Completion) Type() flow.StepType { return flow.StepCompletion }

func (h *Completion) Validate(_ context.Context, _ *flow.Flow) error {
	return nil
}

func (h *Completion) Execute(_ context.Context, f *flow.Flow) (*flow.StepResult, error) {
	if f.POData != nil {
		f.POData.Status = "CLOSED"
	}

	output := map[string]any{
		"po_number":   f.PONumber,
		"error_count": f.ErrorCount,
	}

	if f.InvoiceData != nil {
		output["invoice_number"] = f.InvoiceData.InvoiceNumber
	}

	if f.PaymentData != nil {
		output["payment_status"] = f.PaymentData.Status
	}

	if f.MatchData != nil {
		output["match_status"] = string(f.MatchData.Status)
	}

	return &flow.StepResult{Output: output}, nil
}
