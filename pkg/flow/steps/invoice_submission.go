package steps

import (
	"context"

	"github.com/confluxhq/conflux/pkg/flow"
)

// InvoiceSubmission posts the matched invoice for payment. It refuses to
// proceed while the three-way match is unresolved and unapproved.
type InvoiceSubmission struct {
	deps *Deps
}

func (h *InvoiceSubmission) Type() flow.StepType { return flow.StepInvoiceSubmission }

func (h *InvoiceSubmission) Validate(_ context.Context, f *flow.Flow) error {
	if f.InvoiceData == nil {
		return flow.NewStepError(flow.CodeNoInvoiceData, "flow has no invoice to submit", false)
	}

	return nil
}

func (h *InvoiceSubmission) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	if f.MatchData != nil &&
		f.MatchData.Status == flow.MatchStatusNotMatched &&
		f.MatchData.ApprovedBy == "" {
		return nil, &flow.StepError{
			Code:             flow.CodeMatchNotApproved,
			Message:          "three-way match is NOT_MATCHED and no approver has signed off",
			RequiresApproval: true,
		}
	}

	input := map[string]any{
		"po_number":      f.PONumber,
		"invoice_number": f.InvoiceData.InvoiceNumber,
		"total_amount":   f.InvoiceData.TotalAmount.String(),
		"currency":       f.InvoiceData.Currency,
	}

	if _, err := h.deps.callBinding(ctx, f, flow.StepInvoiceSubmission, input); err != nil {
		return nil, err
	}

	submittedAt := timeNow()
	f.InvoiceData.Status = "SUBMITTED"
	f.InvoiceData.SubmittedAt = &submittedAt

	if f.POData != nil {
		f.POData.Status = "INVOICED"
	}

	return &flow.StepResult{
		Output: map[string]any{
			"invoice_number": f.InvoiceData.InvoiceNumber,
			"submitted":      true,
		},
	}, nil
}
