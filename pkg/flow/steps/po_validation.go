package steps

import (
	"context"
	"fmt"

	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/shopspring/decimal"
)

// totalTolerance absorbs rounding noise between the header total and the
// summed lines.
var totalTolerance = decimal.NewFromFloat(0.01)

// POValidation checks the purchase order document before anything leaves the
// building. Failures are never retryable: the document has to be fixed.
type POValidation struct{}

func (h *POValidation) Type() flow.StepType { return flow.StepPOValidation }

func (h *POValidation) Validate(_ context.Context, f *flow.Flow) error {
	if f.POData == nil {
		return flow.NewStepError(flow.CodePOValidationFailed, "flow has no purchase order data", false)
	}

	return nil
}

func (h *POValidation) Execute(_ context.Context, f *flow.Flow) (*flow.StepResult, error) {
	po := f.POData

	var violations []string

	if po.PONumber == "" {
		violations = append(violations, "po_number is required")
	}

	if po.SupplierID == "" {
		violations = append(violations, "supplier_id is required")
	}

	if len(po.Lines) == 0 {
		violations = append(violations, "purchase order has no lines")
	}

	lineTotal := decimal.Zero

	for _, line := range po.Lines {
		if line.Quantity.LessThanOrEqual(decimal.Zero) {
			violations = append(violations,
				fmt.Sprintf("line %d: quantity must be positive", line.LineNumber))
		}

		if line.UnitPrice.IsNegative() {
			violations = append(violations,
				fmt.Sprintf("line %d: unit price must not be negative", line.LineNumber))
		}

		lineTotal = lineTotal.Add(line.Quantity.Mul(line.UnitPrice))
	}

	if !po.TotalAmount.IsZero() && po.TotalAmount.Sub(lineTotal).Abs().GreaterThan(totalTolerance) {
		violations = append(violations,
			fmt.Sprintf("total_amount %s does not match line total %s", po.TotalAmount, lineTotal))
	}

	if len(violations) > 0 {
		return nil, &flow.StepError{
			Code:    flow.CodePOValidationFailed,
			Message: fmt.Sprintf("purchase order invalid: %v", violations),
		}
	}

	return &flow.StepResult{
		Output: map[string]any{
			"line_count": len(po.Lines),
			"line_total": lineTotal.String(),
		},
	}, nil
}
