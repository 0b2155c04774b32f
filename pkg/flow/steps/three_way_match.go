package steps

import (
	"context"
	"fmt"

	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/shopspring/decimal"
)

// errorMargin scales the tolerance to separate warning-grade drift from
// error-grade discrepancies: beyond twice the tolerance the severity is
// error and an approver has to sign off.
var errorMargin = decimal.NewFromInt(2)

// ThreeWayMatch reconciles ordered vs. received vs. invoiced quantities and
// prices per PO line against the tenant's tolerances.
type ThreeWayMatch struct{}

func (h *ThreeWayMatch) Type() flow.StepType { return flow.StepThreeWayMatch }

func (h *ThreeWayMatch) Validate(_ context.Context, f *flow.Flow) error {
	if f.POData == nil {
		return flow.NewStepError(flow.CodeValidationFailed, "flow has no purchase order data", false)
	}

	if f.GoodsReceiptData == nil {
		return flow.NewStepError(flow.CodeValidationFailed, "no goods receipt recorded for match", false)
	}

	if f.InvoiceData == nil {
		return flow.NewStepError(flow.CodeNoInvoiceData, "no invoice recorded for match", false)
	}

	return nil
}

func (h *ThreeWayMatch) Execute(_ context.Context, f *flow.Flow) (*flow.StepResult, error) {
	tolerances := f.Config.Tolerance

	receivedByLine := make(map[int]decimal.Decimal, len(f.GoodsReceiptData.Lines))
	for _, line := range f.GoodsReceiptData.Lines {
		receivedByLine[line.LineNumber] = line.Quantity
	}

	invoicedByLine := make(map[int]flow.InvoiceLine, len(f.InvoiceData.Lines))
	for _, line := range f.InvoiceData.Lines {
		invoicedByLine[line.LineNumber] = line
	}

	match := &flow.MatchData{Status: flow.MatchStatusMatched}

	for _, poLine := range f.POData.Lines {
		received := receivedByLine[poLine.LineNumber]
		invoiced := invoicedByLine[poLine.LineNumber]

		line := flow.MatchLine{
			LineNumber:    poLine.LineNumber,
			OrderedQty:    poLine.Quantity,
			ReceivedQty:   received,
			InvoicedQty:   invoiced.Quantity,
			OrderedPrice:  poLine.UnitPrice,
			InvoicedPrice: invoiced.UnitPrice,
		}

		// Two quantity legs: the shipment is checked against the order, the
		// invoice against what actually arrived.
		receiptDiscrepancy := compareValues(flow.DiscrepancyQuantity, poLine.LineNumber,
			poLine.Quantity, received, tolerances.QuantityPercent)
		invoiceDiscrepancy := compareValues(flow.DiscrepancyQuantity, poLine.LineNumber,
			received, invoiced.Quantity, tolerances.QuantityPercent)
		line.QuantityMatched = receiptDiscrepancy == nil && invoiceDiscrepancy == nil

		priceDiscrepancy := compareValues(flow.DiscrepancyPrice, poLine.LineNumber,
			poLine.UnitPrice, invoiced.UnitPrice, tolerances.PricePercent)
		line.PriceMatched = priceDiscrepancy == nil

		for _, discrepancy := range []*flow.Discrepancy{receiptDiscrepancy, invoiceDiscrepancy, priceDiscrepancy} {
			if discrepancy != nil {
				match.Discrepancies = append(match.Discrepancies, *discrepancy)
			}
		}

		match.Items = append(match.Items, line)
	}

	if amountDiscrepancy := compareTotals(f.POData, f.InvoiceData, tolerances); amountDiscrepancy != nil {
		match.Discrepancies = append(match.Discrepancies, *amountDiscrepancy)
	}

	if len(match.Discrepancies) > 0 {
		match.Status = flow.MatchStatusNotMatched
	}

	// RequiresApproval iff an error-severity discrepancy exists or the match
	// failed outright.
	for _, discrepancy := range match.Discrepancies {
		if discrepancy.Severity == flow.SeverityError {
			match.RequiresApproval = true

			break
		}
	}

	if match.Status == flow.MatchStatusNotMatched {
		match.RequiresApproval = true
	}

	f.MatchData = match

	return &flow.StepResult{
		Output: map[string]any{
			"status":        string(match.Status),
			"lines":         len(match.Items),
			"discrepancies": len(match.Discrepancies),
		},
		RequiresApproval: match.RequiresApproval,
	}, nil
}

// compareTotals checks the invoice total against the PO total under the
// absolute amount ceiling. A zero ceiling disables the check.
func compareTotals(po *flow.PurchaseOrder, invoice *flow.Invoice, tolerances flow.MatchTolerances) *flow.Discrepancy {
	if !tolerances.AbsoluteAmount.IsPositive() {
		return nil
	}

	difference := invoice.TotalAmount.Sub(po.TotalAmount)
	if difference.Abs().LessThanOrEqual(tolerances.AbsoluteAmount) {
		return nil
	}

	var percent decimal.Decimal
	if po.TotalAmount.IsZero() {
		percent = decimal.NewFromInt(100)
	} else {
		percent = difference.Abs().Div(po.TotalAmount.Abs()).Mul(decimal.NewFromInt(100))
	}

	severity := flow.SeverityWarning
	if difference.Abs().GreaterThan(tolerances.AbsoluteAmount.Mul(errorMargin)) {
		severity = flow.SeverityError
	}

	return &flow.Discrepancy{
		Type:       flow.DiscrepancyAmount,
		Severity:   severity,
		Expected:   po.TotalAmount,
		Actual:     invoice.TotalAmount,
		Difference: difference,
		Percent:    percent,
		Message: fmt.Sprintf("invoice total off by %s %s (expected %s, got %s, ceiling %s)",
			difference.Abs(), tolerances.Currency, po.TotalAmount, invoice.TotalAmount, tolerances.AbsoluteAmount),
	}
}

// compareValues returns a discrepancy when actual diverges from expected by
// more than tolerancePercent (of expected). Severity escalates to error past
// the tolerance times the margin.
func compareValues(kind flow.DiscrepancyType, lineNumber int, expected, actual, tolerancePercent decimal.Decimal) *flow.Discrepancy {
	difference := actual.Sub(expected)
	if difference.IsZero() {
		return nil
	}

	var percent decimal.Decimal

	if expected.IsZero() {
		percent = decimal.NewFromInt(100)
	} else {
		percent = difference.Abs().Div(expected.Abs()).Mul(decimal.NewFromInt(100))
	}

	if percent.LessThanOrEqual(tolerancePercent) {
		return nil
	}

	severity := flow.SeverityWarning
	if percent.GreaterThan(tolerancePercent.Mul(errorMargin)) {
		severity = flow.SeverityError
	}

	return &flow.Discrepancy{
		Type:       kind,
		Severity:   severity,
		LineNumber: lineNumber,
		Expected:   expected,
		Actual:     actual,
		Difference: difference,
		Percent:    percent,
		Message: fmt.Sprintf("line %d %s off by %s%% (expected %s, got %s)",
			lineNumber, kind, percent.Round(2), expected, actual),
	}
}
