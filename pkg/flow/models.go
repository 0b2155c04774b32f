// Package flow implements the procure-to-pay workflow: the flow instance
// model, per-tenant configuration, step handler contract, and the
// orchestrator that drives a purchase order from validation to completion.
package flow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the flow state machine state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusPaused          Status = "PAUSED"
	StatusWaitingExternal Status = "WAITING_EXTERNAL"
	StatusWaitingApproval Status = "WAITING_APPROVAL"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepType identifies one workflow stage.
type StepType string

const (
	StepPOValidation      StepType = "po_validation"
	StepPOTransmission    StepType = "po_transmission"
	StepAcknowledgment    StepType = "acknowledgment"
	StepGoodsReceipt      StepType = "goods_receipt"
	StepInvoiceCreation   StepType = "invoice_creation"
	StepThreeWayMatch     StepType = "three_way_match"
	StepInvoiceSubmission StepType = "invoice_submission"
	StepPaymentTracking   StepType = "payment_tracking"
	StepCompletion        StepType = "completion"
)

// StepOrder is the declared execution order. Every flow instance gets one
// StepExecution per entry, in this order.
var StepOrder = []StepType{
	StepPOValidation,
	StepPOTransmission,
	StepAcknowledgment,
	StepGoodsReceipt,
	StepInvoiceCreation,
	StepThreeWayMatch,
	StepInvoiceSubmission,
	StepPaymentTracking,
	StepCompletion,
}

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusRetrying  StepStatus = "RETRYING"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// MatchStatus is the three-way match outcome.
type MatchStatus string

const (
	MatchStatusMatched    MatchStatus = "MATCHED"
	MatchStatusNotMatched MatchStatus = "NOT_MATCHED"
)

// POLine is one purchase order line item.
type POLine struct {
	LineNumber  int             `json:"line_number"`
	ItemID      string          `json:"item_id"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// PurchaseOrder is the document that starts a flow.
type PurchaseOrder struct {
	ID          string          `json:"id"`
	PONumber    string          `json:"po_number"`
	SupplierID  string          `json:"supplier_id"`
	Lines       []POLine        `json:"lines"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status,omitempty"`
	ExternalID  string          `json:"external_id,omitempty"`
}

// ReceiptLine records received quantity for one PO line.
type ReceiptLine struct {
	LineNumber int             `json:"line_number"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// GoodsReceipt arrives from the external system via webhook.
type GoodsReceipt struct {
	ID            string        `json:"id,omitempty"`
	ReceiptNumber string        `json:"receipt_number"`
	PONumber      string        `json:"po_number"`
	Lines         []ReceiptLine `json:"lines"`
	ReceivedAt    *time.Time    `json:"received_at,omitempty"`
}

// InvoiceLine is one vendor invoice line.
type InvoiceLine struct {
	LineNumber int             `json:"line_number"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Invoice arrives from the external system via webhook.
type Invoice struct {
	ID            string          `json:"id,omitempty"`
	InvoiceNumber string          `json:"invoice_number"`
	PONumber      string          `json:"po_number"`
	Lines         []InvoiceLine   `json:"lines"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status,omitempty"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
}

// Payment tracks settlement of a submitted invoice.
type Payment struct {
	ID            string          `json:"id,omitempty"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// MatchLine compares ordered vs. received vs. invoiced values for one line.
type MatchLine struct {
	LineNumber      int             `json:"line_number"`
	OrderedQty      decimal.Decimal `json:"ordered_qty"`
	ReceivedQty     decimal.Decimal `json:"received_qty"`
	InvoicedQty     decimal.Decimal `json:"invoiced_qty"`
	OrderedPrice    decimal.Decimal `json:"ordered_price"`
	InvoicedPrice   decimal.Decimal `json:"invoiced_price"`
	QuantityMatched bool            `json:"quantity_matched"`
	PriceMatched    bool            `json:"price_matched"`
}

// DiscrepancyType classifies what diverged on a match line.
type DiscrepancyType string

const (
	DiscrepancyQuantity DiscrepancyType = "quantity"
	DiscrepancyPrice    DiscrepancyType = "price"
	DiscrepancyAmount   DiscrepancyType = "amount"
)

// DiscrepancySeverity is warning (within margin) or error (beyond it).
type DiscrepancySeverity string

const (
	SeverityWarning DiscrepancySeverity = "warning"
	SeverityError   DiscrepancySeverity = "error"
)

type Discrepancy struct {
	Type       DiscrepancyType     `json:"type"`
	Severity   DiscrepancySeverity `json:"severity"`
	LineNumber int                 `json:"line_number"`
	Expected   decimal.Decimal     `json:"expected"`
	Actual     decimal.Decimal     `json:"actual"`
	Difference decimal.Decimal     `json:"difference"`
	Percent    decimal.Decimal     `json:"percent"`
	Message    string              `json:"message"`
}

// MatchData is the three-way match result. RequiresApproval is true iff at
// least one discrepancy has severity error, or the status is NOT_MATCHED.
type MatchData struct {
	Status           MatchStatus   `json:"status"`
	Items            []MatchLine   `json:"items"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
	RequiresApproval bool          `json:"requires_approval"`
	ApprovedBy       string        `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time    `json:"approved_at,omitempty"`
}

// StepExecution is reused across retries of the same step: the attempt
// counter increments and the status resets, history stays on the flow log.
type StepExecution struct {
	StepType    StepType       `json:"step_type"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Retryable   bool           `json:"retryable"`
}

// Flow is the workflow aggregate, exclusively owned by the orchestrator while
// running. External systems mutate it only through HandleWebhook.
type Flow struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	ConfigID        string           `json:"config_id,omitempty"`
	PurchaseOrderID string           `json:"purchase_order_id"`
	PONumber        string           `json:"po_number"`
	Status          Status           `json:"status"`
	CurrentStep     StepType         `json:"current_step"`
	Steps           []*StepExecution `json:"steps"`

	POData           *PurchaseOrder `json:"po_data"`
	GoodsReceiptData *GoodsReceipt  `json:"goods_receipt_data,omitempty"`
	InvoiceData      *Invoice       `json:"invoice_data,omitempty"`
	MatchData        *MatchData     `json:"match_data,omitempty"`
	PaymentData      *Payment       `json:"payment_data,omitempty"`

	// Config is the per-tenant configuration snapshot captured at start; a
	// running flow does not observe later edits.
	Config *Config `json:"config"`

	ErrorCount    int        `json:"error_count"`
	LastError     string     `json:"last_error,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Step returns the execution record for a step type, or nil.
func (f *Flow) Step(stepType StepType) *StepExecution {
	for _, step := range f.Steps {
		if step.StepType == stepType {
			return step
		}
	}

	return nil
}

// stepIndex returns the declared position of a step type, or -1.
func stepIndex(stepType StepType) int {
	for i, t := range StepOrder {
		if t == stepType {
			return i
		}
	}

	return -1
}
