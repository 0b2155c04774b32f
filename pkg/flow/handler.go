package flow

import (
	"context"
	"errors"
	"fmt"
)

// Step-scoped error codes.
const (
	CodePOValidationFailed  = "PO_VALIDATION_FAILED"
	CodeNoInvoiceData       = "NO_INVOICE_DATA"
	CodeMatchNotApproved    = "MATCH_NOT_APPROVED"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeExecutionError      = "EXECUTION_ERROR"
	CodeFlowValidationError = "FLOW_VALIDATION_ERROR"
)

// StepError carries the classification the run loop needs to decide between
// retry, approval, and terminal failure.
type StepError struct {
	Code             string
	Message          string
	Retryable        bool
	RequiresApproval bool
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewStepError(code, message string, retryable bool) *StepError {
	return &StepError{Code: code, Message: message, Retryable: retryable}
}

// AsStepError extracts a *StepError from an error chain.
func AsStepError(err error) (*StepError, bool) {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr, true
	}

	return nil, false
}

// StepResult is what a handler reports on success.
type StepResult struct {
	// Output is snapshotted onto the step execution record.
	Output map[string]any

	// NextStep overrides the declared next step when set.
	NextStep StepType

	// RequiresApproval parks the flow in WAITING_APPROVAL.
	RequiresApproval bool

	// WaitExternal parks the flow in WAITING_EXTERNAL until a webhook
	// supplies the data the next step needs.
	WaitExternal bool

	// WaitingFor names what the flow is parked on, for events and logs.
	WaitingFor string
}

// Handler implements one workflow stage. Validate runs before Execute and is
// the place for precondition checks that should fail fast without counting as
// an execution attempt failure class of their own.
type Handler interface {
	Type() StepType
	Validate(ctx context.Context, f *Flow) error
	Execute(ctx context.Context, f *Flow) (*StepResult, error)
}

// HandlerMap is the fixed step-type to handler registry, built once at
// orchestrator construction.
type HandlerMap map[StepType]Handler
