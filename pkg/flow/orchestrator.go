package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	"github.com/google/uuid"
)

const (
	defaultStepTimeout = 30 * time.Second
	maxStepBackoff     = 30 * time.Second
)

// Webhook payload slots accepted by HandleWebhook.
const (
	WebhookGoodsReceiptUpdate  = "goods_receipt_update"
	WebhookInvoiceStatusUpdate = "invoice_status_update"
	WebhookPaymentStatusUpdate = "payment_status_update"
	WebhookMatchApproval       = "match_approval"
)

// Steps that park the flow in WAITING_EXTERNAL after completing, because the
// data the next step needs arrives asynchronously via webhook.
var externallyGated = map[StepType]bool{
	StepGoodsReceipt:    true,
	StepInvoiceCreation: true,
	StepPaymentTracking: true,
}

var (
	ErrFlowNotFound      = errors.New("flow not found")
	ErrInvalidTransition = errors.New("invalid flow transition")
	ErrConcurrencyLimit  = errors.New("concurrent flow limit reached")
)

// EventEmitter is the sink for flow lifecycle notifications.
type EventEmitter interface {
	Emit(ctx context.Context, event eventbus.Event)
}

// StartOptions carries optional start-time metadata.
type StartOptions struct {
	ConfigID      string
	CorrelationID string
	Initiator     string
}

// Orchestrator owns the flow state machine. State mutation is single-threaded
// per flow id: every load-mutate-save section runs under that flow's lock,
// and at most one run loop goroutine exists per flow.
type Orchestrator struct {
	flows    Repository
	configs  *ConfigStore
	flowLog  *FlowLog
	emitter  EventEmitter
	handlers HandlerMap
	logger   *slog.Logger
	now      func() time.Time
	backoff  func(attempt int) time.Duration

	mu        sync.Mutex
	flowLocks map[string]*sync.Mutex
	running   map[string]bool
}

type OrchestratorOption func(*Orchestrator)

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(backoff func(attempt int) time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.backoff = backoff
	}
}

func NewOrchestrator(flows Repository, configs *ConfigStore, flowLog *FlowLog, emitter EventEmitter, handlers HandlerMap, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	orchestrator := &Orchestrator{
		flows:     flows,
		configs:   configs,
		flowLog:   flowLog,
		emitter:   emitter,
		handlers:  handlers,
		logger:    logger.With("module", "flow_orchestrator"),
		now:       time.Now,
		backoff:   stepBackoff,
		flowLocks: make(map[string]*sync.Mutex),
		running:   make(map[string]bool),
	}

	for _, opt := range opts {
		opt(orchestrator)
	}

	return orchestrator
}

// stepBackoff doubles from 1s and caps at 30s. attempt is 1-based.
func stepBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Second * time.Duration(1<<(attempt-1))
	if delay > maxStepBackoff || delay <= 0 {
		delay = maxStepBackoff
	}

	return delay
}

// StartFlow creates a flow for the purchase order and begins executing it in
// the background.
func (o *Orchestrator) StartFlow(ctx context.Context, tenantID string, po *PurchaseOrder, opts *StartOptions) (*Flow, error) {
	if po == nil || po.PONumber == "" {
		return nil, NewStepError(CodeFlowValidationError, "purchase order with a PO number is required", false)
	}

	if opts == nil {
		opts = &StartOptions{}
	}

	cfg, err := o.configs.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if err := o.checkConcurrencyLimit(ctx, tenantID, cfg); err != nil {
		return nil, err
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	now := o.now().UTC()

	steps := make([]*StepExecution, 0, len(StepOrder))
	for _, stepType := range StepOrder {
		steps = append(steps, &StepExecution{StepType: stepType, Status: StepStatusPending})
	}

	f := &Flow{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		ConfigID:        opts.ConfigID,
		PurchaseOrderID: po.ID,
		PONumber:        po.PONumber,
		Status:          StatusPending,
		CurrentStep:     StepOrder[0],
		Steps:           steps,
		POData:          po,
		Config:          cfg,
		CorrelationID:   correlationID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := o.flows.SaveFlow(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to persist flow: %w", err)
	}

	o.logFlow(f, "", LogInfo, "Flow started", map[string]any{
		"po_number": po.PONumber, "initiator": opts.Initiator,
	})
	o.emitter.Emit(ctx, events.FlowStarted{
		BaseEvent:       events.NewBaseEvent(events.FlowStartedEvent, tenantID, f.ID),
		PurchaseOrderID: po.ID,
		PONumber:        po.PONumber,
		CorrelationID:   correlationID,
		Initiator:       opts.Initiator,
	})

	f.Status = StatusRunning
	f.UpdatedAt = o.now().UTC()

	if err := o.flows.SaveFlow(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to persist flow: %w", err)
	}

	o.startLoop(f.ID)

	return f, nil
}

func (o *Orchestrator) checkConcurrencyLimit(ctx context.Context, tenantID string, cfg *Config) error {
	limit := cfg.Settings.MaxConcurrentFlows
	if limit <= 0 {
		return nil
	}

	active, err := o.flows.FlowsByStatus(ctx, StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to count active flows: %w", err)
	}

	count := 0

	for _, f := range active {
		if f.TenantID == tenantID {
			count++
		}
	}

	if count >= limit {
		return fmt.Errorf("%w: tenant %s already has %d running flows (limit %d)",
			ErrConcurrencyLimit, tenantID, count, limit)
	}

	return nil
}

// GetFlowStatus returns the current flow instance.
func (o *Orchestrator) GetFlowStatus(ctx context.Context, flowID string) (*Flow, error) {
	return o.loadFlow(ctx, flowID)
}

// ListFlows returns the tenant's flows.
func (o *Orchestrator) ListFlows(ctx context.Context, tenantID string) ([]*Flow, error) {
	return o.flows.Flows(ctx, tenantID)
}

// FlowLog exposes the execution log for inspection endpoints.
func (o *Orchestrator) FlowLog() *FlowLog {
	return o.flowLog
}

// PauseFlow stops the run loop before its next iteration. The step currently
// executing, if any, runs to completion or its own timeout first.
func (o *Orchestrator) PauseFlow(ctx context.Context, flowID, reason string) error {
	return o.transition(ctx, flowID, func(f *Flow) error {
		if f.Status != StatusRunning && f.Status != StatusWaitingExternal {
			return fmt.Errorf("%w: cannot pause flow in status %s", ErrInvalidTransition, f.Status)
		}

		f.Status = StatusPaused
		o.logFlow(f, f.CurrentStep, LogInfo, "Flow paused", map[string]any{"reason": reason})
		o.emitter.Emit(ctx, events.FlowPaused{
			BaseEvent: events.NewBaseEvent(events.FlowPausedEvent, f.TenantID, f.ID),
			Reason:    reason,
			PausedAt:  string(f.CurrentStep),
		})

		return nil
	})
}

// ResumeFlow re-enters the run loop at the current step. Only valid from
// PAUSED or WAITING_APPROVAL; anything else is rejected without mutation.
func (o *Orchestrator) ResumeFlow(ctx context.Context, flowID, resumedBy string) error {
	err := o.transition(ctx, flowID, func(f *Flow) error {
		if f.Status != StatusPaused && f.Status != StatusWaitingApproval {
			return fmt.Errorf("%w: cannot resume flow in status %s", ErrInvalidTransition, f.Status)
		}

		f.Status = StatusRunning
		o.logFlow(f, f.CurrentStep, LogInfo, "Flow resumed", map[string]any{"resumed_by": resumedBy})
		o.emitter.Emit(ctx, events.FlowResumed{
			BaseEvent: events.NewBaseEvent(events.FlowResumedEvent, f.TenantID, f.ID),
			ResumedBy: resumedBy,
			Step:      string(f.CurrentStep),
		})

		return nil
	})
	if err != nil {
		return err
	}

	o.startLoop(flowID)

	return nil
}

// CancelFlow is cooperative: it marks the flow CANCELLED and the run loop
// exits before its next iteration.
func (o *Orchestrator) CancelFlow(ctx context.Context, flowID, reason string) error {
	return o.transition(ctx, flowID, func(f *Flow) error {
		if f.Status.Terminal() {
			return fmt.Errorf("%w: flow already in terminal status %s", ErrInvalidTransition, f.Status)
		}

		completedAt := o.now().UTC()
		f.Status = StatusCancelled
		f.CompletedAt = &completedAt
		o.logFlow(f, f.CurrentStep, LogWarn, "Flow cancelled", map[string]any{"reason": reason})
		o.emitter.Emit(ctx, events.FlowCancelled{
			BaseEvent: events.NewBaseEvent(events.FlowCancelledEvent, f.TenantID, f.ID),
			Reason:    reason,
		})

		return nil
	})
}

// RetryStep resets a FAILED step to PENDING and resumes the loop there.
func (o *Orchestrator) RetryStep(ctx context.Context, flowID string, stepType StepType) error {
	err := o.transition(ctx, flowID, func(f *Flow) error {
		step := f.Step(stepType)
		if step == nil {
			return fmt.Errorf("%w: flow has no step %s", ErrInvalidTransition, stepType)
		}

		if step.Status != StepStatusFailed {
			return fmt.Errorf("%w: step %s is %s, only FAILED steps can be retried", ErrInvalidTransition, stepType, step.Status)
		}

		step.Status = StepStatusPending
		step.Error = ""
		step.ErrorCode = ""
		f.CurrentStep = stepType
		f.Status = StatusRunning
		f.LastError = ""
		o.logFlow(f, stepType, LogInfo, "Step reset for retry", map[string]any{"attempt": step.Attempt})

		return nil
	})
	if err != nil {
		return err
	}

	o.startLoop(flowID)

	return nil
}

// HandleWebhook routes an inbound update into the flow's payload slot and
// resumes a waiting flow.
func (o *Orchestrator) HandleWebhook(ctx context.Context, flowID, webhookType string, payload map[string]any) error {
	var resume bool

	err := o.transition(ctx, flowID, func(f *Flow) error {
		switch webhookType {
		case WebhookGoodsReceiptUpdate:
			var receipt GoodsReceipt
			if err := decodePayload(payload, &receipt); err != nil {
				return err
			}

			f.GoodsReceiptData = &receipt
		case WebhookInvoiceStatusUpdate:
			var invoice Invoice
			if err := decodePayload(payload, &invoice); err != nil {
				return err
			}

			f.InvoiceData = &invoice
		case WebhookPaymentStatusUpdate:
			var payment Payment
			if err := decodePayload(payload, &payment); err != nil {
				return err
			}

			f.PaymentData = &payment
		case WebhookMatchApproval:
			if f.MatchData == nil {
				return fmt.Errorf("%w: flow has no match data to approve", ErrInvalidTransition)
			}

			approvedAt := o.now().UTC()
			f.MatchData.ApprovedBy, _ = payload["approved_by"].(string)
			f.MatchData.ApprovedAt = &approvedAt
			f.MatchData.RequiresApproval = false
		default:
			return NewStepError(CodeValidationFailed, fmt.Sprintf("unknown webhook type %q", webhookType), false)
		}

		o.logFlow(f, f.CurrentStep, LogInfo, "Webhook applied to flow", map[string]any{
			"webhook_type": webhookType,
		})

		if f.Status == StatusWaitingExternal ||
			(webhookType == WebhookMatchApproval && f.Status == StatusWaitingApproval) {
			f.Status = StatusRunning
			resume = true
		}

		return nil
	})
	if err != nil {
		return err
	}

	if resume {
		o.startLoop(flowID)
	}

	return nil
}

func decodePayload(payload map[string]any, target any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	return nil
}

// startLoop spawns the run loop unless one is already active for this flow.
func (o *Orchestrator) startLoop(flowID string) {
	o.mu.Lock()
	if o.running[flowID] {
		o.mu.Unlock()

		return
	}

	o.running[flowID] = true
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, flowID)
			o.mu.Unlock()
		}()

		o.runLoop(context.Background(), flowID)
	}()
}

// runLoop drives one flow until it parks or terminates. Each iteration is a
// locked load-mutate-save section around an unlocked step execution.
func (o *Orchestrator) runLoop(ctx context.Context, flowID string) {
	logger := o.logger.With("flow_id", flowID)

	for {
		f, step, stepCfg, proceed := o.beginIteration(ctx, flowID, logger)
		if !proceed {
			return
		}

		if step == nil {
			// Skipped or already-completed step advanced the cursor, or the
			// flow just completed.
			continue
		}

		result, execErr := o.executeStep(ctx, f, step, stepCfg)

		if !o.finishIteration(ctx, flowID, f, step, stepCfg, result, execErr, logger) {
			return
		}
	}
}

// beginIteration checks the flow is still RUNNING, handles disabled and
// already-completed steps, and marks the next step RUNNING. Returns a nil
// step when the loop should immediately re-iterate, and proceed=false when it
// should exit.
func (o *Orchestrator) beginIteration(ctx context.Context, flowID string, logger *slog.Logger) (*Flow, *StepExecution, StepConfig, bool) {
	lock := o.flowLock(flowID)
	lock.Lock()
	defer lock.Unlock()

	f, err := o.loadFlow(ctx, flowID)
	if err != nil {
		logger.Error("Run loop failed to load flow", "error", err)

		return nil, nil, StepConfig{}, false
	}

	if f.Status != StatusRunning {
		return nil, nil, StepConfig{}, false
	}

	step := f.Step(f.CurrentStep)
	if step == nil {
		o.failFlow(ctx, f, nil, CodeExecutionError,
			fmt.Sprintf("flow references unknown step %s", f.CurrentStep))
		o.save(ctx, f, logger)

		return nil, nil, StepConfig{}, false
	}

	stepCfg := f.Config.StepConfigFor(step.StepType)

	if !stepCfg.Enabled {
		step.Status = StepStatusSkipped
		o.logFlow(f, step.StepType, LogInfo, "Step skipped (disabled in config)", nil)
		o.emitter.Emit(ctx, events.StepSkipped{
			BaseEvent: events.NewBaseEvent(events.StepSkippedEvent, f.TenantID, f.ID),
			Step:      string(step.StepType),
			Reason:    "disabled",
		})

		done := o.advance(ctx, f, step, nil)
		o.save(ctx, f, logger)

		return f, nil, StepConfig{}, !done
	}

	// A COMPLETED current step means the flow resumed from a wait state;
	// advance instead of re-executing.
	if step.Status == StepStatusCompleted {
		done := o.advance(ctx, f, step, nil)
		o.save(ctx, f, logger)

		return f, nil, StepConfig{}, !done
	}

	startedAt := o.now().UTC()
	step.Status = StepStatusRunning
	step.Attempt++
	step.StartedAt = &startedAt
	step.CompletedAt = nil
	step.Input = snapshotInput(f, step.StepType)

	o.logFlow(f, step.StepType, LogInfo, "Step started", map[string]any{"attempt": step.Attempt})
	o.emitter.Emit(ctx, events.StepStarted{
		BaseEvent: events.NewBaseEvent(events.StepStartedEvent, f.TenantID, f.ID),
		Step:      string(step.StepType),
		Attempt:   step.Attempt,
	})
	o.save(ctx, f, logger)

	return f, step, stepCfg, true
}

// finishIteration applies a step outcome under the flow lock. Returns false
// when the loop should exit.
func (o *Orchestrator) finishIteration(ctx context.Context, flowID string, f *Flow, step *StepExecution, stepCfg StepConfig, result *StepResult, execErr error, logger *slog.Logger) bool {
	lock := o.flowLock(flowID)
	lock.Lock()
	defer lock.Unlock()

	// Reconcile with the stored record before saving: operator transitions
	// and webhook payloads can land while the step is executing, and our copy
	// predates them. A pause or cancel wins over our stale RUNNING copy, and
	// payload slots delivered via HandleWebhook must not be erased.
	if stored, err := o.loadFlow(ctx, flowID); err == nil {
		if stored.Status != StatusRunning {
			f.Status = stored.Status
			f.CompletedAt = stored.CompletedAt
		}

		mergeWebhookData(f, stored)
	}

	if execErr != nil {
		return o.recordFailure(ctx, f, step, stepCfg, execErr, logger)
	}

	completedAt := o.now().UTC()
	step.Status = StepStatusCompleted
	step.CompletedAt = &completedAt

	if result != nil {
		step.Output = result.Output
	}

	var durationMs int64
	if step.StartedAt != nil {
		durationMs = completedAt.Sub(*step.StartedAt).Milliseconds()
	}

	o.logFlow(f, step.StepType, LogInfo, "Step completed", map[string]any{
		"attempt": step.Attempt, "duration_ms": durationMs,
	})
	o.emitter.Emit(ctx, events.StepCompleted{
		BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, f.TenantID, f.ID),
		Step:       string(step.StepType),
		Attempt:    step.Attempt,
		DurationMs: durationMs,
	})

	if f.Status != StatusRunning {
		// Operator paused or cancelled mid-step; keep the outcome, stop here.
		o.save(ctx, f, logger)

		return false
	}

	if result != nil && result.RequiresApproval {
		f.Status = StatusWaitingApproval
		o.logFlow(f, step.StepType, LogWarn, "Flow waiting for approval", nil)
		o.emitApprovalRequired(ctx, f, step)
		o.save(ctx, f, logger)

		return false
	}

	// Externally gated steps park the flow unless the handler saw the data
	// had already arrived and said otherwise.
	waitExternal := externallyGated[step.StepType]
	if result != nil {
		waitExternal = result.WaitExternal
	}

	// A webhook that landed mid-step already delivered what the park would
	// wait for; parking now would wait forever.
	if waitExternal && awaitedDataPresent(f, step.StepType) {
		waitExternal = false
	}

	if waitExternal {
		f.Status = StatusWaitingExternal

		waitingFor := ""
		if result != nil {
			waitingFor = result.WaitingFor
		}

		o.logFlow(f, step.StepType, LogInfo, "Flow waiting for external system", map[string]any{
			"waiting_for": waitingFor,
		})
		o.emitter.Emit(ctx, events.FlowWaitingExternal{
			BaseEvent:  events.NewBaseEvent(events.FlowWaitingExternalEvent, f.TenantID, f.ID),
			Step:       string(step.StepType),
			WaitingFor: waitingFor,
		})
		o.save(ctx, f, logger)

		return false
	}

	done := o.advance(ctx, f, step, result)
	o.save(ctx, f, logger)

	return !done
}

// mergeWebhookData copies payload slots that HandleWebhook persisted while
// the run loop was executing a step on its own flow copy. Step handlers only
// ever set these slots, never clear them, so a nil slot on the loop's copy
// means the stored value is newer.
func mergeWebhookData(f, stored *Flow) {
	if f.GoodsReceiptData == nil {
		f.GoodsReceiptData = stored.GoodsReceiptData
	}

	if f.InvoiceData == nil {
		f.InvoiceData = stored.InvoiceData
	}

	if f.PaymentData == nil {
		f.PaymentData = stored.PaymentData
	}

	if f.MatchData == nil {
		f.MatchData = stored.MatchData
	} else if stored.MatchData != nil && f.MatchData.ApprovedAt == nil && stored.MatchData.ApprovedAt != nil {
		f.MatchData.ApprovedBy = stored.MatchData.ApprovedBy
		f.MatchData.ApprovedAt = stored.MatchData.ApprovedAt
		f.MatchData.RequiresApproval = stored.MatchData.RequiresApproval
	}
}

// awaitedDataPresent reports whether the payload an externally gated step
// parks for has already arrived.
func awaitedDataPresent(f *Flow, stepType StepType) bool {
	switch stepType {
	case StepGoodsReceipt:
		return f.GoodsReceiptData != nil
	case StepInvoiceCreation:
		return f.InvoiceData != nil
	case StepPaymentTracking:
		return f.PaymentData != nil
	default:
		return false
	}
}

// recordFailure classifies a step error into retry, approval wait, or
// terminal flow failure. Returns false when the loop should exit.
func (o *Orchestrator) recordFailure(ctx context.Context, f *Flow, step *StepExecution, stepCfg StepConfig, execErr error, logger *slog.Logger) bool {
	code := CodeExecutionError
	message := execErr.Error()
	retryable := false
	requiresApproval := false

	if stepErr, ok := AsStepError(execErr); ok {
		code = stepErr.Code
		message = stepErr.Message
		retryable = stepErr.Retryable
		requiresApproval = stepErr.RequiresApproval
	} else if errors.Is(execErr, context.DeadlineExceeded) {
		code = CodeExecutionError
		retryable = true
	}

	f.ErrorCount++
	f.LastError = message
	step.Error = message
	step.ErrorCode = code
	step.Retryable = retryable

	o.emitter.Emit(ctx, events.StepFailed{
		BaseEvent: events.NewBaseEvent(events.StepFailedEvent, f.TenantID, f.ID),
		Step:      string(step.StepType),
		Attempt:   step.Attempt,
		Error:     message,
		ErrorCode: code,
		Retryable: retryable,
	})

	if f.Status != StatusRunning {
		step.Status = StepStatusFailed
		o.logFlow(f, step.StepType, LogError, "Step failed", map[string]any{
			"error": message, "error_code": code,
		})
		o.save(ctx, f, logger)

		return false
	}

	if requiresApproval {
		step.Status = StepStatusFailed
		f.Status = StatusWaitingApproval
		o.logFlow(f, step.StepType, LogWarn, "Step blocked pending approval", map[string]any{
			"error": message, "error_code": code,
		})
		o.emitApprovalRequired(ctx, f, step)
		o.save(ctx, f, logger)

		return false
	}

	maxRetries := stepCfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if retryable && step.Attempt < maxRetries {
		delay := o.backoff(step.Attempt)
		step.Status = StepStatusRetrying

		o.logFlow(f, step.StepType, LogWarn, "Step will be retried", map[string]any{
			"error": message, "attempt": step.Attempt, "backoff_ms": delay.Milliseconds(),
		})
		o.emitter.Emit(ctx, events.StepRetrying{
			BaseEvent:   events.NewBaseEvent(events.StepRetryingEvent, f.TenantID, f.ID),
			Step:        string(step.StepType),
			NextAttempt: step.Attempt + 1,
			BackoffMs:   delay.Milliseconds(),
		})
		o.save(ctx, f, logger)

		// Only this flow's lock is held during the sleep; other flows keep
		// running.
		o.sleepBackoff(ctx, delay)

		step.Status = StepStatusPending
		o.save(ctx, f, logger)

		return true
	}

	step.Status = StepStatusFailed
	o.failFlow(ctx, f, step, code, message)
	o.save(ctx, f, logger)

	return false
}

// sleepBackoff waits out the retry backoff. Pause and cancel requests are
// observed at the next iteration's status check.
func (o *Orchestrator) sleepBackoff(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// executeStep runs validate then execute under the step timeout. A timeout is
// a retryable failure; the loser goroutine's result is discarded via the
// buffered channel and its flow copy is abandoned by the caller.
func (o *Orchestrator) executeStep(ctx context.Context, f *Flow, step *StepExecution, stepCfg StepConfig) (*StepResult, error) {
	handler, ok := o.handlers[step.StepType]
	if !ok {
		return nil, NewStepError(CodeExecutionError,
			fmt.Sprintf("no handler registered for step %s", step.StepType), false)
	}

	timeout := stepCfg.Timeout
	if timeout <= 0 {
		timeout = f.Config.Settings.StepTimeout
	}

	if timeout <= 0 {
		timeout = defaultStepTimeout
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *StepResult
		err    error
	}

	results := make(chan outcome, 1)

	go func() {
		if err := handler.Validate(stepCtx, f); err != nil {
			results <- outcome{nil, err}

			return
		}

		result, err := handler.Execute(stepCtx, f)
		results <- outcome{result, err}
	}()

	select {
	case <-stepCtx.Done():
		return nil, NewStepError(CodeExecutionError,
			fmt.Sprintf("step %s timed out after %s", step.StepType, timeout), true)
	case out := <-results:
		return out.result, out.err
	}
}

// advance moves the cursor to the next declared step (or a handler-specified
// override) and completes the flow past the last one. Returns true when the
// flow reached a terminal state.
func (o *Orchestrator) advance(ctx context.Context, f *Flow, step *StepExecution, result *StepResult) bool {
	next := StepType("")
	if result != nil && result.NextStep != "" {
		next = result.NextStep
	} else {
		idx := stepIndex(step.StepType)
		if idx >= 0 && idx+1 < len(StepOrder) {
			next = StepOrder[idx+1]
		}
	}

	f.UpdatedAt = o.now().UTC()

	if next == "" {
		completedAt := o.now().UTC()
		f.Status = StatusCompleted
		f.CompletedAt = &completedAt

		executed := 0

		for _, s := range f.Steps {
			if s.Status == StepStatusCompleted {
				executed++
			}
		}

		o.logFlow(f, step.StepType, LogInfo, "Flow completed", map[string]any{
			"steps_executed": executed,
		})
		o.emitter.Emit(ctx, events.FlowCompleted{
			BaseEvent:     events.NewBaseEvent(events.FlowCompletedEvent, f.TenantID, f.ID),
			DurationMs:    completedAt.Sub(f.CreatedAt).Milliseconds(),
			StepsExecuted: executed,
		})

		return true
	}

	f.CurrentStep = next

	return false
}

func (o *Orchestrator) failFlow(ctx context.Context, f *Flow, step *StepExecution, code, message string) {
	completedAt := o.now().UTC()
	f.Status = StatusFailed
	f.LastError = message
	f.CompletedAt = &completedAt

	stepName := ""
	if step != nil {
		stepName = string(step.StepType)
	}

	o.logFlow(f, StepType(stepName), LogError, "Flow failed", map[string]any{
		"error": message, "error_code": code, "error_count": f.ErrorCount,
	})
	o.emitter.Emit(ctx, events.FlowFailed{
		BaseEvent:  events.NewBaseEvent(events.FlowFailedEvent, f.TenantID, f.ID),
		Step:       stepName,
		Error:      message,
		ErrorCode:  code,
		ErrorCount: f.ErrorCount,
		DurationMs: completedAt.Sub(f.CreatedAt).Milliseconds(),
	})
}

func (o *Orchestrator) emitApprovalRequired(ctx context.Context, f *Flow, step *StepExecution) {
	matchStatus := ""
	discrepancies := 0

	if f.MatchData != nil {
		matchStatus = string(f.MatchData.Status)
		discrepancies = len(f.MatchData.Discrepancies)
	}

	o.emitter.Emit(ctx, events.FlowApprovalRequired{
		BaseEvent:     events.NewBaseEvent(events.FlowApprovalRequiredEvent, f.TenantID, f.ID),
		Step:          string(step.StepType),
		MatchStatus:   matchStatus,
		Discrepancies: discrepancies,
	})
}

// transition runs a locked load-mutate-save against one flow.
func (o *Orchestrator) transition(ctx context.Context, flowID string, mutate func(f *Flow) error) error {
	lock := o.flowLock(flowID)
	lock.Lock()
	defer lock.Unlock()

	f, err := o.loadFlow(ctx, flowID)
	if err != nil {
		return err
	}

	if err := mutate(f); err != nil {
		return err
	}

	f.UpdatedAt = o.now().UTC()

	if err := o.flows.SaveFlow(ctx, f); err != nil {
		return fmt.Errorf("failed to persist flow: %w", err)
	}

	return nil
}

func (o *Orchestrator) loadFlow(ctx context.Context, flowID string) (*Flow, error) {
	f, err := o.flows.FlowByID(ctx, flowID)
	if err != nil {
		return nil, err
	}

	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}

	return f, nil
}

func (o *Orchestrator) save(ctx context.Context, f *Flow, logger *slog.Logger) {
	f.UpdatedAt = o.now().UTC()

	if err := o.flows.SaveFlow(ctx, f); err != nil {
		logger.Error("Failed to persist flow", "error", err)
	}
}

func (o *Orchestrator) flowLock(flowID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.flowLocks[flowID]
	if !ok {
		lock = &sync.Mutex{}
		o.flowLocks[flowID] = lock
	}

	return lock
}

func (o *Orchestrator) logFlow(f *Flow, stepType StepType, level LogLevel, message string, data map[string]any) {
	o.flowLog.Append(f.ID, stepType, level, message, data)

	attrs := []any{"flow_id", f.ID, "tenant_id", f.TenantID}
	if stepType != "" {
		attrs = append(attrs, "step", string(stepType))
	}

	switch level {
	case LogError:
		o.logger.Error(message, attrs...)
	case LogWarn:
		o.logger.Warn(message, attrs...)
	default:
		o.logger.Info(message, attrs...)
	}
}

// snapshotInput records what the step saw when it started.
func snapshotInput(f *Flow, stepType StepType) map[string]any {
	input := map[string]any{"po_number": f.PONumber}

	switch stepType {
	case StepThreeWayMatch:
		input["has_goods_receipt"] = f.GoodsReceiptData != nil
		input["has_invoice"] = f.InvoiceData != nil
	case StepInvoiceSubmission:
		if f.MatchData != nil {
			input["match_status"] = string(f.MatchData.Status)
		}
	case StepPaymentTracking:
		if f.InvoiceData != nil {
			input["invoice_number"] = f.InvoiceData.InvoiceNumber
		}
	}

	return input
}
