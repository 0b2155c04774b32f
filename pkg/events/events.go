// Package events defines event types and structures for flow lifecycle and
// connector notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const Topic = "conflux.events"
const WebhookEventsTopic = "conflux.webhook-events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Flow lifecycle events.
	FlowStartedEvent   EventType = "flow.started"
	FlowCompletedEvent EventType = "flow.completed"
	FlowFailedEvent    EventType = "flow.failed"
	FlowCancelledEvent EventType = "flow.cancelled"
	FlowPausedEvent    EventType = "flow.paused"
	FlowResumedEvent   EventType = "flow.resumed"

	// Flow wait states.
	FlowWaitingExternalEvent  EventType = "flow.waiting.external"
	FlowApprovalRequiredEvent EventType = "flow.approval.required"
	FlowDeadLetteredEvent     EventType = "flow.dead_lettered"

	// Step lifecycle events.
	StepStartedEvent   EventType = "step.started"
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"
	StepRetryingEvent  EventType = "step.retrying"
	StepSkippedEvent   EventType = "step.skipped"

	// Connector and webhook events.
	WebhookReceivedEvent     EventType = "webhook.received"
	ConnectorCallFailedEvent EventType = "connector.call.failed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	FlowID    string         `json:"flow_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, tenantID, flowID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		FlowID:    flowID,
		Metadata:  make(map[string]any),
	}
}

// GetKey returns the partition key for bus publication: events about the
// same flow stay ordered.
func (e BaseEvent) GetKey() string {
	if e.FlowID != "" {
		return e.FlowID
	}

	return e.TenantID
}

type FlowStarted struct {
	BaseEvent

	PurchaseOrderID string `json:"purchase_order_id"`
	PONumber        string `json:"po_number"`
	CorrelationID   string `json:"correlation_id"`
	Initiator       string `json:"initiator,omitempty"`
}

func (e FlowStarted) GetType() EventType { return FlowStartedEvent }

type FlowCompleted struct {
	BaseEvent

	DurationMs    int64 `json:"duration_ms"`
	StepsExecuted int   `json:"steps_executed"`
}

func (e FlowCompleted) GetType() EventType { return FlowCompletedEvent }

type FlowFailed struct {
	BaseEvent

	Step       string `json:"step"`
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	ErrorCount int    `json:"error_count"`
	DurationMs int64  `json:"duration_ms"`
}

func (e FlowFailed) GetType() EventType { return FlowFailedEvent }

type FlowCancelled struct {
	BaseEvent

	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e FlowCancelled) GetType() EventType { return FlowCancelledEvent }

type FlowPaused struct {
	BaseEvent

	Reason   string `json:"reason"`
	PausedAt string `json:"paused_at_step"`
}

func (e FlowPaused) GetType() EventType { return FlowPausedEvent }

type FlowResumed struct {
	BaseEvent

	ResumedBy string `json:"resumed_by,omitempty"`
	Step      string `json:"step"`
}

func (e FlowResumed) GetType() EventType { return FlowResumedEvent }

type FlowWaitingExternal struct {
	BaseEvent

	Step       string `json:"step"`
	WaitingFor string `json:"waiting_for"`
}

func (e FlowWaitingExternal) GetType() EventType { return FlowWaitingExternalEvent }

// FlowApprovalRequired is published when a three-way match produces
// error-severity discrepancies and an operator has to sign off.
type FlowApprovalRequired struct {
	BaseEvent

	Step          string `json:"step"`
	MatchStatus   string `json:"match_status"`
	Discrepancies int    `json:"discrepancies"`
}

func (e FlowApprovalRequired) GetType() EventType { return FlowApprovalRequiredEvent }

type FlowDeadLettered struct {
	BaseEvent

	ErrorCount int    `json:"error_count"`
	Threshold  int    `json:"threshold"`
	LastError  string `json:"last_error,omitempty"`
}

func (e FlowDeadLettered) GetType() EventType { return FlowDeadLetteredEvent }

type StepStarted struct {
	BaseEvent

	Step    string `json:"step"`
	Attempt int    `json:"attempt"`
}

func (e StepStarted) GetType() EventType { return StepStartedEvent }

type StepCompleted struct {
	BaseEvent

	Step       string `json:"step"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type StepFailed struct {
	BaseEvent

	Step      string `json:"step"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Retryable bool   `json:"retryable"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }

type StepRetrying struct {
	BaseEvent

	Step        string `json:"step"`
	NextAttempt int    `json:"next_attempt"`
	BackoffMs   int64  `json:"backoff_ms"`
}

func (e StepRetrying) GetType() EventType { return StepRetryingEvent }

type StepSkipped struct {
	BaseEvent

	Step   string `json:"step"`
	Reason string `json:"reason"`
}

func (e StepSkipped) GetType() EventType { return StepSkippedEvent }

// WebhookReceived is published by the webhook ingress once a payload has been
// verified, before the orchestrator reacts to it.
type WebhookReceived struct {
	BaseEvent

	ConfigID  string         `json:"config_id"`
	Source    string         `json:"source"`
	EventType string         `json:"webhook_event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (e WebhookReceived) GetType() EventType { return WebhookReceivedEvent }

type ConnectorCallFailed struct {
	BaseEvent

	ConfigID   string `json:"config_id"`
	Connector  string `json:"connector"`
	Endpoint   string `json:"endpoint"`
	ErrorCode  string `json:"error_code"`
	Error      string `json:"error"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
}

func (e ConnectorCallFailed) GetType() EventType { return ConnectorCallFailedEvent }
