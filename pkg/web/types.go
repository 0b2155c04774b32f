// Package web provides HTTP request and response types for the flow API.
package web

import (
	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
)

// StartFlowRequest is the request body for starting a procurement flow.
type StartFlowRequest struct {
	TenantID      string              `json:"tenant_id"      validate:"required"`
	PurchaseOrder *flow.PurchaseOrder `json:"purchase_order" validate:"required"`
	ConfigID      string              `json:"config_id,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Initiator     string              `json:"initiator,omitempty"`
}

// FlowActionRequest carries the optional metadata for pause, resume, and
// cancel operations.
type FlowActionRequest struct {
	Reason string `json:"reason,omitempty"`
	By     string `json:"by,omitempty"`
}

// FlowWebhookRequest routes an external update into a specific flow.
type FlowWebhookRequest struct {
	WebhookType string         `json:"webhook_type" validate:"required"`
	Payload     map[string]any `json:"payload"`
}

// ValidateConnectorRequest wraps a connector declaration for validation.
type ValidateConnectorRequest struct {
	Config *connector.Config `json:"config" validate:"required"`
}
