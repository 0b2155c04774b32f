// Package connector provides a configuration-driven engine for executing
// outbound HTTP calls against third-party APIs: authentication, pagination,
// retry/backoff, error classification, and request logging.
package connector

import (
	"time"

	"github.com/confluxhq/conflux/pkg/connector/auth"
	"github.com/confluxhq/conflux/pkg/connector/errormap"
	"github.com/confluxhq/conflux/pkg/connector/mapping"
	"github.com/confluxhq/conflux/pkg/connector/pagination"
)

// Error codes raised by the executor itself, outside the transport taxonomy.
const (
	CodeEndpointNotFound errormap.Code = "ENDPOINT_NOT_FOUND"
	CodeInvalidConfig    errormap.Code = "INVALID_CONFIG"
)

/// Config declares one connector: a base URL, authentication, and a set of
// named endpoints. Loaded once per call and treated as immutable.
type Config struct {
	Name       string          `json:"name"`
	BaseURL    string          `json:"base_url"`
	Auth       *auth.Config    `json:"auth,omitempty"`
	Endpoints  []Endpoint      `json:"endpoints"`
	ErrorRules []errormap.Rule `json:"error_rules,omitempty"`

	// Timeout is the default per-call timeout when the endpoint declares
	// none.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Endpoint declares one logical operation against the connector's API.
type Endpoint struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	// Path may contain {param} placeholders substituted from the call input.
	Path string `json:"path"`

	QueryParams map[string]string `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`

	RequestMapping  []mapping.Rule `json:"request_mapping,omitempty"`
	ResponseMapping []mapping.Rule `json:"response_mapping,omitempty"`

	Pagination *pagination.Config `json:"pagination,omitempty"`
	Retry      *RetryConfig       `json:"retry,omitempty"`
	ErrorRules []errormap.Rule    `json:"error_rules,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries,omitempty"`
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	// Backoff is "exponential" (default) or "linear".
	Backoff string `json:"backoff,omitempty"`
	// RetryStatusCodes overrides the default retryable status set.
	RetryStatusCodes []int `json:"retry_status_codes,omitempty"`
}

// CallContext identifies one logical connector call.
type CallContext struct {
	Endpoint      string         `json:"endpoint"`
	Input         map[string]any `json:"input,omitempty"`
	TenantID      string         `json:"tenant_id"`
	ConfigID      string         `json:"config_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// PageInfo is the pagination position carried back in an ExecutionResult.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	NextURL    string `json:"next_url,omitempty"`
	Page       int    `json:"page,omitempty"`
	Total      int    `json:"total"`
}

// Metadata describes one completed call attempt.
type Metadata struct {
	RequestID  string `json:"request_id"`
	DurationMs int64  `json:"duration_ms"`
	StatusCode int    `json:"status_code,omitempty"`
}

// ExecutionResult is returned by every connector call. Expected failure
// classes never surface as Go errors; they are carried in Error.
type ExecutionResult struct {
	Success    bool                  `json:"success"`
	Data       any                   `json:"data,omitempty"`
	Pagination *PageInfo             `json:"pagination,omitempty"`
	Error      *errormap.MappedError `json:"error,omitempty"`
	Metadata   Metadata              `json:"metadata"`
}

// ValidationResult reports static configuration problems.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func failure(code errormap.Code, message string, retryable bool, meta Metadata) *ExecutionResult {
	return &ExecutionResult{
		Success: false,
		Error: &errormap.MappedError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
		Metadata: meta,
	}
}
