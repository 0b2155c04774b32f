// Package errormap classifies transport and HTTP failures into the connector
// error taxonomy with retryability flags.
package errormap

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type Code string

const (
	CodeConnection     Code = "CONNECTION_ERROR"
	CodeTimeout        Code = "TIMEOUT_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeAuthorization  Code = "AUTHORIZATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND_ERROR"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeRateLimit      Code = "RATE_LIMIT_ERROR"
	CodeServer         Code = "SERVER_ERROR"
	CodeUnknown        Code = "UNKNOWN_ERROR"
)

// HTTPError carries a non-2xx response through the retry loop so it can be
// classified after exhaustion.
type HTTPError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, truncateForMessage(e.Body))
}

func truncateForMessage(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}

	return string(body)
}

// Rule is a configurable classification rule. All constraints that are set
// must be satisfied for the rule to match; the first matching rule wins.
type Rule struct {
	StatusCode    int    `json:"status_code,omitempty"`
	StatusRange   [2]int `json:"status_range,omitempty"`
	ErrorCodePath string `json:"error_code_path,omitempty"`
	Match         string `json:"match,omitempty"`
	Code          Code   `json:"code"`
	Message       string `json:"message,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
}

// MappedError is the classified form of a failed connector call.
type MappedError struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	StatusCode int            `json:"status_code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// MapError classifies err against the configured rules and falls back to
// status-code defaults for HTTP errors or message heuristics for transport
// faults. It never returns nil for a non-nil err.
func MapError(err error, rules []Rule) *MappedError {
	if err == nil {
		return nil
	}

	httpErr := &HTTPError{}
	if errors.As(err, &httpErr) {
		return mapHTTPError(httpErr, rules)
	}

	return mapTransportError(err)
}

func mapHTTPError(httpErr *HTTPError, rules []Rule) *MappedError {
	for _, rule := range rules {
		if ruleMatches(&rule, httpErr) {
			retryable := IsRetryableStatusCode(httpErr.StatusCode)
			if rule.Retryable != nil {
				retryable = *rule.Retryable
			}

			message := rule.Message
			if message == "" {
				message = httpErr.Error()
			}

			return &MappedError{
				Code:       rule.Code,
				Message:    message,
				Retryable:  retryable,
				StatusCode: httpErr.StatusCode,
				Details:    bodyDetails(httpErr.Body),
			}
		}
	}

	code, retryable := defaultBucket(httpErr.StatusCode)

	return &MappedError{
		Code:       code,
		Message:    httpErr.Error(),
		Retryable:  retryable,
		StatusCode: httpErr.StatusCode,
		Details:    bodyDetails(httpErr.Body),
	}
}

func ruleMatches(rule *Rule, httpErr *HTTPError) bool {
	if rule.StatusCode != 0 && rule.StatusCode != httpErr.StatusCode {
		return false
	}

	if rule.StatusRange != [2]int{} {
		if httpErr.StatusCode < rule.StatusRange[0] || httpErr.StatusCode > rule.StatusRange[1] {
			return false
		}
	}

	if rule.ErrorCodePath != "" {
		value := gjson.GetBytes(httpErr.Body, rule.ErrorCodePath)
		if !value.Exists() {
			return false
		}

		if rule.Match != "" && value.String() != rule.Match {
			return false
		}
	}

	return true
}

func defaultBucket(statusCode int) (Code, bool) {
	switch {
	case statusCode == http.StatusBadRequest:
		return CodeValidation, false
	case statusCode == http.StatusUnauthorized:
		return CodeAuthentication, false
	case statusCode == http.StatusForbidden:
		return CodeAuthorization, false
	case statusCode == http.StatusNotFound:
		return CodeNotFound, false
	case statusCode == http.StatusTooManyRequests:
		return CodeRateLimit, true
	case statusCode >= 500:
		return CodeServer, IsRetryableStatusCode(statusCode)
	case statusCode >= 400:
		return CodeValidation, false
	default:
		return CodeUnknown, false
	}
}

func bodyDetails(body []byte) map[string]any {
	if len(body) == 0 {
		return nil
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil
	}

	details, ok := parsed.Value().(map[string]any)
	if !ok {
		return nil
	}

	return details
}

func mapTransportError(err error) *MappedError {
	message := err.Error()
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "timed out"):
		return &MappedError{Code: CodeTimeout, Message: message, Retryable: true}
	case strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "eof"):
		return &MappedError{Code: CodeConnection, Message: message, Retryable: true}
	default:
		return &MappedError{Code: CodeUnknown, Message: message, Retryable: false}
	}
}

// Retryable is the single retry predicate shared by the HTTP-status and
// transport-fault paths of the executor.
func Retryable(err error, retryStatusCodes []int) bool {
	if err == nil {
		return false
	}

	httpErr := &HTTPError{}
	if errors.As(err, &httpErr) {
		if len(retryStatusCodes) == 0 {
			return IsRetryableStatusCode(httpErr.StatusCode)
		}

		for _, code := range retryStatusCodes {
			if code == httpErr.StatusCode {
				return true
			}
		}

		return false
	}

	return mapTransportError(err).Retryable
}

// IsRetryableStatusCode reports whether the HTTP status is in the fixed
// retryable set {408, 429, 500, 502, 503, 504}.
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// RetryDelay derives a server-directed retry delay from Retry-After (seconds
// or HTTP-date) or X-RateLimit-Reset (delta seconds, unix seconds, or unix
// millis, distinguished by magnitude). The second return is false when
// neither header yields a usable delay.
func RetryDelay(headers http.Header, now time.Time) (time.Duration, bool) {
	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second, true
		}

		if at, err := http.ParseTime(retryAfter); err == nil {
			if delay := at.Sub(now); delay > 0 {
				return delay, true
			}

			return 0, true
		}
	}

	if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
		value, err := strconv.ParseInt(reset, 10, 64)
		if err != nil || value < 0 {
			return 0, false
		}

		switch {
		case value < 1e9: // delta seconds from now
			return time.Duration(value) * time.Second, true
		case value < 1e12: // unix seconds
			if delay := time.Unix(value, 0).Sub(now); delay > 0 {
				return delay, true
			}

			return 0, true
		default: // unix milliseconds
			if delay := time.UnixMilli(value).Sub(now); delay > 0 {
				return delay, true
			}

			return 0, true
		}
	}

	return 0, false
}
