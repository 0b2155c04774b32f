// Package webhook verifies inbound webhook calls and dispatches typed events
// to registered handlers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

const defaultEventCapacity = 1000

// Header names probed for the event type when no explicit path is configured.
var eventTypeHeaders = []string{
	"X-Event-Type",
	"X-Webhook-Event",
	"X-GitHub-Event",
	"X-Event-Name",
}

// Payload paths probed after the header list.
var eventTypePaths = []string{
	"event_type",
	"eventType",
	"type",
	"event",
	"action",
}

// Config declares per-connector webhook verification rules.
type Config struct {
	Secret             string         `json:"secret,omitempty"`
	SignatureHeader    string         `json:"signature_header,omitempty"`
	SignatureAlgorithm string         `json:"signature_algorithm,omitempty"` // sha1, sha256 (default), sha512
	TimestampHeader    string         `json:"timestamp_header,omitempty"`
	TimestampTolerance time.Duration  `json:"timestamp_tolerance,omitempty"`
	EventTypePath      string         `json:"event_type_path,omitempty"`
	PayloadPath        string         `json:"payload_path,omitempty"`
	JSONSchema         map[string]any `json:"json_schema,omitempty"`
}

// Event is one accepted webhook call. Immutable once recorded.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	TenantID  string            `json:"tenant_id"`
	ConfigID  string            `json:"config_id"`
	EventType string            `json:"event_type"`
	Payload   any               `json:"payload"`
	RawBody   string            `json:"raw_body"`
	Headers   map[string]string `json:"headers"`
	Verified  bool              `json:"verified"`
	Source    string            `json:"source"`
}

// Result reports the outcome of processing one webhook call.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// Handler reacts to an accepted webhook event. Errors are logged and do not
// stop dispatch to the remaining handlers.
type Handler func(event *Event) error

// Receiver verifies webhook calls and fans accepted events out to handlers.
// Safe for concurrent use.
type Receiver struct {
	logger   *slog.Logger
	now      func() time.Time
	capacity int

	mu       sync.RWMutex
	events   []*Event
	handlers map[string][]Handler
}

type ReceiverOption func(*Receiver)

func WithEventCapacity(capacity int) ReceiverOption {
	return func(r *Receiver) {
		if capacity > 0 {
			r.capacity = capacity
		}
	}
}

func WithClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) {
		r.now = now
	}
}

func NewReceiver(logger *slog.Logger, opts ...ReceiverOption) *Receiver {
	receiver := &Receiver{
		logger:   logger.With("module", "webhook_receiver"),
		now:      time.Now,
		capacity: defaultEventCapacity,
		handlers: make(map[string][]Handler),
	}

	for _, opt := range opts {
		opt(receiver)
	}

	return receiver
}

// Subscribe registers a handler for an event type. "*" receives every event.
func (r *Receiver) Subscribe(eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// Process verifies and dispatches one inbound webhook call. Each check
// short-circuits: signature, timestamp freshness, JSON parse, schema,
// event-type extraction.
func (r *Receiver) Process(cfg *Config, tenantID, configID, source string, rawBody []byte, headers map[string]string) *Result {
	if cfg == nil {
		cfg = &Config{}
	}

	logger := r.logger.With("tenant_id", tenantID, "config_id", configID, "source", source)

	verified, err := verifySignature(cfg, rawBody, headers)
	if err != nil {
		logger.Warn("Webhook signature rejected", "error", err)

		return &Result{Valid: false, Error: err.Error()}
	}

	if err := r.checkTimestamp(cfg, headers); err != nil {
		logger.Warn("Webhook timestamp rejected", "error", err)

		return &Result{Valid: false, Error: err.Error()}
	}

	parsed := gjson.ParseBytes(rawBody)
	if !json.Valid(rawBody) {
		logger.Warn("Webhook body is not valid JSON")

		return &Result{Valid: false, Error: "request body is not valid JSON"}
	}

	if len(cfg.JSONSchema) > 0 {
		if err := validateSchema(cfg.JSONSchema, rawBody); err != nil {
			logger.Warn("Webhook schema validation failed", "error", err)

			return &Result{Valid: false, Error: err.Error()}
		}
	}

	eventType, found := extractEventType(cfg, parsed, headers)
	if !found {
		logger.Warn("Webhook event type could not be determined")

		return &Result{Valid: false, Error: "unable to determine event type"}
	}

	payload := parsed.Value()
	if cfg.PayloadPath != "" {
		if extracted := parsed.Get(cfg.PayloadPath); extracted.Exists() {
			payload = extracted.Value()
		}
	}

	event := &Event{
		ID:        uuid.New().String(),
		Timestamp: r.now().UTC(),
		TenantID:  tenantID,
		ConfigID:  configID,
		EventType: eventType,
		Payload:   payload,
		RawBody:   string(rawBody),
		Headers:   headers,
		Verified:  verified,
		Source:    source,
	}

	r.record(event)
	r.dispatch(event)

	logger.Info("Webhook processed", "event_id", event.ID, "event_type", eventType, "verified", verified)

	return &Result{Valid: true, Event: event}
}

// Events returns the buffered events, newest first, up to limit (0 = all).
func (r *Receiver) Events(limit int) []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]*Event, 0, len(r.events))
	for i := len(r.events) - 1; i >= 0; i-- {
		events = append(events, r.events[i])

		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events
}

func (r *Receiver) record(event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
	if len(r.events) > r.capacity {
		r.events = r.events[len(r.events)-r.capacity:]
	}
}

func (r *Receiver) dispatch(event *Event) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[event.EventType])+len(r.handlers["*"]))
	handlers = append(handlers, r.handlers[event.EventType]...)
	handlers = append(handlers, r.handlers["*"]...)
	r.mu.RUnlock()

	for _, handler := range handlers {
		r.invoke(handler, event)
	}
}

// invoke isolates one handler call: a panic or error is logged and dispatch
// continues with the remaining handlers.
func (r *Receiver) invoke(handler Handler, event *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Webhook handler panicked",
				"event_id", event.ID,
				"event_type", event.EventType,
				"panic", rec)
		}
	}()

	if err := handler(event); err != nil {
		r.logger.Error("Webhook handler failed",
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", err)
	}
}

// verifySignature checks the HMAC over the raw body. Returns whether the
// signature was actually verified (false when the check is not configured).
func verifySignature(cfg *Config, rawBody []byte, headers map[string]string) (bool, error) {
	if cfg.Secret == "" || cfg.SignatureHeader == "" {
		return false, nil
	}

	supplied := headerValue(headers, cfg.SignatureHeader)
	if supplied == "" {
		return false, fmt.Errorf("missing signature header %q", cfg.SignatureHeader)
	}

	algorithm := cfg.SignatureAlgorithm
	if algorithm == "" {
		algorithm = "sha256"
	}

	var newHash func() hash.Hash

	switch algorithm {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", algorithm)
	}

	supplied = strings.TrimPrefix(supplied, algorithm+"=")

	mac := hmac.New(newHash, []byte(cfg.Secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.ToLower(supplied)), []byte(expected)) {
		return false, fmt.Errorf("signature mismatch on header %q", cfg.SignatureHeader)
	}

	return true, nil
}

// checkTimestamp enforces freshness only when both a header and a tolerance
// are configured. Accepts unix seconds, unix milliseconds, or RFC 3339.
func (r *Receiver) checkTimestamp(cfg *Config, headers map[string]string) error {
	if cfg.TimestampHeader == "" || cfg.TimestampTolerance <= 0 {
		return nil
	}

	raw := headerValue(headers, cfg.TimestampHeader)
	if raw == "" {
		return fmt.Errorf("missing timestamp header %q", cfg.TimestampHeader)
	}

	sent, err := parseTimestamp(raw)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}

	age := r.now().Sub(sent)
	if age < 0 {
		age = -age
	}

	if age > cfg.TimestampTolerance {
		return fmt.Errorf("timestamp outside tolerance: age %s exceeds %s", age, cfg.TimestampTolerance)
	}

	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if numeric, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Unix millis cross 1e12 around 2001; unix seconds stay below it
		// for centuries.
		if numeric >= 1_000_000_000_000 {
			return time.UnixMilli(numeric), nil
		}

		return time.Unix(numeric, 0), nil
	}

	return time.Parse(time.RFC3339, raw)
}

func extractEventType(cfg *Config, parsed gjson.Result, headers map[string]string) (string, bool) {
	if cfg.EventTypePath != "" {
		if value := parsed.Get(cfg.EventTypePath); value.Exists() && value.String() != "" {
			return value.String(), true
		}
	}

	for _, name := range eventTypeHeaders {
		if value := headerValue(headers, name); value != "" {
			return value, true
		}
	}

	for _, path := range eventTypePaths {
		if value := parsed.Get(path); value.Exists() && value.String() != "" {
			return value.String(), true
		}
	}

	return "", false
}

func validateSchema(schema map[string]any, rawBody []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewBytesLoader(rawBody),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var violations []string
		for _, desc := range result.Errors() {
			violations = append(violations, desc.String())
		}

		return fmt.Errorf("schema validation failed: %s", strings.Join(violations, "; "))
	}

	return nil
}

// headerValue looks a header up case-insensitively in a plain map.
func headerValue(headers map[string]string, name string) string {
	if value, ok := headers[name]; ok {
		return value
	}

	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}

	return ""
}
