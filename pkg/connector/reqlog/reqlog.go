// Package reqlog records connector request/response pairs in a bounded ring
// buffer with sensitive-field masking and query/statistics support.
package reqlog

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCapacity     = 1000
	defaultMaxBodyBytes = 64 * 1024
)

// sensitiveFields are always masked regardless of caller configuration.
var sensitiveFields = []string{
	"password",
	"passwd",
	"token",
	"access_token",
	"refresh_token",
	"secret",
	"client_secret",
	"authorization",
	"api_key",
	"apikey",
	"x-api-key",
	"cookie",
	"set-cookie",
}

// Entry is one recorded request/response pair. Bodies are stored masked;
// cleartext never enters the buffer.
type Entry struct {
	ID              string            `json:"id"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	TenantID        string            `json:"tenant_id,omitempty"`
	ConfigID        string            `json:"config_id,omitempty"`
	Connector       string            `json:"connector,omitempty"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     any               `json:"request_body,omitempty"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    any               `json:"response_body,omitempty"`
	Error           string            `json:"error,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Filter selects entries for Query. Zero values match everything.
type Filter struct {
	CorrelationID string
	TenantID      string
	ConfigID      string
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Stats summarizes the buffered entries.
type Stats struct {
	Count         int   `json:"count"`
	ErrorCount    int   `json:"error_count"`
	AvgDurationMs int64 `json:"avg_duration_ms"`
}

type Logger struct {
	mu           sync.RWMutex
	entries      []*Entry
	capacity     int
	maxBodyBytes int
	extraFields  []string
	now          func() time.Time
}

type Option func(*Logger)

func WithCapacity(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

func WithMaxBodyBytes(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.maxBodyBytes = n
		}
	}
}

// WithSensitiveFields adds caller-supplied field names to the masking list.
func WithSensitiveFields(names ...string) Option {
	return func(l *Logger) {
		l.extraFields = append(l.extraFields, names...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

func New(opts ...Option) *Logger {
	logger := &Logger{
		capacity:     defaultCapacity,
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(logger)
	}

	return logger
}

// Record masks and stores the entry, evicting the oldest entry when the
// buffer is full. It returns the generated entry id.
func (l *Logger) Record(entry *Entry) string {
	entry.ID = uuid.New().String()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	entry.RequestHeaders = l.maskHeaders(entry.RequestHeaders)
	entry.ResponseHeaders = l.maskHeaders(entry.ResponseHeaders)
	entry.RequestBody = l.maskBody(entry.RequestBody)
	entry.ResponseBody = l.maskBody(entry.ResponseBody)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}

	return entry.ID
}

// Query returns matching entries, newest first.
func (l *Logger) Query(filter Filter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []*Entry

	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]

		if filter.CorrelationID != "" && entry.CorrelationID != filter.CorrelationID {
			continue
		}

		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}

		if filter.ConfigID != "" && entry.ConfigID != filter.ConfigID {
			continue
		}

		if !filter.Since.IsZero() && entry.CreatedAt.Before(filter.Since) {
			continue
		}

		if !filter.Until.IsZero() && entry.CreatedAt.After(filter.Until) {
			continue
		}

		matched = append(matched, entry)

		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}

	return matched
}

// Get looks up a single entry by id.
func (l *Logger) Get(id string) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.entries {
		if entry.ID == id {
			return entry, true
		}
	}

	return nil, false
}

func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{Count: len(l.entries)}

	var totalDuration int64

	for _, entry := range l.entries {
		if entry.Error != "" || entry.ResponseStatus >= 400 {
			stats.ErrorCount++
		}

		totalDuration += entry.DurationMs
	}

	if stats.Count > 0 {
		stats.AvgDurationMs = totalDuration / int64(stats.Count)
	}

	return stats
}

func (l *Logger) isSensitive(name string) bool {
	lower := strings.ToLower(name)

	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}

	for _, field := range l.extraFields {
		if strings.Contains(lower, strings.ToLower(field)) {
			return true
		}
	}

	return false
}

func (l *Logger) maskHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}

	masked := make(map[string]string, len(headers))

	for name, value := range headers {
		if l.isSensitive(name) {
			masked[name] = maskString(value)
		} else {
			masked[name] = value
		}
	}

	return masked
}

// maskBody walks nested objects/arrays masking sensitive fields, then
// enforces the body size ceiling on string payloads.
func (l *Logger) maskBody(body any) any {
	if body == nil {
		return nil
	}

	if s, ok := body.(string); ok && len(s) > l.maxBodyBytes {
		return map[string]any{"truncated": true, "original_bytes": len(s)}
	}

	return l.maskValue("", body)
}

func (l *Logger) maskValue(name string, value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if l.isSensitive(key) {
				if s, ok := inner.(string); ok {
					out[key] = maskString(s)
				} else {
					out[key] = "****"
				}
			} else {
				out[key] = l.maskValue(key, inner)
			}
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = l.maskValue(name, inner)
		}

		return out
	case string:
		if l.isSensitive(name) {
			return maskString(v)
		}

		return v
	default:
		return value
	}
}

// maskString keeps the first and last two characters of the value.
func maskString(value string) string {
	if len(value) <= 4 {
		return "****"
	}

	return value[:2] + "****" + value[len(value)-2:]
}
