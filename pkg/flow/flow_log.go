package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLogCapacityPerFlow = 500

// LogLevel grades a flow log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one structured flow log record, sufficient to reconstruct a
// failure without re-running the flow.
type LogEntry struct {
	ID        string         `json:"id"`
	FlowID    string         `json:"flow_id"`
	StepType  StepType       `json:"step_type,omitempty"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// LogQuery filters log reads. Zero fields match everything.
type LogQuery struct {
	FlowID   string
	StepType StepType
	Level    LogLevel
	Since    time.Time
	Until    time.Time
	Limit    int
}

// FlowLog keeps a bounded, append-only execution log per flow. Safe for
// concurrent use.
type FlowLog struct {
	capacity int
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string][]*LogEntry
}

type FlowLogOption func(*FlowLog)

func WithLogCapacity(capacity int) FlowLogOption {
	return func(l *FlowLog) {
		if capacity > 0 {
			l.capacity = capacity
		}
	}
}

func WithLogClock(now func() time.Time) FlowLogOption {
	return func(l *FlowLog) {
		l.now = now
	}
}

func NewFlowLog(opts ...FlowLogOption) *FlowLog {
	flowLog := &FlowLog{
		capacity: defaultLogCapacityPerFlow,
		now:      time.Now,
		entries:  make(map[string][]*LogEntry),
	}

	for _, opt := range opts {
		opt(flowLog)
	}

	return flowLog
}

// Append records one entry, evicting the oldest entry of the same flow when
// the per-flow capacity is exceeded.
func (l *FlowLog) Append(flowID string, stepType StepType, level LogLevel, message string, data map[string]any) *LogEntry {
	entry := &LogEntry{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		StepType:  stepType,
		Level:     level,
		Message:   message,
		Data:      data,
		Timestamp: l.now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append(l.entries[flowID], entry)
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}

	l.entries[flowID] = entries

	return entry
}

// Query returns matching entries in append order.
func (l *FlowLog) Query(query LogQuery) []*LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var scope [][]*LogEntry

	if query.FlowID != "" {
		scope = append(scope, l.entries[query.FlowID])
	} else {
		for _, entries := range l.entries {
			scope = append(scope, entries)
		}
	}

	var matched []*LogEntry

	for _, entries := range scope {
		for _, entry := range entries {
			if query.StepType != "" && entry.StepType != query.StepType {
				continue
			}

			if query.Level != "" && entry.Level != query.Level {
				continue
			}

			if !query.Since.IsZero() && entry.Timestamp.Before(query.Since) {
				continue
			}

			if !query.Until.IsZero() && entry.Timestamp.After(query.Until) {
				continue
			}

			matched = append(matched, entry)

			if query.Limit > 0 && len(matched) >= query.Limit {
				return matched
			}
		}
	}

	return matched
}

// Drop discards a flow's entries, e.g. after archival.
func (l *FlowLog) Drop(flowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, flowID)
}
