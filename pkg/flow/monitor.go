package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/confluxhq/conflux/pkg/events"
	"github.com/robfig/cron/v3"
)

const defaultMonitorSchedule = "@every 1m"

// Monitor periodically sweeps stored flows: failed flows that exhausted the
// tenant's dead-letter threshold are flagged for manual inspection, and
// WAITING_EXTERNAL flows stalled past the polling interval get a reminder log
// entry.
type Monitor struct {
	flows    Repository
	flowLog  *FlowLog
	emitter  EventEmitter
	logger   *slog.Logger
	now      func() time.Time
	schedule string
	cron     *cron.Cron

	mu           sync.Mutex
	deadLettered map[string]bool
}

type MonitorOption func(*Monitor)

func WithSchedule(schedule string) MonitorOption {
	return func(m *Monitor) {
		m.schedule = schedule
	}
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

func NewMonitor(flows Repository, flowLog *FlowLog, emitter EventEmitter, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	monitor := &Monitor{
		flows:        flows,
		flowLog:      flowLog,
		emitter:      emitter,
		logger:       logger.With("module", "flow_monitor"),
		now:          time.Now,
		schedule:     defaultMonitorSchedule,
		deadLettered: make(map[string]bool),
	}

	for _, opt := range opts {
		opt(monitor)
	}

	return monitor
}

// Start schedules the sweep and returns immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()

	if _, err := m.cron.AddFunc(m.schedule, func() {
		m.Sweep(ctx)
	}); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("Flow monitor started", "schedule", m.schedule)

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}

	m.logger.Info("Flow monitor stopped")
}

// Sweep runs one pass over failed and waiting flows.
func (m *Monitor) Sweep(ctx context.Context) {
	m.sweepDeadLetters(ctx)
	m.sweepStalled(ctx)
}

func (m *Monitor) sweepDeadLetters(ctx context.Context) {
	failed, err := m.flows.FlowsByStatus(ctx, StatusFailed)
	if err != nil {
		m.logger.Error("Dead-letter sweep failed to list flows", "error", err)

		return
	}

	for _, f := range failed {
		threshold := f.Config.Settings.DeadLetterThreshold
		if threshold <= 0 || f.ErrorCount < threshold {
			continue
		}

		m.mu.Lock()
		seen := m.deadLettered[f.ID]
		m.deadLettered[f.ID] = true
		m.mu.Unlock()

		if seen {
			continue
		}

		m.logger.Warn("Flow dead-lettered",
			"flow_id", f.ID,
			"tenant_id", f.TenantID,
			"error_count", f.ErrorCount,
			"threshold", threshold)
		m.flowLog.Append(f.ID, f.CurrentStep, LogError, "Flow dead-lettered after exhausting retries", map[string]any{
			"error_count": f.ErrorCount,
			"threshold":   threshold,
			"last_error":  f.LastError,
		})
		m.emitter.Emit(ctx, events.FlowDeadLettered{
			BaseEvent:  events.NewBaseEvent(events.FlowDeadLetteredEvent, f.TenantID, f.ID),
			ErrorCount: f.ErrorCount,
			Threshold:  threshold,
			LastError:  f.LastError,
		})
	}
}

func (m *Monitor) sweepStalled(ctx context.Context) {
	waiting, err := m.flows.FlowsByStatus(ctx, StatusWaitingExternal)
	if err != nil {
		m.logger.Error("Stall sweep failed to list flows", "error", err)

		return
	}

	now := m.now().UTC()

	for _, f := range waiting {
		interval := f.Config.Settings.PollingInterval
		if interval <= 0 {
			continue
		}

		stalledFor := now.Sub(f.UpdatedAt)
		if stalledFor < interval {
			continue
		}

		m.logger.Warn("Flow stalled waiting for external system",
			"flow_id", f.ID,
			"tenant_id", f.TenantID,
			"step", string(f.CurrentStep),
			"stalled_for", stalledFor.String())
		m.flowLog.Append(f.ID, f.CurrentStep, LogWarn, "Still waiting for external system", map[string]any{
			"stalled_for_ms": stalledFor.Milliseconds(),
		})
	}
}
