package flow

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlowRepo struct {
	flows map[string]*Flow
}

func newFakeFlowRepo(flows ...*Flow) *fakeFlowRepo {
	repo := &fakeFlowRepo{flows: make(map[string]*Flow)}
	for _, f := range flows {
		repo.flows[f.ID] = f
	}

	return repo
}

func (r *fakeFlowRepo) FlowByID(_ context.Context, id string) (*Flow, error) {
	return r.flows[id], nil
}

func (r *fakeFlowRepo) SaveFlow(_ context.Context, f *Flow) error {
	r.flows[f.ID] = f

	return nil
}

func (r *fakeFlowRepo) Flows(_ context.Context, tenantID string) ([]*Flow, error) {
	var out []*Flow

	for _, f := range r.flows {
		if f.TenantID == tenantID {
			out = append(out, f)
		}
	}

	return out, nil
}

func (r *fakeFlowRepo) FlowsByStatus(_ context.Context, status Status) ([]*Flow, error) {
	var out []*Flow

	for _, f := range r.flows {
		if f.Status == status {
			out = append(out, f)
		}
	}

	return out, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *captureEmitter) Emit(_ context.Context, event eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)
}

func (c *captureEmitter) byType(eventType events.EventType) []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []eventbus.Event

	for _, event := range c.events {
		if event.GetType() == eventType {
			out = append(out, event)
		}
	}

	return out
}

func monitorFlow(id string, status Status, errorCount int) *Flow {
	return &Flow{
		ID:          id,
		TenantID:    "acme",
		Status:      status,
		CurrentStep: StepGoodsReceipt,
		ErrorCount:  errorCount,
		Config:      DefaultConfig("acme"),
		UpdatedAt:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestSweepDeadLettersOverThreshold(t *testing.T) {
	over := monitorFlow("f-over", StatusFailed, 12)
	under := monitorFlow("f-under", StatusFailed, 2)
	repo := newFakeFlowRepo(over, under)

	emitter := &captureEmitter{}
	flowLog := NewFlowLog()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitor := NewMonitor(repo, flowLog, emitter, logger)
	monitor.Sweep(context.Background())

	deadLettered := emitter.byType(events.FlowDeadLetteredEvent)
	require.Len(t, deadLettered, 1)

	event := deadLettered[0].(events.FlowDeadLettered)
	assert.Equal(t, "f-over", event.FlowID)
	assert.Equal(t, 12, event.ErrorCount)
	assert.Equal(t, 10, event.Threshold)

	assert.NotEmpty(t, flowLog.Query(LogQuery{FlowID: "f-over", Level: LogError}))
	assert.Empty(t, flowLog.Query(LogQuery{FlowID: "f-under"}))

	// A second sweep does not flag the same flow again.
	monitor.Sweep(context.Background())
	assert.Len(t, emitter.byType(events.FlowDeadLetteredEvent), 1)
}

func TestSweepFlagsStalledWaits(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	stalled := monitorFlow("f-stalled", StatusWaitingExternal, 0)
	stalled.UpdatedAt = now.Add(-10 * time.Minute)

	fresh := monitorFlow("f-fresh", StatusWaitingExternal, 0)
	fresh.UpdatedAt = now.Add(-time.Minute)

	repo := newFakeFlowRepo(stalled, fresh)
	flowLog := NewFlowLog()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitor := NewMonitor(repo, flowLog, &captureEmitter{}, logger,
		WithMonitorClock(func() time.Time { return now }))
	monitor.Sweep(context.Background())

	assert.NotEmpty(t, flowLog.Query(LogQuery{FlowID: "f-stalled", Level: LogWarn}))
	assert.Empty(t, flowLog.Query(LogQuery{FlowID: "f-fresh"}))
}

func TestMonitorStartStop(t *testing.T) {
	repo := newFakeFlowRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitor := NewMonitor(repo, NewFlowLog(), &captureEmitter{}, logger,
		WithSchedule("@every 1h"))

	require.NoError(t, monitor.Start(context.Background()))
	monitor.Stop()
}
