package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/eventbus"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/persistence/memory"
	"github.com/confluxhq/conflux/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, eventbus.Event) {}

type scriptedHandler struct {
	stepType flow.StepType
	execute  func(ctx context.Context, f *flow.Flow) (*flow.StepResult, error)
}

func (h *scriptedHandler) Type() flow.StepType { return h.stepType }

func (h *scriptedHandler) Validate(context.Context, *flow.Flow) error { return nil }

func (h *scriptedHandler) Execute(ctx context.Context, f *flow.Flow) (*flow.StepResult, error) {
	if h.execute != nil {
		return h.execute(ctx, f)
	}

	return &flow.StepResult{}, nil
}

func passingHandlers() flow.HandlerMap {
	handlers := make(flow.HandlerMap, len(flow.StepOrder))
	for _, stepType := range flow.StepOrder {
		handlers[stepType] = &scriptedHandler{stepType: stepType}
	}

	return handlers
}

type testEnv struct {
	app   *fiber.App
	store *memory.Persistence
}

func setupTestApp(t *testing.T, handlers flow.HandlerMap) *testEnv {
	t.Helper()

	store := memory.NewPersistence()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	configs := flow.NewConfigStore(store)

	orchestrator := flow.NewOrchestrator(
		store,
		configs,
		flow.NewFlowLog(),
		noopEmitter{},
		handlers,
		logger,
		flow.WithBackoff(func(int) time.Duration { return 0 }),
	)

	apiHandlers := web.NewAPIHandlers(orchestrator, configs, store,
		validator.New(validator.WithRequiredStructEnabled()))

	return &testEnv{app: web.NewApp(apiHandlers), store: store}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeFlow(t *testing.T, resp *http.Response) *flow.Flow {
	t.Helper()

	defer resp.Body.Close()

	var f flow.Flow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))

	return &f
}

func (e *testEnv) waitForStatus(t *testing.T, flowID string, status flow.Status) *flow.Flow {
	t.Helper()

	var got *flow.Flow

	require.Eventually(t, func() bool {
		f, err := e.store.FlowByID(context.Background(), flowID)
		if err != nil || f == nil {
			return false
		}

		got = f

		return f.Status == status
	}, 5*time.Second, 5*time.Millisecond)

	return got
}

func startRequest() web.StartFlowRequest {
	return web.StartFlowRequest{
		TenantID: "acme",
		PurchaseOrder: &flow.PurchaseOrder{
			ID:         "po-1",
			PONumber:   "PO-1001",
			SupplierID: "sup-1",
		},
		Initiator: "tester",
	}
}

func TestStartFlowEndpoint(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	resp := env.postJSON(t, "/flows/", startRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeFlow(t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.TenantID)

	env.waitForStatus(t, created.ID, flow.StatusCompleted)

	resp = env.get(t, "/flows/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, flow.StatusCompleted, decodeFlow(t, resp).Status)
}

func TestStartFlowEndpointValidation(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	tests := []struct {
		name string
		body any
	}{
		{"missing tenant", web.StartFlowRequest{PurchaseOrder: &flow.PurchaseOrder{PONumber: "PO-1"}}},
		{"missing purchase order", web.StartFlowRequest{TenantID: "acme"}},
		{"missing po number", web.StartFlowRequest{TenantID: "acme", PurchaseOrder: &flow.PurchaseOrder{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.postJSON(t, "/flows/", tt.body)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "json")
		})
	}
}

func TestGetFlowNotFound(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	resp := env.get(t, "/flows/does-not-exist")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListFlowsEndpoint(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	resp := env.get(t, "/flows/")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	created := decodeFlow(t, env.postJSON(t, "/flows/", startRequest()))
	env.waitForStatus(t, created.ID, flow.StatusCompleted)

	resp = env.get(t, "/flows/?tenant_id=acme")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	defer resp.Body.Close()

	var listing struct {
		Flows      []*flow.Flow `json:"flows"`
		TotalCount int          `json:"total_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, 1, listing.TotalCount)

	empty := env.get(t, "/flows/?tenant_id=acme&status=FAILED")
	defer empty.Body.Close()

	require.NoError(t, json.NewDecoder(empty.Body).Decode(&listing))
	assert.Equal(t, 0, listing.TotalCount)
}

func TestPauseResumeCancelTransitions(t *testing.T) {
	waiting := passingHandlers()
	waiting[flow.StepGoodsReceipt] = &scriptedHandler{
		stepType: flow.StepGoodsReceipt,
		execute: func(context.Context, *flow.Flow) (*flow.StepResult, error) {
			return &flow.StepResult{WaitExternal: true}, nil
		},
	}

	env := setupTestApp(t, waiting)

	created := decodeFlow(t, env.postJSON(t, "/flows/", startRequest()))
	env.waitForStatus(t, created.ID, flow.StatusWaitingExternal)

	resp := env.postJSON(t, "/flows/"+created.ID+"/pause", web.FlowActionRequest{Reason: "hold"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, flow.StatusPaused, decodeFlow(t, resp).Status)

	// Pausing twice conflicts.
	resp = env.postJSON(t, "/flows/"+created.ID+"/pause", web.FlowActionRequest{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/flows/"+created.ID+"/resume", web.FlowActionRequest{By: "operator"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	env.waitForStatus(t, created.ID, flow.StatusCompleted)

	resp = env.postJSON(t, "/flows/"+created.ID+"/cancel", web.FlowActionRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestFlowWebhookEndpoint(t *testing.T) {
	waiting := passingHandlers()
	waiting[flow.StepGoodsReceipt] = &scriptedHandler{
		stepType: flow.StepGoodsReceipt,
		execute: func(_ context.Context, f *flow.Flow) (*flow.StepResult, error) {
			if f.GoodsReceiptData != nil {
				return &flow.StepResult{}, nil
			}

			return &flow.StepResult{WaitExternal: true, WaitingFor: flow.WebhookGoodsReceiptUpdate}, nil
		},
	}

	env := setupTestApp(t, waiting)

	created := decodeFlow(t, env.postJSON(t, "/flows/", startRequest()))
	env.waitForStatus(t, created.ID, flow.StatusWaitingExternal)

	resp := env.postJSON(t, "/flows/"+created.ID+"/webhook", web.FlowWebhookRequest{
		WebhookType: flow.WebhookGoodsReceiptUpdate,
		Payload:     map[string]any{"receipt_number": "GR-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	done := env.waitForStatus(t, created.ID, flow.StatusCompleted)
	require.NotNil(t, done.GoodsReceiptData)
	assert.Equal(t, "GR-1", done.GoodsReceiptData.ReceiptNumber)

	// Unknown webhook types are rejected.
	resp = env.postJSON(t, "/flows/"+created.ID+"/webhook", web.FlowWebhookRequest{
		WebhookType: "mystery_update",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRetryStepEndpoint(t *testing.T) {
	failing := passingHandlers()
	failing[flow.StepPOTransmission] = &scriptedHandler{
		stepType: flow.StepPOTransmission,
		execute: func(context.Context, *flow.Flow) (*flow.StepResult, error) {
			return nil, flow.NewStepError(flow.CodeExecutionError, "endpoint down", false)
		},
	}

	env := setupTestApp(t, failing)

	created := decodeFlow(t, env.postJSON(t, "/flows/", startRequest()))
	env.waitForStatus(t, created.ID, flow.StatusFailed)

	// Completed steps cannot be retried.
	resp := env.postJSON(t, "/flows/"+created.ID+"/steps/po_validation/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.postJSON(t, "/flows/"+created.ID+"/steps/po_transmission/retry", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestFlowLogsEndpoint(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	created := decodeFlow(t, env.postJSON(t, "/flows/", startRequest()))
	env.waitForStatus(t, created.ID, flow.StatusCompleted)

	resp := env.get(t, "/flows/"+created.ID+"/logs?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	defer resp.Body.Close()

	var listing struct {
		Entries    []*flow.LogEntry `json:"entries"`
		TotalCount int              `json:"total_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, 2, listing.TotalCount)

	missing := env.get(t, "/flows/nope/logs")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestConfigEndpoints(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	resp := env.get(t, "/tenants/acme/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg flow.Config
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()
	assert.Equal(t, "acme", cfg.TenantID)
	assert.True(t, cfg.Steps[flow.StepAcknowledgment].Enabled)

	raw, err := json.Marshal(flow.ConfigPatch{
		Steps: map[flow.StepType]flow.StepConfig{
			flow.StepAcknowledgment: {Enabled: false},
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/tenants/acme/config", bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")

	patched, err := env.app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, patched.StatusCode)

	require.NoError(t, json.NewDecoder(patched.Body).Decode(&cfg))
	patched.Body.Close()
	assert.False(t, cfg.Steps[flow.StepAcknowledgment].Enabled)
}

func TestConnectorEndpoints(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	// Invalid declarations report violations without persisting.
	resp := env.postJSON(t, "/connectors/validate", web.ValidateConnectorRequest{
		Config: &connector.Config{Name: "erp"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result connector.ValidationResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)

	cfg := connector.Config{
		Name:    "erp",
		BaseURL: "https://erp.example.com",
		Endpoints: []connector.Endpoint{
			{Name: "create_po", Method: "POST", Path: "/purchase-orders"},
		},
	}

	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/tenants/acme/connectors", bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/json")

	saved, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, saved.StatusCode)
	saved.Body.Close()

	fetched := env.get(t, "/tenants/acme/connectors/erp")
	require.Equal(t, http.StatusOK, fetched.StatusCode)

	var got connector.Config
	require.NoError(t, json.NewDecoder(fetched.Body).Decode(&got))
	fetched.Body.Close()
	assert.Equal(t, "https://erp.example.com", got.BaseURL)

	missing := env.get(t, "/tenants/acme/connectors/crm")
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestApp(t, passingHandlers())

	resp := env.get(t, "/health")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}
