package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/confluxhq/conflux/pkg/connector"
	"github.com/confluxhq/conflux/pkg/flow"
	"github.com/confluxhq/conflux/pkg/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticConnectors struct {
	configs map[string]*connector.Config
}

func (s *staticConnectors) ConnectorConfig(_ context.Context, _ string, name string) (*connector.Config, error) {
	return s.configs[name], nil
}

func baseFlow() *flow.Flow {
	return &flow.Flow{
		ID:       "f1",
		TenantID: "t1",
		PONumber: "4500",
		Config:   flow.DefaultConfig("t1"),
		POData: &flow.PurchaseOrder{
			ID:         "po-1",
			PONumber:   "4500",
			SupplierID: "sup-1",
			Lines: []flow.POLine{
				{LineNumber: 1, ItemID: "widget", Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(5)},
			},
			Currency: "USD",
		},
	}
}

func TestNewHandlersCoversEveryStep(t *testing.T) {
	handlers := NewHandlers(&Deps{Logger: log.WithModule("test")})

	require.Len(t, handlers, len(flow.StepOrder))

	for _, stepType := range flow.StepOrder {
		handler, ok := handlers[stepType]
		require.True(t, ok, "missing handler for %s", stepType)
		assert.Equal(t, stepType, handler.Type())
	}
}

func TestPOValidation(t *testing.T) {
	handler := &POValidation{}

	t.Run("valid PO", func(t *testing.T) {
		f := baseFlow()
		result, err := handler.Execute(context.Background(), f)

		require.NoError(t, err)
		assert.Equal(t, 1, result.Output["line_count"])
	})

	t.Run("zero quantity rejected", func(t *testing.T) {
		f := baseFlow()
		f.POData.Lines[0].Quantity = decimal.Zero

		_, err := handler.Execute(context.Background(), f)
		require.Error(t, err)

		stepErr, ok := flow.AsStepError(err)
		require.True(t, ok)
		assert.Equal(t, flow.CodePOValidationFailed, stepErr.Code)
		assert.False(t, stepErr.Retryable)
	})

	t.Run("header total mismatch rejected", func(t *testing.T) {
		f := baseFlow()
		f.POData.TotalAmount = decimal.NewFromInt(999)

		_, err := handler.Execute(context.Background(), f)
		require.Error(t, err)
	})

	t.Run("no PO data fails validate", func(t *testing.T) {
		f := baseFlow()
		f.POData = nil

		require.Error(t, handler.Validate(context.Background(), f))
	})
}

func TestPOTransmissionWithBinding(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "ext-po-9"})
	}))
	defer server.Close()

	deps := &Deps{
		Executor: connector.NewExecutor(log.WithModule("test"), connector.WithHTTPClient(server.Client())),
		Connectors: &staticConnectors{configs: map[string]*connector.Config{
			"supplier-erp": {
				Name:    "supplier-erp",
				BaseURL: server.URL,
				Endpoints: []connector.Endpoint{
					{Name: "create_po", Method: "POST", Path: "/po"},
				},
			},
		}},
		Logger: log.WithModule("test"),
	}

	handler := &POTransmission{deps: deps}
	f := baseFlow()
	f.Config.Bindings = map[flow.StepType]flow.ConnectorBinding{
		flow.StepPOTransmission: {Connector: "supplier-erp", Endpoint: "create_po"},
	}

	result, err := handler.Execute(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, "4500", received["po_number"])
	assert.Equal(t, "ext-po-9", result.Output["external_id"])
	assert.Equal(t, "ext-po-9", f.POData.ExternalID)
	assert.Equal(t, "TRANSMITTED", f.POData.Status)
}

func TestPOTransmissionWithoutBinding(t *testing.T) {
	handler := &POTransmission{deps: &Deps{Logger: log.WithModule("test")}}
	f := baseFlow()

	result, err := handler.Execute(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, true, result.Output["transmitted"])
	assert.Equal(t, "TRANSMITTED", f.POData.Status)
}

func TestPOTransmissionConnectorFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	deps := &Deps{
		Executor: connector.NewExecutor(log.WithModule("test"), connector.WithHTTPClient(server.Client())),
		Connectors: &staticConnectors{configs: map[string]*connector.Config{
			"supplier-erp": {
				Name:    "supplier-erp",
				BaseURL: server.URL,
				Endpoints: []connector.Endpoint{
					{Name: "create_po", Method: "POST", Path: "/po",
						Retry: &connector.RetryConfig{MaxRetries: 1, RetryDelay: 1}},
				},
			},
		}},
		Logger: log.WithModule("test"),
	}

	handler := &POTransmission{deps: deps}
	f := baseFlow()
	f.Config.Bindings = map[flow.StepType]flow.ConnectorBinding{
		flow.StepPOTransmission: {Connector: "supplier-erp", Endpoint: "create_po"},
	}

	_, err := handler.Execute(context.Background(), f)
	require.Error(t, err)

	stepErr, ok := flow.AsStepError(err)
	require.True(t, ok)
	assert.True(t, stepErr.Retryable)
}

func TestGoodsReceiptWaitsForWebhook(t *testing.T) {
	handler := &GoodsReceipt{deps: &Deps{Logger: log.WithModule("test")}}
	f := baseFlow()

	result, err := handler.Execute(context.Background(), f)
	require.NoError(t, err)

	assert.True(t, result.WaitExternal)
	assert.Equal(t, flow.WebhookGoodsReceiptUpdate, result.WaitingFor)
}

func TestGoodsReceiptCompletesWhenDataPresent(t *testing.T) {
	handler := &GoodsReceipt{deps: &Deps{Logger: log.WithModule("test")}}
	f := baseFlow()
	f.GoodsReceiptData = &flow.GoodsReceipt{
		ReceiptNumber: "gr-7",
		Lines:         []flow.ReceiptLine{{LineNumber: 1, Quantity: decimal.NewFromInt(10)}},
	}

	result, err := handler.Execute(context.Background(), f)
	require.NoError(t, err)

	assert.False(t, result.WaitExternal)
	assert.Equal(t, "gr-7", result.Output["receipt_number"])
}

func TestInvoiceSubmission(t *testing.T) {
	deps := &Deps{Logger: log.WithModule("test")}
	handler := &InvoiceSubmission{deps: deps}

	t.Run("refuses unapproved NOT_MATCHED", func(t *testing.T) {
		f := baseFlow()
		f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1"}
		f.MatchData = &flow.MatchData{Status: flow.MatchStatusNotMatched, RequiresApproval: true}

		_, err := handler.Execute(context.Background(), f)
		require.Error(t, err)

		stepErr, ok := flow.AsStepError(err)
		require.True(t, ok)
		assert.Equal(t, flow.CodeMatchNotApproved, stepErr.Code)
		assert.False(t, stepErr.Retryable)
		assert.True(t, stepErr.RequiresApproval)
	})

	t.Run("proceeds once approved", func(t *testing.T) {
		f := baseFlow()
		f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1"}
		f.MatchData = &flow.MatchData{Status: flow.MatchStatusNotMatched, ApprovedBy: "ap-clerk"}

		result, err := handler.Execute(context.Background(), f)
		require.NoError(t, err)

		assert.Equal(t, true, result.Output["submitted"])
		assert.Equal(t, "SUBMITTED", f.InvoiceData.Status)
		assert.NotNil(t, f.InvoiceData.SubmittedAt)
		assert.Equal(t, "INVOICED", f.POData.Status)
	})

	t.Run("proceeds on clean match", func(t *testing.T) {
		f := baseFlow()
		f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1"}
		f.MatchData = &flow.MatchData{Status: flow.MatchStatusMatched}

		_, err := handler.Execute(context.Background(), f)
		require.NoError(t, err)
	})
}

func TestPaymentTracking(t *testing.T) {
	handler := &PaymentTracking{deps: &Deps{Logger: log.WithModule("test")}}

	t.Run("validate requires submitted invoice", func(t *testing.T) {
		f := baseFlow()
		f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1", Status: "DRAFT"}

		require.Error(t, handler.Validate(context.Background(), f))
	})

	t.Run("waits without payment data", func(t *testing.T) {
		f := baseFlow()
		f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1", Status: "SUBMITTED"}

		result, err := handler.Execute(context.Background(), f)
		require.NoError(t, err)
		assert.True(t, result.WaitExternal)
		assert.Equal(t, flow.WebhookPaymentStatusUpdate, result.WaitingFor)
	})

	t.Run("completes on settled payment", func(t *testing.T) {
		f := baseFlow()
		f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1", Status: "SUBMITTED"}
		f.PaymentData = &flow.Payment{InvoiceNumber: "inv-1", Status: "PAID", Amount: decimal.NewFromInt(50)}

		result, err := handler.Execute(context.Background(), f)
		require.NoError(t, err)
		assert.False(t, result.WaitExternal)
		assert.Equal(t, "PAID", result.Output["payment_status"])
	})
}

func TestCompletion(t *testing.T) {
	handler := &Completion{}
	f := baseFlow()
	f.InvoiceData = &flow.Invoice{InvoiceNumber: "inv-1", Status: "SUBMITTED"}
	f.PaymentData = &flow.Payment{Status: "PAID"}
	f.MatchData = &flow.MatchData{Status: flow.MatchStatusMatched}

	result, err := handler.Execute(context.Background(), f)
	require.NoError(t, err)

	assert.Equal(t, "CLOSED", f.POData.Status)
	assert.Equal(t, "inv-1", result.Output["invoice_number"])
	assert.Equal(t, "MATCHED", result.Output["match_status"])
}
