package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/confluxhq/conflux/pkg/connector/auth"
	"github.com/confluxhq/conflux/pkg/connector/errormap"
	"github.com/confluxhq/conflux/pkg/connector/mapping"
	"github.com/confluxhq/conflux/pkg/connector/pagination"
	"github.com/confluxhq/conflux/pkg/connector/reqlog"
	"github.com/confluxhq/conflux/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string, endpoints ...Endpoint) *Config {
	return &Config{
		Name:      "test-erp",
		BaseURL:   baseURL,
		Endpoints: endpoints,
	}
}

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{MaxRetries: maxRetries, RetryDelay: time.Millisecond}
}

func TestExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/purchase-orders/po-7", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		_ = json.NewEncoder(w).Encode(map[string]any{"id": "po-7", "status": "open"})
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name:   "get_po",
		Method: "GET",
		Path:   "/purchase-orders/{po_id}",
	})

	result := executor.Execute(context.Background(), cfg, &CallContext{
		Endpoint: "get_po",
		Input:    map[string]any{"po_id": "po-7"},
		TenantID: "t1",
	}, nil)

	require.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.Metadata.StatusCode)
	assert.NotEmpty(t, result.Metadata.RequestID)

	data := result.Data.(map[string]any)
	assert.Equal(t, "open", data["status"])
}

func TestExecuteUnknownEndpoint(t *testing.T) {
	executor := NewExecutor(log.WithModule("test"))
	cfg := testConfig("https://api.example.com", Endpoint{Name: "known", Method: "GET", Path: "/x"})

	result := executor.Execute(context.Background(), cfg, &CallContext{Endpoint: "unknown"}, nil)

	require.False(t, result.Success)
	assert.Equal(t, CodeEndpointNotFound, result.Error.Code)
	assert.False(t, result.Error.Retryable)
}

func TestExecuteRetriesOn503ThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)

			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name: "list", Method: "GET", Path: "/things", Retry: fastRetry(3),
	})

	result := executor.Execute(context.Background(), cfg, &CallContext{Endpoint: "list"}, nil)

	require.True(t, result.Success)
	assert.Equal(t, int32(4), calls.Load(), "three retries after the first attempt")
}

func TestExecuteNeverRetries400(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"bad payload"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name: "create", Method: "POST", Path: "/things", Retry: fastRetry(3),
	})

	result := executor.Execute(context.Background(), cfg, &CallContext{Endpoint: "create"}, nil)

	require.False(t, result.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, errormap.CodeValidation, result.Error.Code)
	assert.Equal(t, http.StatusBadRequest, result.Metadata.StatusCode)
}

func TestExecuteExhaustedRetriesReturnsFailureResult(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name: "list", Method: "GET", Path: "/things", Retry: fastRetry(2),
	})

	result := executor.Execute(context.Background(), cfg, &CallContext{Endpoint: "list"}, nil)

	require.False(t, result.Success)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, errormap.CodeServer, result.Error.Code)
	assert.True(t, result.Error.Retryable)
}

func TestExecuteAppliesRequestMapping(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"Id":"ext-1","State":"CREATED"}`))
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name:   "create_po",
		Method: "POST",
		Path:   "/po",
		RequestMapping: []mapping.Rule{
			{Source: "po_number", Target: "PoNum"},
			{Target: "Source", Value: "conflux"},
		},
		ResponseMapping: []mapping.Rule{
			{Source: "Id", Target: "external_id"},
			{Source: "State", Target: "status"},
		},
	})

	result := executor.Execute(context.Background(), cfg, &CallContext{
		Endpoint: "create_po",
		Input:    map[string]any{"po_number": "4500", "internal": "x"},
	}, nil)

	require.True(t, result.Success)
	assert.Equal(t, "4500", received["PoNum"])
	assert.Equal(t, "conflux", received["Source"])
	assert.NotContains(t, received, "internal")

	data := result.Data.(map[string]any)
	assert.Equal(t, "ext-1", data["external_id"])
	assert.Equal(t, "CREATED", data["status"])
}

func TestExecuteAppliesOAuthAndPaginationParams(t *testing.T) {
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{1, 2}, "total": 2})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name:   "list_items",
		Method: "GET",
		Path:   "/items",
		Pagination: &pagination.Config{
			Style: pagination.StyleOffset, MaxLimit: 100, ItemsPath: "data", TotalPath: "total",
		},
	})
	cfg.Auth = &auth.Config{
		Type:         auth.TypeOAuth2,
		ClientID:     "id",
		ClientSecret: "s",
		TokenURL:     server.URL + "/oauth/token",
	}

	// Two sequential calls share one cached token.
	for range 2 {
		result := executor.Execute(context.Background(), cfg, &CallContext{
			Endpoint: "list_items", TenantID: "t1",
		}, &pagination.Request{Limit: 500})
		require.True(t, result.Success)
	}

	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestExecuteAllDrainsPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := json.Number(r.URL.Query().Get("offset")).Int64()

		switch offset {
		case 0:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{"a", "b"}, "total": 5})
		case 2:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{"c", "d"}, "total": 5})
		case 4:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{"e"}, "total": 5})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "total": 5})
		}
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name:   "list",
		Method: "GET",
		Path:   "/things",
		Pagination: &pagination.Config{
			Style: pagination.StyleOffset, ItemsPath: "data", TotalPath: "total", DefaultLimit: 2,
		},
	})

	result := executor.ExecuteAll(context.Background(), cfg, &CallContext{Endpoint: "list"}, nil)

	require.True(t, result.Success)

	items := result.Data.([]any)
	// The last full page still reports hasMore, so one trailing empty page is
	// fetched before termination.
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, items)
	assert.False(t, result.Pagination.HasMore)
}

func TestExecuteAllMidStreamFailureReturnsPartial(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{"a", "b"}, "next": "cur-2"})

			return
		}

		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name:   "list",
		Method: "GET",
		Path:   "/things",
		Retry:  fastRetry(1),
		Pagination: &pagination.Config{
			Style: pagination.StyleCursor, ItemsPath: "items", NextCursorPath: "next",
		},
	})

	result := executor.ExecuteAll(context.Background(), cfg, &CallContext{Endpoint: "list"}, nil)

	require.False(t, result.Success)
	assert.Equal(t, []any{"a", "b"}, result.Data)
	assert.Equal(t, errormap.CodeAuthorization, result.Error.Code)
}

func TestExecuteAllRespectsPageCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{"x"}, "next": "always-more"})
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{
		Name:   "list",
		Method: "GET",
		Path:   "/things",
		Pagination: &pagination.Config{
			Style: pagination.StyleCursor, ItemsPath: "items", NextCursorPath: "next",
		},
	})

	result := executor.ExecuteAllWithLimits(context.Background(), cfg, &CallContext{Endpoint: "list"}, nil, 5, 0)

	require.True(t, result.Success)
	assert.Len(t, result.Data.([]any), 5)
}

func TestExecuteRecordsRequestLog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	executor := NewExecutor(log.WithModule("test"), WithHTTPClient(server.Client()))
	cfg := testConfig(server.URL, Endpoint{Name: "ping", Method: "GET", Path: "/ping"})

	result := executor.Execute(context.Background(), cfg, &CallContext{
		Endpoint:      "ping",
		TenantID:      "t1",
		CorrelationID: "corr-9",
	}, nil)
	require.True(t, result.Success)

	entries := executor.RequestLog().Query(reqlog.Filter{CorrelationID: "corr-9"})
	require.Len(t, entries, 1)
	assert.Equal(t, "test-erp", entries[0].Connector)
	assert.Equal(t, http.StatusOK, entries[0].ResponseStatus)
}

func TestValidateConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		result := ValidateConfig(testConfig("https://api.example.com",
			Endpoint{Name: "a", Method: "GET", Path: "/a"}))
		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("aggregates violations", func(t *testing.T) {
		result := ValidateConfig(&Config{
			BaseURL: "not a url",
			Endpoints: []Endpoint{
				{Name: "a", Method: "", Path: ""},
				{Name: "a", Method: "GET", Path: "/x", Pagination: &pagination.Config{Style: "weird"}},
			},
			Auth: &auth.Config{Type: auth.TypeOAuth2},
		})

		assert.False(t, result.Valid)
		assert.NotEmpty(t, result.Errors)
	})

	t.Run("nil config", func(t *testing.T) {
		assert.False(t, ValidateConfig(nil).Valid)
	})
}
