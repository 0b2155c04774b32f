package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/confluxhq/conflux/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEndpointStore struct {
	endpoints map[string]*Endpoint
}

func (s *staticEndpointStore) WebhookEndpoint(_ context.Context, externalID string) (*Endpoint, error) {
	return s.endpoints[externalID], nil
}

func (s *staticEndpointStore) WebhookEndpointCount(_ context.Context) (int, error) {
	return len(s.endpoints), nil
}

func newTestServer() *Server {
	store := &staticEndpointStore{endpoints: map[string]*Endpoint{
		"hook-1": {
			TenantID: "t1",
			ConfigID: "c1",
			Source:   "erp",
			Config:   &Config{},
			Active:   true,
		},
		"hook-off": {
			TenantID: "t1",
			ConfigID: "c2",
			Source:   "erp",
			Config:   &Config{},
		},
	}}

	return NewServer(0, store, newTestReceiver(), log.WithModule("test"))
}

func TestHandleWebhook(t *testing.T) {
	server := newTestServer()

	t.Run("accepts valid call", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/hook-1",
			strings.NewReader(`{"event_type":"po.created"}`))
		rec := httptest.NewRecorder()

		server.handleWebhook(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var response map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "success", response["status"])
		assert.NotEmpty(t, response["event_id"])
	})

	t.Run("rejects non-POST", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhook/hook-1", nil)
		rec := httptest.NewRecorder()

		server.handleWebhook(rec, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("unknown endpoint returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/nope",
			strings.NewReader(`{"event_type":"x"}`))
		rec := httptest.NewRecorder()

		server.handleWebhook(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("inactive endpoint returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/hook-off",
			strings.NewReader(`{"event_type":"x"}`))
		rec := httptest.NewRecorder()

		server.handleWebhook(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid call returns 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook/hook-1",
			strings.NewReader(`{"no_type_here":1}`))
		rec := httptest.NewRecorder()

		server.handleWebhook(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, float64(2), response["registered_endpoints"])
}
