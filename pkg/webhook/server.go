package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	serverReadTimeout     = 30 * time.Second
	serverWriteTimeout    = 30 * time.Second
	serverIdleTimeout     = 60 * time.Second
	serverShutdownTimeout = 5 * time.Second
	maxRequestBodySize    = 1024 * 1024 // 1MB max request body
)

// Endpoint resolves an ingress path segment to a tenant's webhook
// configuration.
type Endpoint struct {
	TenantID string
	ConfigID string
	Source   string
	Config   *Config
	Active   bool
}

// EndpointStore defines the minimal lookup interface the server needs.
type EndpointStore interface {
	WebhookEndpoint(ctx context.Context, externalID string) (*Endpoint, error)
	WebhookEndpointCount(ctx context.Context) (int, error)
}

// Server exposes the webhook ingress over HTTP and feeds accepted calls into
// a Receiver.
type Server struct {
	server   *http.Server
	port     int
	store    EndpointStore
	receiver *Receiver
	logger   *slog.Logger
	mu       sync.Mutex
	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

func NewServer(port int, store EndpointStore, receiver *Receiver, logger *slog.Logger) *Server {
	return &Server{
		port:     port,
		store:    store,
		receiver: receiver,
		logger:   logger.With("module", "webhook_server", "port", port),
		done:     make(chan struct{}),
	}
}

// Start begins serving webhook requests and shuts down when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", s.handleWebhook)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	s.started = true
	s.logger.Info("Starting webhook server", "addr", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Webhook server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.Error("Error during webhook server shutdown", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.Info("Stopping webhook server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", "error", err)

		return err
	}

	s.started = false
	s.doneOnce.Do(func() {
		close(s.done)
	})

	s.logger.Info("Webhook server stopped successfully")

	return nil
}

// Done returns a channel closed when the server has shut down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	externalID := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if externalID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing webhook ID in path")

		return
	}

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Only POST method allowed")

		return
	}

	endpoint, err := s.store.WebhookEndpoint(r.Context(), externalID)
	if err != nil {
		s.logger.Error("Error resolving webhook endpoint", "external_id", externalID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error processing webhook")

		return
	}

	if endpoint == nil || !endpoint.Active {
		s.logger.Warn("Webhook request for unknown or inactive endpoint",
			"external_id", externalID, "remote_addr", r.RemoteAddr)
		s.writeError(w, http.StatusNotFound, "Webhook not found")

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("Error reading request body", "external_id", externalID, "error", err)
		s.writeError(w, http.StatusBadRequest, "Error reading request body")

		return
	}

	result := s.receiver.Process(endpoint.Config, endpoint.TenantID, endpoint.ConfigID,
		endpoint.Source, body, flattenHeaders(r.Header))
	if !result.Valid {
		s.writeError(w, http.StatusBadRequest, result.Error)

		return
	}

	s.logger.Info("Webhook processed successfully",
		"external_id", externalID,
		"event_id", result.Event.ID,
		"event_type", result.Event.EventType,
		"remote_addr", r.RemoteAddr,
		"content_length", r.ContentLength)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":   "success",
		"event_id": result.Event.ID,
	}); err != nil {
		s.logger.Error("Error encoding success response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	var endpointCount int

	if s.store != nil {
		if count, err := s.store.WebhookEndpointCount(r.Context()); err == nil {
			endpointCount = count
		}
	}

	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":               "healthy",
		"registered_endpoints": endpointCount,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Error("Error encoding health response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":  "error",
		"message": message,
		"code":    statusCode,
	}); err != nil {
		s.logger.Error("Error encoding error response", "error", err)
	}
}

func flattenHeaders(header http.Header) map[string]string {
	headers := make(map[string]string, len(header))

	for name, values := range header {
		if len(values) > 0 {
			headers[name] = strings.Join(values, ", ")
		}
	}

	return headers
}
