package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/confluxhq/conflux/pkg/connector/auth"
	"github.com/confluxhq/conflux/pkg/connector/errormap"
	"github.com/confluxhq/conflux/pkg/connector/mapping"
	"github.com/confluxhq/conflux/pkg/connector/pagination"
	"github.com/confluxhq/conflux/pkg/connector/reqlog"
	"github.com/confluxhq/conflux/pkg/otelhelper"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultTimeout    = 30 * time.Second
	defaultMaxPages   = 100
)

var pathParamPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Executor runs logical calls against declared connector endpoints.
type Executor struct {
	client       *http.Client
	authProvider *auth.Provider
	requestLog   *reqlog.Logger
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

type ExecutorOption func(*Executor)

func WithHTTPClient(client *http.Client) ExecutorOption {
	return func(e *Executor) {
		e.client = client
	}
}

func WithRequestLog(requestLog *reqlog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.requestLog = requestLog
	}
}

func WithTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

func NewExecutor(logger *slog.Logger, opts ...ExecutorOption) *Executor {
	executor := &Executor{
		client: &http.Client{},
		logger: logger.With("module", "connector_executor"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(executor)
	}

	if executor.authProvider == nil {
		executor.authProvider = auth.NewProvider(executor.client, logger)
	}

	if executor.requestLog == nil {
		executor.requestLog = reqlog.New()
	}

	return executor
}

// RequestLog exposes the executor's request log for inspection endpoints.
func (e *Executor) RequestLog() *reqlog.Logger {
	return e.requestLog
}

// AuthProvider exposes the shared token cache, e.g. for invalidation.
func (e *Executor) AuthProvider() *auth.Provider {
	return e.authProvider
}

// Execute runs one logical call. Expected failures (transport faults, error
// statuses, exhausted retries) are returned inside the ExecutionResult; the
// method itself never returns an error to the caller.
func (e *Executor) Execute(ctx context.Context, cfg *Config, call *CallContext, pageReq *pagination.Request) *ExecutionResult {
	started := e.now()
	requestID := uuid.New().String()
	meta := Metadata{RequestID: requestID}

	logger := e.logger.With(
		"connector", cfg.Name,
		"endpoint", call.Endpoint,
		"tenant_id", call.TenantID,
		"request_id", requestID,
	)

	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "connector.execute",
			attribute.String(otelhelper.ConnectorKey, cfg.Name),
			attribute.String(otelhelper.EndpointKey, call.Endpoint),
			attribute.String(otelhelper.TenantIDKey, call.TenantID),
			attribute.String(otelhelper.RequestIDKey, requestID),
		)
		defer span.End()
	}

	endpoint, found := findEndpoint(cfg, call.Endpoint)
	if !found {
		meta.DurationMs = e.sinceMs(started)
		logger.Warn("Endpoint not declared on connector")

		return failure(CodeEndpointNotFound,
			fmt.Sprintf("endpoint %q not found on connector %q", call.Endpoint, cfg.Name),
			false, meta)
	}

	retry := retryConfig(endpoint)

	var (
		resp     *attemptResponse
		lastErr  error
	)

	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(retry, attempt-1)
			if resp != nil {
				if serverDelay, ok := errormap.RetryDelay(resp.header, e.now()); ok {
					delay = serverDelay
				}
			}

			logger.Info("Retrying connector call", "attempt", attempt, "delay", delay)

			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(delay):
			}

			if lastErr != nil && ctx.Err() != nil {
				break
			}
		}

		resp, lastErr = e.attempt(ctx, cfg, endpoint, call, pageReq, requestID)
		if lastErr == nil {
			break
		}

		if !errormap.Retryable(lastErr, retry.RetryStatusCodes) {
			break
		}
	}

	meta.DurationMs = e.sinceMs(started)

	if lastErr != nil {
		rules := append(append([]errormap.Rule{}, endpoint.ErrorRules...), cfg.ErrorRules...)
		mapped := errormap.MapError(lastErr, rules)
		meta.StatusCode = mapped.StatusCode

		logger.Error("Connector call failed",
			"error_code", mapped.Code,
			"retryable", mapped.Retryable,
			"status_code", mapped.StatusCode,
			"error", mapped.Message)

		return &ExecutionResult{Success: false, Error: mapped, Metadata: meta}
	}

	meta.StatusCode = resp.statusCode

	page, err := pagination.ParseResponse(endpoint.Pagination, resp.body, resp.header)
	if err != nil {
		logger.Error("Failed to parse response page", "error", err)

		return failure(errormap.CodeUnknown, err.Error(), false, meta)
	}

	data, err := shapeResponse(endpoint, resp.body, page)
	if err != nil {
		logger.Error("Failed to map response", "error", err)

		return failure(errormap.CodeUnknown, err.Error(), false, meta)
	}

	logger.Debug("Connector call succeeded", "status_code", resp.statusCode, "duration_ms", meta.DurationMs)

	return &ExecutionResult{
		Success: true,
		Data:    data,
		Pagination: &PageInfo{
			HasMore:    page.HasMore,
			NextCursor: page.NextCursor,
			NextURL:    page.NextURL,
			Page:       page.Page,
			Total:      page.Total,
		},
		Metadata: meta,
	}
}

// ExecuteAll drains a paginated collection, accumulating items until the
// connector reports no more pages, the page cap is reached, or a page fails.
// A mid-stream failure returns the partial items plus the error.
func (e *Executor) ExecuteAll(ctx context.Context, cfg *Config, call *CallContext, pageReq *pagination.Request) *ExecutionResult {
	return e.executeAll(ctx, cfg, call, pageReq, defaultMaxPages, 0)
}

// ExecuteAllWithLimits is ExecuteAll with an explicit page cap and inter-page
// delay.
func (e *Executor) ExecuteAllWithLimits(ctx context.Context, cfg *Config, call *CallContext, pageReq *pagination.Request, maxPages int, pageDelay time.Duration) *ExecutionResult {
	return e.executeAll(ctx, cfg, call, pageReq, maxPages, pageDelay)
}

func (e *Executor) executeAll(ctx context.Context, cfg *Config, call *CallContext, pageReq *pagination.Request, maxPages int, pageDelay time.Duration) *ExecutionResult {
	started := e.now()

	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	if pageReq == nil {
		pageReq = &pagination.Request{}
	}

	items := make([]any, 0)

	var lastMeta Metadata

	for page := 0; page < maxPages; page++ {
		if page > 0 && pageDelay > 0 {
			select {
			case <-ctx.Done():
				return e.partialResult(items, &errormap.MappedError{
					Code: errormap.CodeTimeout, Message: ctx.Err().Error(), Retryable: false,
				}, started, lastMeta)
			case <-time.After(pageDelay):
			}
		}

		result := e.Execute(ctx, cfg, call, pageReq)
		lastMeta = result.Metadata

		if !result.Success {
			return e.partialResult(items, result.Error, started, lastMeta)
		}

		items = append(items, pageItems(result.Data)...)

		if result.Pagination == nil || !result.Pagination.HasMore {
			break
		}

		advancePageRequest(pageReq, result.Pagination, len(pageItems(result.Data)))
	}

	return &ExecutionResult{
		Success: true,
		Data:    items,
		Pagination: &PageInfo{HasMore: false, Total: len(items)},
		Metadata: Metadata{
			RequestID:  lastMeta.RequestID,
			DurationMs: e.sinceMs(started),
			StatusCode: lastMeta.StatusCode,
		},
	}
}

func (e *Executor) partialResult(items []any, mapped *errormap.MappedError, started time.Time, lastMeta Metadata) *ExecutionResult {
	return &ExecutionResult{
		Success: false,
		Data:    items,
		Error:   mapped,
		Metadata: Metadata{
			RequestID:  lastMeta.RequestID,
			DurationMs: e.sinceMs(started),
			StatusCode: lastMeta.StatusCode,
		},
	}
}

func advancePageRequest(pageReq *pagination.Request, info *PageInfo, itemsReturned int) {
	switch {
	case info.NextCursor != "":
		pageReq.Cursor = info.NextCursor
	case info.NextURL != "":
		pageReq.NextURL = info.NextURL
	case info.Page > 0:
		pageReq.Page = info.Page + 1
	default:
		if pageReq.Page > 0 {
			pageReq.Page++
		} else {
			pageReq.Offset += itemsReturned
		}
	}
}

// pageItems normalizes the Data slot of one page into a flat item list.
func pageItems(data any) []any {
	switch v := data.(type) {
	case []any:
		return v
	case nil:
		return nil
	default:
		return []any{v}
	}
}

type attemptResponse struct {
	statusCode int
	header     http.Header
	body       []byte
}

// attempt performs a single HTTP round trip. Error statuses are returned as
// *errormap.HTTPError so the retry loop and classifier share one shape.
func (e *Executor) attempt(ctx context.Context, cfg *Config, endpoint *Endpoint, call *CallContext, pageReq *pagination.Request, requestID string) (*attemptResponse, error) {
	req, reqBody, err := e.buildRequest(ctx, cfg, endpoint, call, pageReq)
	if err != nil {
		return nil, err
	}

	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req = req.WithContext(attemptCtx)

	attemptStart := e.now()
	resp, err := e.client.Do(req)

	logEntry := &reqlog.Entry{
		CorrelationID:  call.CorrelationID,
		TenantID:       call.TenantID,
		ConfigID:       call.ConfigID,
		Connector:      cfg.Name,
		Endpoint:       endpoint.Name,
		Method:         req.Method,
		URL:            req.URL.String(),
		RequestHeaders: flattenHeader(req.Header),
		RequestBody:    reqBody,
	}

	if err != nil {
		logEntry.Error = err.Error()
		logEntry.DurationMs = e.sinceMs(attemptStart)
		e.requestLog.Record(logEntry)

		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		logEntry.Error = err.Error()
		logEntry.DurationMs = e.sinceMs(attemptStart)
		e.requestLog.Record(logEntry)

		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	logEntry.ResponseStatus = resp.StatusCode
	logEntry.ResponseHeaders = flattenHeader(resp.Header)
	logEntry.ResponseBody = decodeForLog(body)
	logEntry.DurationMs = e.sinceMs(attemptStart)
	e.requestLog.Record(logEntry)

	if resp.StatusCode >= 400 {
		return &attemptResponse{statusCode: resp.StatusCode, header: resp.Header, body: body},
			&errormap.HTTPError{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}
	}

	return &attemptResponse{statusCode: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (e *Executor) buildRequest(ctx context.Context, cfg *Config, endpoint *Endpoint, call *CallContext, pageReq *pagination.Request) (*http.Request, any, error) {
	inputJSON, err := json.Marshal(call.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode call input: %w", err)
	}

	requestURL, err := resolveURL(cfg.BaseURL, endpoint.Path, call.Input, pageReq)
	if err != nil {
		return nil, nil, err
	}

	query := requestURL.Query()

	for name, value := range endpoint.QueryParams {
		query.Set(name, value)
	}

	for name, value := range pagination.BuildParams(endpoint.Pagination, pageReq) {
		query.Set(name, value)
	}

	requestURL.RawQuery = query.Encode()

	var (
		bodyReader io.Reader
		loggedBody any
	)

	method := strings.ToUpper(endpoint.Method)

	if method != http.MethodGet && method != http.MethodHead {
		bodyBytes := inputJSON

		if len(endpoint.RequestMapping) > 0 {
			bodyBytes, err = mapping.Apply(endpoint.RequestMapping, inputJSON)
			if err != nil {
				return nil, nil, fmt.Errorf("request mapping failed: %w", err)
			}
		}

		if len(bodyBytes) > 0 && string(bodyBytes) != "null" {
			bodyReader = bytes.NewReader(bodyBytes)
			loggedBody = decodeForLog(bodyBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL.String(), bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}

	for name, value := range endpoint.Headers {
		req.Header.Set(name, value)
	}

	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	cacheKey := call.TenantID + ":" + cfg.Name
	if err := e.authProvider.Apply(ctx, req, cfg.Auth, cacheKey); err != nil {
		return nil, nil, fmt.Errorf("failed to apply auth: %w", err)
	}

	return req, loggedBody, nil
}

// resolveURL joins the base URL with the endpoint path, substituting {param}
// placeholders from the call input. A pagination NextURL overrides the whole
// target (link-style pagination follows absolute URLs).
func resolveURL(baseURL, path string, input map[string]any, pageReq *pagination.Request) (*url.URL, error) {
	if pageReq != nil && pageReq.NextURL != "" {
		next, err := url.Parse(pageReq.NextURL)
		if err != nil {
			return nil, fmt.Errorf("invalid next page url: %w", err)
		}

		return next, nil
	}

	resolved := pathParamPattern.ReplaceAllStringFunc(path, func(match string) string {
		name := strings.Trim(match, "{}")
		if value, ok := input[name]; ok {
			return url.PathEscape(fmt.Sprintf("%v", value))
		}

		return match
	})

	joined := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(resolved, "/")

	parsed, err := url.Parse(joined)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", joined, err)
	}

	return parsed, nil
}

// shapeResponse applies the endpoint's response mapping to the parsed page.
func shapeResponse(endpoint *Endpoint, body []byte, page *pagination.PageResult) (any, error) {
	if len(endpoint.ResponseMapping) == 0 {
		if endpoint.Pagination != nil && endpoint.Pagination.Style != pagination.StyleNone && endpoint.Pagination.Style != "" {
			return page.Items, nil
		}

		return gjson.ParseBytes(body).Value(), nil
	}

	if endpoint.Pagination != nil && endpoint.Pagination.Style != pagination.StyleNone && endpoint.Pagination.Style != "" {
		mapped := make([]any, 0, len(page.Items))

		for _, item := range page.Items {
			itemJSON, err := json.Marshal(item)
			if err != nil {
				return nil, err
			}

			shaped, err := mapping.Apply(endpoint.ResponseMapping, itemJSON)
			if err != nil {
				return nil, err
			}

			mapped = append(mapped, gjson.ParseBytes(shaped).Value())
		}

		return mapped, nil
	}

	shaped, err := mapping.Apply(endpoint.ResponseMapping, body)
	if err != nil {
		return nil, err
	}

	return gjson.ParseBytes(shaped).Value(), nil
}

func findEndpoint(cfg *Config, name string) (*Endpoint, bool) {
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].Name == name {
			return &cfg.Endpoints[i], true
		}
	}

	return nil, false
}

func retryConfig(endpoint *Endpoint) RetryConfig {
	retry := RetryConfig{
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
		Backoff:    BackoffExponential,
	}

	if endpoint.Retry != nil {
		if endpoint.Retry.MaxRetries > 0 {
			retry.MaxRetries = endpoint.Retry.MaxRetries
		}

		if endpoint.Retry.RetryDelay > 0 {
			retry.RetryDelay = endpoint.Retry.RetryDelay
		}

		if endpoint.Retry.Backoff != "" {
			retry.Backoff = endpoint.Retry.Backoff
		}

		retry.RetryStatusCodes = endpoint.Retry.RetryStatusCodes
	}

	return retry
}

// backoffDelay computes the delay before retry attempt n (zero-based).
func backoffDelay(retry RetryConfig, n int) time.Duration {
	if retry.Backoff == BackoffLinear {
		return retry.RetryDelay * time.Duration(n+1)
	}

	return retry.RetryDelay * time.Duration(1<<n)
}

func (e *Executor) sinceMs(started time.Time) int64 {
	return e.now().Sub(started).Milliseconds()
}

func flattenHeader(header http.Header) map[string]string {
	if len(header) == 0 {
		return nil
	}

	flat := make(map[string]string, len(header))

	for name, values := range header {
		flat[name] = strings.Join(values, ", ")
	}

	return flat
}

func decodeForLog(body []byte) any {
	if len(body) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}

	return decoded
}

// ValidateConfig statically checks a connector declaration and delegates to
// the auth, pagination, and mapping validators.
func ValidateConfig(cfg *Config) ValidationResult {
	var violations []string

	if cfg == nil {
		return ValidationResult{Valid: false, Errors: []string{"connector config is required"}}
	}

	if cfg.Name == "" {
		violations = append(violations, "connector name is required")
	}

	if cfg.BaseURL == "" {
		violations = append(violations, "base_url is required")
	} else if parsed, err := url.Parse(cfg.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		violations = append(violations, fmt.Sprintf("base_url %q is not a valid absolute URL", cfg.BaseURL))
	}

	if len(cfg.Endpoints) == 0 {
		violations = append(violations, "at least one endpoint is required")
	}

	seen := make(map[string]bool)

	for i, endpoint := range cfg.Endpoints {
		prefix := fmt.Sprintf("endpoint %d (%s)", i, endpoint.Name)

		if endpoint.Name == "" {
			violations = append(violations, fmt.Sprintf("endpoint %d has no name", i))
		} else if seen[endpoint.Name] {
			violations = append(violations, fmt.Sprintf("duplicate endpoint name %q", endpoint.Name))
		}

		seen[endpoint.Name] = true

		if endpoint.Method == "" {
			violations = append(violations, prefix+": method is required")
		}

		if endpoint.Path == "" {
			violations = append(violations, prefix+": path is required")
		}

		for _, v := range pagination.ValidateConfig(endpoint.Pagination) {
			violations = append(violations, prefix+": "+v)
		}

		for _, v := range mapping.ValidateRules(endpoint.RequestMapping) {
			violations = append(violations, prefix+": request "+v)
		}

		for _, v := range mapping.ValidateRules(endpoint.ResponseMapping) {
			violations = append(violations, prefix+": response "+v)
		}
	}

	violations = append(violations, auth.ValidateConfig(cfg.Auth)...)

	return ValidationResult{Valid: len(violations) == 0, Errors: violations}
}
