package errormap

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErrorDefaultBuckets(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		expected   Code
		retryable  bool
	}{
		{"bad request", 400, CodeValidation, false},
		{"unauthorized", 401, CodeAuthentication, false},
		{"forbidden", 403, CodeAuthorization, false},
		{"not found", 404, CodeNotFound, false},
		{"rate limited", 429, CodeRateLimit, true},
		{"server error", 500, CodeServer, true},
		{"bad gateway", 502, CodeServer, true},
		{"not implemented", 501, CodeServer, false},
		{"other 4xx", 422, CodeValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapError(&HTTPError{StatusCode: tt.statusCode}, nil)
			require.NotNil(t, mapped)
			assert.Equal(t, tt.expected, mapped.Code)
			assert.Equal(t, tt.retryable, mapped.Retryable)
			assert.Equal(t, tt.statusCode, mapped.StatusCode)
		})
	}
}

func TestMapErrorRulePrecedence(t *testing.T) {
	retryable := true
	rules := []Rule{
		{
			StatusCode:    400,
			ErrorCodePath: "error.code",
			Match:         "THROTTLED",
			Code:          CodeRateLimit,
			Retryable:     &retryable,
		},
		{
			StatusRange: [2]int{400, 499},
			Code:        CodeValidation,
			Message:     "client side problem",
		},
	}

	body := []byte(`{"error":{"code":"THROTTLED"}}`)
	mapped := MapError(&HTTPError{StatusCode: 400, Body: body}, rules)
	assert.Equal(t, CodeRateLimit, mapped.Code)
	assert.True(t, mapped.Retryable)

	// First rule requires the error code path; without it the range rule wins.
	mapped = MapError(&HTTPError{StatusCode: 418, Body: []byte(`{}`)}, rules)
	assert.Equal(t, CodeValidation, mapped.Code)
	assert.Equal(t, "client side problem", mapped.Message)
	assert.False(t, mapped.Retryable)
}

func TestMapErrorTransportHeuristics(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		expected  Code
		retryable bool
	}{
		{"timeout", errors.New("context deadline exceeded"), CodeTimeout, true},
		{"dial refused", errors.New("dial tcp: connection refused"), CodeConnection, true},
		{"dns", errors.New("lookup api.example.com: no such host"), CodeConnection, true},
		{"unknown", errors.New("something odd happened"), CodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapError(tt.err, nil)
			assert.Equal(t, tt.expected, mapped.Code)
			assert.Equal(t, tt.retryable, mapped.Retryable)
		})
	}
}

func TestIsRetryableStatusCode(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetryableStatusCode(code), "status %d", code)
	}

	for _, code := range []int{200, 301, 400, 401, 404, 501, 505} {
		assert.False(t, IsRetryableStatusCode(code), "status %d", code)
	}
}

func TestRetryableUnifiesBothPaths(t *testing.T) {
	assert.True(t, Retryable(&HTTPError{StatusCode: 503}, nil))
	assert.False(t, Retryable(&HTTPError{StatusCode: 400}, nil))
	assert.True(t, Retryable(&HTTPError{StatusCode: 418}, []int{418}))
	assert.False(t, Retryable(&HTTPError{StatusCode: 503}, []int{418}))
	assert.True(t, Retryable(errors.New("read tcp: connection reset by peer"), nil))
	assert.False(t, Retryable(nil, nil))
}

func TestRetryDelay(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("retry-after seconds", func(t *testing.T) {
		headers := http.Header{"Retry-After": []string{"30"}}
		delay, ok := RetryDelay(headers, now)
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, delay)
	})

	t.Run("retry-after http date", func(t *testing.T) {
		headers := http.Header{"Retry-After": []string{now.Add(90 * time.Second).Format(http.TimeFormat)}}
		delay, ok := RetryDelay(headers, now)
		require.True(t, ok)
		assert.Equal(t, 90*time.Second, delay)
	})

	t.Run("rate limit reset delta seconds", func(t *testing.T) {
		headers := http.Header{"X-Ratelimit-Reset": []string{"15"}}
		delay, ok := RetryDelay(headers, now)
		require.True(t, ok)
		assert.Equal(t, 15*time.Second, delay)
	})

	t.Run("rate limit reset unix seconds", func(t *testing.T) {
		headers := http.Header{"X-Ratelimit-Reset": []string{"1740830460"}}
		delay, ok := RetryDelay(headers, time.Unix(1740830400, 0))
		require.True(t, ok)
		assert.Equal(t, time.Minute, delay)
	})

	t.Run("rate limit reset unix millis", func(t *testing.T) {
		headers := http.Header{"X-Ratelimit-Reset": []string{"1740830460000"}}
		delay, ok := RetryDelay(headers, time.Unix(1740830400, 0))
		require.True(t, ok)
		assert.Equal(t, time.Minute, delay)
	})

	t.Run("no headers", func(t *testing.T) {
		_, ok := RetryDelay(http.Header{}, now)
		assert.False(t, ok)
	})
}
