package httpclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryStrategy(t *testing.T) {
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusTooManyRequests))
	assert.Equal(t, SmartRetry, DefaultRetryStrategy(http.StatusServiceUnavailable))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusRequestTimeout))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusInternalServerError))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusBadGateway))
	assert.Equal(t, ConservativeRetry, DefaultRetryStrategy(http.StatusGatewayTimeout))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusBadRequest))
	assert.Equal(t, NoRetry, DefaultRetryStrategy(http.StatusUnauthorized))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(
		WithMaxRetries(3),
		WithBaseDelay(time.Millisecond),
	)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoHonorsStrategyFunc(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(
		WithMaxRetries(3),
		WithBaseDelay(time.Millisecond),
		WithRetryStrategy(func(statusCode int) RetryStrategy { return NoRetry }),
	)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int32(1), hits.Load(), "NoRetry strategies give up on the first failure")
}

func TestDoReturnsRetryableErrorWhenExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(
		WithMaxRetries(1),
		WithBaseDelay(time.Millisecond),
	)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	defer resp.Body.Close()

	var retryErr *RetryableError
	require.True(t, errors.As(err, &retryErr))
	assert.Equal(t, http.StatusTooManyRequests, retryErr.StatusCode)
	assert.Contains(t, retryErr.Error(), "HTTP 429")
	assert.Equal(t, int32(2), hits.Load())
}

func TestSmartRetryUsesRetryAfterHeader(t *testing.T) {
	client := New(WithBaseDelay(time.Second))

	delay := client.calculateDelay(SmartRetry, 0, RateLimitInfo{RetryAfter: 250 * time.Millisecond})
	assert.Equal(t, 250*time.Millisecond, delay)

	// Without provider headers the delay backs off exponentially.
	first := client.calculateDelay(SmartRetry, 0, RateLimitInfo{})
	second := client.calculateDelay(SmartRetry, 1, RateLimitInfo{})
	assert.Greater(t, second, first)
}

func TestConservativeRetryGivesUpAfterTwo(t *testing.T) {
	client := New()
	assert.Equal(t, 2*time.Second, client.calculateDelay(ConservativeRetry, 0, RateLimitInfo{}))
	assert.Equal(t, 3*time.Second, client.calculateDelay(ConservativeRetry, 1, RateLimitInfo{}))
	assert.Equal(t, time.Duration(0), client.calculateDelay(ConservativeRetry, 2, RateLimitInfo{}))
}
