package clients

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go"
)

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicy_NormalizesConfigToBoundRetries(t *testing.T) {
	cfg := HTTPExecutorConfig{
		MaxRetries: -3,
		BaseDelay:  0,
		MaxDelay:   0,
	}
	policy := NewHTTPRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("network partition")
	})
	if err == nil {
		t.Fatal("expected request to fail")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("expected bounded single attempt with negative retries, got %d", got)
	}
}

//nolint:bodyclose // test responses have no body
func TestNewHTTPRetryPolicy_RetriesUpToConfiguredLimit(t *testing.T) {
	cfg := HTTPExecutorConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		ShouldRetry: func(_ *http.Response, err error) bool {
			return err != nil
		},
	}
	policy := NewHTTPRetryPolicy(cfg)

	var attempts int32
	_, err := failsafe.With(policy).Get(func() (*http.Response, error) {
		count := atomic.AddInt32(&attempts, 1)
		if count < 3 {
			return nil, errors.New("dns lag")
		}
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestDefaultShouldRetry_Boundaries(t *testing.T) {
	if !DefaultShouldRetry(nil, errors.New("connection refused")) {
		t.Fatal("expected network error to be retryable")
	}
	if !DefaultShouldRetry(&http.Response{StatusCode: http.StatusServiceUnavailable}, nil) {
		t.Fatal("expected 503 to be retryable")
	}
	if !DefaultShouldRetry(&http.Response{StatusCode: http.StatusTooManyRequests}, nil) {
		t.Fatal("expected 429 to be retryable")
	}
	if DefaultShouldRetry(&http.Response{StatusCode: http.StatusNotFound}, nil) {
		t.Fatal("expected 404 to be non-retryable")
	}
	if DefaultShouldRetry(&http.Response{StatusCode: http.StatusOK}, nil) {
		t.Fatal("expected 200 to be non-retryable")
	}
}

//nolint:bodyclose // test responses have no body
func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewHTTPCircuitBreaker(CircuitBreakerConfig{
		Name:         "cdn-probe",
		MinRequests:  4,
		FailureRatio: 0.5,
	})

	if !cb.IsClosed() {
		t.Fatal("expected new breaker to start closed")
	}

	exec := failsafe.With(cb)
	for i := 0; i < 4; i++ {
		_, _ = exec.Get(func() (*http.Response, error) {
			return nil, errors.New("upstream down")
		})
	}

	if !cb.IsOpen() {
		t.Fatal("expected breaker to open after repeated failures")
	}
	if _, err := exec.Get(func() (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK}, nil
	}); err == nil {
		t.Fatal("expected open breaker to reject calls")
	}
}

//nolint:bodyclose // test responses have no body
func TestNewHTTPExecutorHonorsBreakerConfig(t *testing.T) {
	executor := NewHTTPExecutor(HTTPExecutorConfig{
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		CircuitBreaker: &CircuitBreakerConfig{
			Name:         "cdn-probe",
			MinRequests:  2,
			FailureRatio: 1,
		},
	})

	var calls int32
	for i := 0; i < 2; i++ {
		_, _ = ExecuteHTTP(context.Background(), executor, func() (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("upstream down")
		})
	}

	// Two failures out of two trips the configured threshold; the next
	// call must be rejected without reaching the origin.
	_, err := ExecuteHTTP(context.Background(), executor, func() (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if err == nil {
		t.Fatal("expected open breaker to short-circuit the call")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected origin untouched after circuit opened, got %d calls", got)
	}
}
