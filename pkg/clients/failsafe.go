package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"spyglass/pkg/logging"
)

// Outbound HTTP here is all short idempotent calls: CDN readiness
// probes, source prefetches, upload-status polls. The executor wraps
// them in a bounded retry and, where the far side is shared (the CDN
// edge), a circuit breaker so a dead origin sheds load instead of
// stacking retries.

// CircuitBreakerConfig configures the breaker half of an HTTP executor.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in state-change logs.
	Name string

	// Cooldown is how long the circuit stays open before a trial
	// request is allowed through again.
	Cooldown time.Duration

	// FailureRatio of the last MinRequests calls that trips the
	// circuit. Errors and 5xx responses count as failures.
	FailureRatio float64
	MinRequests  uint32

	// SuccessThreshold is how many half-open successes close the
	// circuit again.
	SuccessThreshold uint32

	// Logger receives state-change warnings. Nil disables them.
	Logger logging.Logger
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 8
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	return cfg
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// NewHTTPCircuitBreaker builds a breaker that treats transport errors
// and 5xx responses as failures.
//
//nolint:bodyclose // false positive: [*http.Response] is a generic type parameter, not an actual response
func NewHTTPCircuitBreaker(cfg CircuitBreakerConfig) circuitbreaker.CircuitBreaker[*http.Response] {
	cfg = cfg.withDefaults()

	failures := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if failures < 1 {
		failures = 1
	}

	builder := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(failures, uint(cfg.MinRequests)).
		WithDelay(cfg.Cooldown).
		WithSuccessThreshold(uint(cfg.SuccessThreshold)).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= 500
		})

	if cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			cfg.Logger.WithFields(logging.Fields{
				"circuit_breaker": cfg.Name,
				"from_state":      stateName(event.OldState),
				"to_state":        stateName(event.NewState),
			}).Warn("circuit breaker state change")
		})
	}

	return builder.Build()
}

// DefaultShouldRetry retries network errors, server errors (5xx), and
// rate limits (429). A 404 from a probe is a real answer, not a fault.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// HTTPExecutorConfig configures the retry policy and optional breaker.
type HTTPExecutorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// CircuitBreaker, when set, shares the executor's failure stream
	// with a breaker built from this config.
	CircuitBreaker *CircuitBreakerConfig

	// ShouldRetry decides whether an attempt's outcome is retried.
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultHTTPExecutorConfig suits probe- and poll-style calls: a viewer
// is waiting on the result, so two quick retries and give up.
func DefaultHTTPExecutorConfig() HTTPExecutorConfig {
	return HTTPExecutorConfig{
		MaxRetries:  2,
		BaseDelay:   150 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

func normalizeHTTPExecutorConfig(cfg HTTPExecutorConfig) HTTPExecutorConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 150 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	return cfg
}

// NewHTTPRetryPolicy creates a retry policy with exponential backoff
// and a little jitter so parallel preloads don't retry in lockstep.
//
//nolint:bodyclose // false positive: [*http.Response] is a generic type parameter, not an actual response
func NewHTTPRetryPolicy(cfg HTTPExecutorConfig) retrypolicy.RetryPolicy[*http.Response] {
	cfg = normalizeHTTPExecutorConfig(cfg)
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			return cfg.ShouldRetry(resp, err)
		}).
		Build()
}

// NewHTTPExecutor combines the retry policy with an optional circuit
// breaker. The breaker sits inside the retry, so every attempt is
// recorded and an open circuit fails attempts immediately.
//
//nolint:bodyclose // false positive: [*http.Response] is a generic type parameter, not an actual response
func NewHTTPExecutor(cfg HTTPExecutorConfig) failsafe.Executor[*http.Response] {
	retry := NewHTTPRetryPolicy(cfg)
	if cfg.CircuitBreaker != nil {
		return failsafe.With(retry, NewHTTPCircuitBreaker(*cfg.CircuitBreaker))
	}
	return failsafe.With(retry)
}

// ExecuteHTTP runs one request through the executor under ctx.
func ExecuteHTTP(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}
