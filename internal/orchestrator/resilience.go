package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/backend"
	"github.com/aristath/parallax/internal/config"
)

// RetryConfig configures exponential backoff around executor calls.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryFromConfig(config.DefaultConfig().Retry)
}

// RetryFromConfig converts the retry configuration section.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	return RetryConfig{
		InitialInterval:     c.InitialInterval,
		MaxInterval:         c.MaxInterval,
		MaxElapsedTime:      c.MaxElapsedTime,
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
	}
}

// CircuitBreakerRegistry holds one breaker per agent role, so a role whose
// executor keeps failing stops burning retries while other roles continue.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for role, creating it on first use.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: 3, // Probes allowed while half-open
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed",
				zap.String("role", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not an executor failure.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[role] = cb
	return cb
}

// executeWithRetry runs the task through the breaker, retrying transient
// executor failures with exponential backoff. A failed acceptance check is a
// result, not an error, and is never retried.
func executeWithRetry(ctx context.Context, b backend.Backend, req backend.Request, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (backend.Result, error) {
	var res backend.Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return b.Execute(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || errors.Is(err, backend.ErrNoCommand) {
				return backoff.Permanent(err)
			}
			return err
		}

		res = out.(backend.Result)
		return nil
	}

	err := retry(ctx, retryCfg, operation)
	return res, err
}

// retry runs operation with exponential backoff until it succeeds, returns a
// backoff.Permanent error, or the policy gives up.
func retry(ctx context.Context, cfg RetryConfig, operation backoff.Operation) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
