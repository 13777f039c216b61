package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/convoy/internal/backend"
)

// RetryConfig configures exponential backoff for agent sends.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.Reset()
	return b
}

// BreakerSettings tune every breaker created by a registry.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Failures that trip the breaker (default 5)
	OpenTimeout         time.Duration // Time open before half-open probing (default 30s)
	HalfOpenRequests    uint32        // Probe requests allowed half-open (default 3)
}

// CircuitBreakerRegistry manages one breaker per agent role, shared by every
// runner in the process so a failing CLI stops all slots at once.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
	logger   *zap.Logger
}

// NewCircuitBreakerRegistry creates a registry with default settings.
func NewCircuitBreakerRegistry(logger *zap.Logger) *CircuitBreakerRegistry {
	return NewCircuitBreakerRegistryWithSettings(logger, BreakerSettings{})
}

// NewCircuitBreakerRegistryWithSettings creates a registry with explicit settings.
func NewCircuitBreakerRegistryWithSettings(logger *zap.Logger, settings BreakerSettings) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 3
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		logger:   logger.Named("breaker"),
	}
}

// Get returns the breaker for role, creating it on first use.
func (r *CircuitBreakerRegistry) Get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	trip := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        role,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // counts are never cleared while closed
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("agent_role", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is ours, not a backend failure.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[role] = cb
	return cb
}

// sendWithRetry sends msg through the breaker, retrying transient errors with
// exponential backoff. An open breaker or a cancelled context stops retrying.
func sendWithRetry(ctx context.Context, b backend.Backend, msg backend.Message, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return b.Send(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(backend.Response)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(retryCfg.policy(), ctx))
	return resp, err
}
