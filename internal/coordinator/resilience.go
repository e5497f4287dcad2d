package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures the delay schedule for re-queued task attempts.
type RetryConfig struct {
	InitialInterval     time.Duration // First re-queue delay (default 100ms)
	MaxInterval         time.Duration // Maximum re-queue delay (default 10s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackoffPolicy builds a per-task backoff schedule from the config.
// MaxElapsedTime is zero: the retry budget, not elapsed time, bounds the
// number of attempts.
func newBackoffPolicy(cfg RetryConfig) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0
	return policy
}

// BreakerRegistry manages per-capability circuit breakers. A capability
// whose executor keeps failing trips its breaker; attempts made while the
// breaker is open fail immediately and count against the task's retry
// budget.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *log.Logger
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(logger *log.Logger) *BreakerRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given capability, creating it on
// first use.
func (r *BreakerRegistry) Get(capability string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[capability]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        capability,
		MaxRequests: 3,                // Test requests allowed in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Printf("[coordinator] circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not an executor failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[capability] = cb
	return cb
}
