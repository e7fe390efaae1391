package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound vendor API traffic. A global limit covers
// the whole process; per-key limits cover individual devices so one chatty
// thermostat cannot starve the rest.
type RateLimiter struct {
	globalLimiter *rate.Limiter
	keyLimiters   map[string]*rate.Limiter
	mu            sync.RWMutex

	requestsPerSecond float64
	burst             int
}

// NewRateLimiter creates a rate limiter with the given per-second rate and
// burst size, applied both globally and per key.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		keyLimiters:       make(map[string]*rate.Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}
	return rl.keyLimiter(key).Allow()
}

// Wait blocks until a request for key may proceed or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if err := rl.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.keyLimiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for %s: %w", key, err)
	}
	return nil
}

func (rl *RateLimiter) keyLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.keyLimiters[key]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists := rl.keyLimiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)
	rl.keyLimiters[key] = limiter
	return limiter
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// CircuitBreaker trips after maxFailures consecutive errors and refuses
// calls until resetTimeout elapses, then allows a probe (half-open).
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	failures        int
	lastFailureTime time.Time
	state           CircuitState
}

// NewCircuitBreaker creates a breaker with the given failure threshold and
// reset timeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.failures = 0
	}
	if cb.state == CircuitOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()
		if cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
		}
		return err
	}

	cb.failures = 0
	cb.state = CircuitClosed
	return nil
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitClosed
}
