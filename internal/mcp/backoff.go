package mcp

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ExponentialBackoff computes reconnect delays with jitter.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	attempts int
}

// NewExponentialBackoff returns a backoff with sensible defaults.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// NextDelay returns the delay before the next attempt and advances the
// attempt counter.
func (eb *ExponentialBackoff) NextDelay() time.Duration {
	delay := time.Duration(float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(eb.attempts)))
	if delay > eb.MaxDelay {
		delay = eb.MaxDelay
	}

	if eb.Jitter {
		jitterRange := float64(delay) * 0.1 // ±10%
		delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)
	}

	if delay < eb.BaseDelay {
		delay = eb.BaseDelay
	}

	eb.attempts++
	return delay
}

// Wait sleeps for the next delay or until the context is cancelled.
func (eb *ExponentialBackoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(eb.NextDelay())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset starts the attempt sequence over.
func (eb *ExponentialBackoff) Reset() {
	eb.attempts = 0
}

// Attempts returns how many delays have been handed out since the last reset.
func (eb *ExponentialBackoff) Attempts() int {
	return eb.attempts
}

// CircuitBreakerState is the state of a CircuitBreaker.
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops reconnect attempts against an endpoint that keeps
// failing, letting a probe through after the reset timeout. Safe for use
// from both the manager goroutine and connect loops.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu           sync.Mutex
	failureCount int
	lastFailTime time.Time
	state        CircuitBreakerState
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive failures and half-opens after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// DefaultCircuitBreaker returns a breaker tuned for upstream reconnects.
func DefaultCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreaker(5, 60*time.Second)
}

// AllowRequest reports whether an attempt may proceed right now.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailTime = time.Now()
	if cb.failureCount >= cb.maxFailures {
		cb.state = CircuitOpen
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
