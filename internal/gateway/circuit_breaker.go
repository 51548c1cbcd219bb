package gateway

import (
	"sync"
	"time"
)

// CircuitBreaker gates REST calls so that a failing API does not keep worker
// goroutines busy retrying. Consecutive failures open the circuit; after a
// cooldown a few probe requests decide whether it closes again.
type CircuitBreaker struct {
	mu sync.RWMutex

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	failures      int
	lastFailure   time.Time
	state         CBState
	halfOpenCount int
}

// CBState represents the state of the circuit breaker.
type CBState int

const (
	CBClosed   CBState = iota // normal operation
	CBOpen                    // rejecting requests
	CBHalfOpen                // probing whether the API recovered
)

func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		halfOpenMax:      2,
		state:            CBClosed,
	}
}

func NewCircuitBreakerWithConfig(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if resetTimeout < time.Second {
		resetTimeout = 30 * time.Second
	}
	if halfOpenMax < 1 {
		halfOpenMax = 2
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
		state:            CBClosed,
	}
}

// Allow returns true if the request should be allowed to proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBClosed:
		return true

	case CBOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = CBHalfOpen
			cb.halfOpenCount = 0
			return true
		}
		return false

	case CBHalfOpen:
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	}

	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CBHalfOpen {
		cb.state = CBClosed
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.failures >= cb.failureThreshold {
		cb.state = CBOpen
	}

	// A failure while probing sends the circuit straight back to open.
	if cb.state == CBHalfOpen {
		cb.state = CBOpen
		cb.halfOpenCount = 0
	}
}

func (cb *CircuitBreaker) State() CBState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) StateString() string {
	switch cb.State() {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Reset forces the circuit breaker back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBClosed
	cb.failures = 0
	cb.halfOpenCount = 0
}
