package conductor

import (
	"sync"
	"time"
)

// Circuit breaker states.
const (
	breakerClosed   = "CLOSED"
	breakerOpen     = "OPEN"
	breakerHalfOpen = "HALF_OPEN"
)

// CircuitBreaker guards a single concrete client. After failureThreshold
// consecutive failures it opens; while open, calls short-circuit without
// touching the backend until recoveryTimeout elapses, then one trial call is
// permitted (half-open). A trial success closes the breaker, a trial failure
// re-opens it and restarts the timer.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	failureCount     int
	openedAt         time.Time
	state            string

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            breakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed transitions to half-open and permits one trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) > cb.recoveryTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	default: // half-open: one trial call is already in flight
		return false
	}
}

// OnSuccess records a successful call and closes the breaker.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = breakerClosed
}

// OnFailure records a failed call. Reaching the threshold, or failing the
// half-open trial, opens the breaker and restarts the recovery timer.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

// State returns the current state name, for logging and tests.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
