package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed indicates the circuit is closed and calls are allowed
	StateClosed CircuitBreakerState = 0

	// StateOpen indicates the circuit is open and calls are rejected
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen indicates the circuit lets calls through to test recovery
	StateHalfOpen CircuitBreakerState = 2
)

// CircuitBreaker stops repeated calls to a failing dependency, such as a node's report
// publisher talking to an unreachable broker.
type CircuitBreaker struct {
	state                int32 // atomic: CircuitBreakerState
	consecutiveFailures  int64 // atomic
	consecutiveSuccesses int64 // atomic
	failureThreshold     int64
	successThreshold     int64
	resetTimeout         time.Duration
	lastFailureTime      int64 // atomic: Unix nano timestamp
	mu                   sync.Mutex
	onChange             func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold consecutive
// failures and allows a trial call once resetTimeout has passed.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		state:            int32(StateClosed),
		failureThreshold: failureThreshold,
		successThreshold: 1,
		resetTimeout:     resetTimeout,
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit again
func (cb *CircuitBreaker) WithSuccessThreshold(n int64) *CircuitBreaker {
	if n > 0 {
		cb.successThreshold = n
	}
	return cb
}

// OnStateChange registers fn to be called on every transition. fn runs with the
// breaker's lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) *CircuitBreaker {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
	return cb
}

// IsOpen returns true if the circuit breaker currently rejects calls
func (cb *CircuitBreaker) IsOpen() bool {
	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) != StateOpen {
		return false
	}
	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// Execute runs fn unless the circuit is open, recording its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if cb.IsOpen() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt64(&cb.consecutiveFailures, 0)

	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		if atomic.AddInt64(&cb.consecutiveSuccesses, 1) >= cb.successThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	state := CircuitBreakerState(atomic.LoadInt32(&cb.state))

	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
	failures := atomic.AddInt64(&cb.consecutiveFailures, 1)

	switch {
	case state == StateClosed && failures >= cb.failureThreshold:
		cb.transitionTo(StateOpen)
	case state == StateHalfOpen:
		// Any failure in half-open state reopens the circuit
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// GetConsecutiveFailures returns the current number of consecutive failures
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return atomic.LoadInt64(&cb.consecutiveFailures)
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := CircuitBreakerState(atomic.LoadInt32(&cb.state))
	if old == newState {
		return
	}
	atomic.StoreInt32(&cb.state, int32(newState))
	if cb.onChange != nil {
		defer cb.onChange(old, newState)
	}

	switch newState {
	case StateClosed:
		atomic.StoreInt64(&cb.consecutiveFailures, 0)
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	case StateHalfOpen:
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	}
}

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
