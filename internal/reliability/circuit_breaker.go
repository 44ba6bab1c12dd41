package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(name string, from, to State, reason string)

// OnStateChange calls f.
func (f StateChangeFunc) OnStateChange(name string, from, to State, reason string) {
	f(name, from, to, reason)
}

// CircuitBreaker stops calling a failing operation until a cool-down has
// passed, then lets a limited number of trial calls through.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastFailureTime time.Time
	totalCalls      int64
	totalFailures   int64

	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenLimit    int
	now              func() time.Time
	listeners        []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.failureThreshold = threshold }
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.successThreshold = threshold }
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.timeout = timeout }
}

// WithHalfOpenRequests limits concurrent trial calls in half-open state
func WithHalfOpenRequests(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenLimit = n }
}

// WithName names the breaker in errors and notifications
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.name = name }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateListener registers a listener at construction
func WithStateListener(l StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) { cb.listeners = append(cb.listeners, l) }
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 1,
		timeout:          30 * time.Second,
		halfOpenLimit:    1,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		next := cb.lastFailureTime.Add(cb.timeout)
		if cb.now().Before(next) {
			return cb.rejection(next)
		}
		cb.transition(StateHalfOpen, "timeout expired")
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenLimit {
			return cb.rejection(cb.now().Add(cb.timeout))
		}
		cb.halfOpenCalls++
		return nil
	default:
		return ErrUnknownState
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

func (cb *CircuitBreaker) rejection(next time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        next,
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.halfOpenCalls = 0
	if to == StateClosed {
		cb.failures = 0
	}
	if from == to {
		return
	}
	for _, l := range cb.listeners {
		go l.OnStateChange(cb.name, from, to, reason)
	}
}

// CircuitBreakerMetrics is a snapshot of breaker counters
type CircuitBreakerMetrics struct {
	Name            string
	State           State
	TotalCalls      int64
	TotalFailures   int64
	CurrentFailures int
	LastFailureTime time.Time
}

// Metrics returns a snapshot of the breaker counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		CurrentFailures: cb.failures,
		LastFailureTime: cb.lastFailureTime,
	}
}
