package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the breaker rejects a call.
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open: failures=%d/%d, retry at %s",
			e.Name, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
	}
	return fmt.Sprintf("circuit breaker %s %s: call rejected", e.Name, e.State)
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError reports the last failure of an exhausted retry loop.
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
