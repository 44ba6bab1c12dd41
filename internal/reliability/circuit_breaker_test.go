package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens after the failure threshold and rejects calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("edge"))
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return errBoom }), errBoom)
		}
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(context.Background(), func() error { called = true; return nil })
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "edge", cbErr.Name)
		assert.Equal(t, 3, cbErr.Failures)
	})

	t.Run("a success in closed state resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(context.Background(), func() error { return errBoom })
		_ = cb.Execute(context.Background(), func() error { return nil })
		_ = cb.Execute(context.Background(), func() error { return errBoom })
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial success closes the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Minute), WithClock(clock.Now))
		_ = cb.Execute(context.Background(), func() error { return errBoom })
		require.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Minute)
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open trial failure reopens the circuit", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clock.Now))
		_ = cb.Execute(context.Background(), func() error { return errBoom })

		clock.Advance(2 * time.Second)
		_ = cb.Execute(context.Background(), func() error { return errBoom })
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(context.Background(), func() error { return nil }), ErrCircuitOpen)
	})

	t.Run("half-open admits a limited number of concurrent trials", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Second), WithClock(clock.Now))
		_ = cb.Execute(context.Background(), func() error { return errBoom })
		clock.Advance(2 * time.Second)

		inTrial := make(chan struct{})
		release := make(chan struct{})
		go func() {
			_ = cb.Execute(context.Background(), func() error {
				close(inTrial)
				<-release
				return nil
			})
		}()
		<-inTrial

		err := cb.Execute(context.Background(), func() error { return nil })
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)
		close(release)
		assert.Eventually(t, func() bool { return cb.State() == StateClosed }, time.Second, 5*time.Millisecond)
	})

	t.Run("listeners are told about transitions", func(t *testing.T) {
		changes := make(chan State, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateListener(StateChangeFunc(func(_ string, _, to State, _ string) { changes <- to })),
		)
		_ = cb.Execute(context.Background(), func() error { return errBoom })

		select {
		case to := <-changes:
			assert.Equal(t, StateOpen, to)
		case <-time.After(time.Second):
			t.Fatal("no state change notification")
		}
	})

	t.Run("Reset closes the circuit", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(context.Background(), func() error { return errBoom })
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		m := cb.Metrics()
		assert.Equal(t, int64(1), m.TotalFailures)
		assert.Equal(t, 0, m.CurrentFailures)
	})

	t.Run("a cancelled context skips the call", func(t *testing.T) {
		cb := NewCircuitBreaker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		assert.ErrorIs(t, cb.Execute(ctx, func() error { called = true; return nil }), context.Canceled)
		assert.False(t, called)
	})
}
