// Package connector keeps a network bridge to one remote broker running,
// re-creating it with backoff whenever it stops.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/glimte/mmate-netbridge/bridge"
	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/internal/reliability"
	"github.com/glimte/mmate-netbridge/transport"
)

// ErrStopped is returned when starting a stopped connector.
var ErrStopped = errors.New("connector: stopped")

// Dialer creates the local and remote transports of one bridge. The
// transports must not be started.
type Dialer func(ctx context.Context) (local, remote transport.Transport, err error)

// Broker is the broker service a connector bridges from.
type Broker interface {
	bridge.BrokerService
	RegisterConnector(bridge.DemandRemover)
	UnregisterConnector(bridge.DemandRemover)
}

// Option configures a NetworkConnector.
type Option func(*NetworkConnector)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *NetworkConnector) { n.logger = logger }
}

// WithRetryPolicy sets the policy for establishing a bridge.
func WithRetryPolicy(p reliability.RetryPolicy) Option {
	return func(n *NetworkConnector) { n.policy = p }
}

// WithCircuitBreaker guards bridge establishment with cb.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(n *NetworkConnector) { n.breaker = cb }
}

// WithRestartDelay sets the pause between a bridge stopping and the next
// connection attempt.
func WithRestartDelay(d time.Duration) Option {
	return func(n *NetworkConnector) { n.restartDelay = d }
}

// WithListener receives the lifecycle events of every bridge the
// connector runs.
func WithListener(l bridge.Listener) Option {
	return func(n *NetworkConnector) { n.listener = l }
}

// NetworkConnector owns the bridge to one remote broker.
type NetworkConnector struct {
	cfg    bridge.Config
	broker Broker
	dial   Dialer
	logger *slog.Logger

	policy       reliability.RetryPolicy
	breaker      *reliability.CircuitBreaker
	restartDelay time.Duration
	listener     bridge.Listener

	mu      sync.Mutex
	current *bridge.Bridge
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attempts atomic.Int64
	restarts atomic.Int64
}

var _ bridge.DemandRemover = (*NetworkConnector)(nil)

// New creates a connector for cfg. Nothing is dialled before Start.
func New(cfg bridge.Config, b Broker, dial Dialer, opts ...Option) (*NetworkConnector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil || dial == nil {
		return nil, fmt.Errorf("%w: broker and dialer are required", bridge.ErrInvalidConfig)
	}
	n := &NetworkConnector{
		cfg:          cfg,
		broker:       b,
		dial:         dial,
		logger:       slog.Default(),
		policy:       reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, -1),
		restartDelay: time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.breaker == nil {
		n.breaker = reliability.NewCircuitBreaker(reliability.WithName(cfg.Name), reliability.WithTimeout(time.Minute))
	}
	n.logger = n.logger.With("connector", cfg.Name)
	return n, nil
}

// Name returns the connector name.
func (n *NetworkConnector) Name() string { return n.cfg.Name }

// Start registers the connector with the broker and begins connecting in
// the background.
func (n *NetworkConnector) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return nil
	}
	n.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.broker.RegisterConnector(n)
	n.wg.Add(1)
	go n.run(runCtx)
	return nil
}

// Stop cancels reconnection and stops the current bridge.
func (n *NetworkConnector) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	b := n.current
	n.current = nil
	cancel := n.cancel
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if b != nil {
		err = multierr.Append(err, b.Stop(ctx))
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	n.broker.UnregisterConnector(n)
	n.logger.Info("network connector stopped")
	return err
}

func (n *NetworkConnector) run(ctx context.Context) {
	defer n.wg.Done()
	for {
		var (
			b    *bridge.Bridge
			done <-chan struct{}
		)
		err := reliability.Retry(ctx, n.policy, func() error {
			return n.breaker.Execute(ctx, func() error {
				var err error
				b, done, err = n.connect(ctx)
				if err != nil {
					n.logger.Warn("failed to establish network bridge", "error", err)
				}
				return err
			})
		})
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Error("giving up on network bridge", "error", err)
			}
			return
		}

		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		n.release(b)
		n.restarts.Add(1)
		n.logger.Info("network bridge stopped, reconnecting", "delay", n.restartDelay)

		timer := time.NewTimer(n.restartDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connect dials and starts one bridge. The returned channel closes when
// the bridge stops or fails.
func (n *NetworkConnector) connect(ctx context.Context) (*bridge.Bridge, <-chan struct{}, error) {
	n.attempts.Add(1)
	local, remote, err := n.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	events := bridge.ListenerFuncs{
		Start: func(b *bridge.Bridge) {
			if n.listener != nil {
				n.listener.OnStart(b)
			}
		},
		Stop: func(b *bridge.Bridge) {
			finish()
			if n.listener != nil {
				n.listener.OnStop(b)
			}
		},
		Failed: func(b *bridge.Bridge) {
			n.logger.Warn("network bridge failed", "remoteBroker", b.RemoteBrokerName())
			finish()
			if n.listener != nil {
				n.listener.OnBridgeFailed(b)
			}
		},
	}

	b, err := bridge.New(n.cfg, local, remote, n.broker, bridge.WithLogger(n.logger), bridge.WithListener(events))
	if err != nil {
		return nil, nil, reliability.Permanent(err)
	}
	if err := b.Start(ctx); err != nil {
		return nil, nil, multierr.Append(err, b.Stop(context.WithoutCancel(ctx)))
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil, nil, multierr.Append(ErrStopped, b.Stop(context.WithoutCancel(ctx)))
	}
	n.current = b
	n.mu.Unlock()
	return b, done, nil
}

func (n *NetworkConnector) release(b *bridge.Bridge) {
	n.mu.Lock()
	if n.current == b {
		n.current = nil
	}
	n.mu.Unlock()
	if err := b.Stop(context.Background()); err != nil {
		n.logger.Debug("error stopping replaced network bridge", "error", err)
	}
}

// Bridge returns the running bridge, or nil.
func (n *NetworkConnector) Bridge() *bridge.Bridge {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Attempts returns the number of connection attempts made.
func (n *NetworkConnector) Attempts() int64 { return n.attempts.Load() }

// Restarts returns the number of times a running bridge was replaced.
func (n *NetworkConnector) Restarts() int64 { return n.restarts.Load() }

// BreakerState returns the state of the establishment circuit breaker.
func (n *NetworkConnector) BreakerState() reliability.State { return n.breaker.State() }

// RemoveDemandSubscription removes the demand subscription of the running
// bridge whose local consumer is localID.
func (n *NetworkConnector) RemoveDemandSubscription(localID command.ConsumerID) bool {
	b := n.Bridge()
	if b == nil {
		return false
	}
	return b.RemoveDemandSubscriptionByLocalID(localID)
}
