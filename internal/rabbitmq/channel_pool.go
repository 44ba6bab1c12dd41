package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out confirm-mode channels. A channel is used by one
// publisher at a time, so its confirmations arrive in publish order.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with its confirmation stream
type PooledChannel struct {
	*amqp.Channel
	id       string
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
}

// ID identifies the channel in errors and logs
func (pc *PooledChannel) ID() string { return pc.id }

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a free channel
func WithWaitTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = d
	}
}

// NewChannelPool creates an empty pool; channels are opened on demand
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: nil connection manager", ErrInvalidConfiguration)
	}
	pool := &ChannelPool{
		manager:     manager,
		maxSize:     4,
		waitTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(pool)
	}
	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.discard()
				continue
			}
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.activeCount++
			cp.mu.Unlock()
			ch, err := cp.open()
			if err != nil {
				cp.discard()
				return nil, err
			}
			return ch, nil
		}
		cp.mu.Unlock()

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.IsClosed() {
				cp.discard()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		_ = ch.Close()
		cp.discard()
		return
	}
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.discard()
	}
}

// Discard closes a channel that must not be reused, such as one whose
// confirmation stream is out of step
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cp.discard()
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
	cp.mu.Unlock()
}

// Close closes all idle channels and rejects further use
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Close()
			cp.discard()
		default:
			return nil
		}
	}
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	id := uuid.New().String()
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: fmt.Errorf("%w: %w", ErrChannelCreationFailed, err), Timestamp: time.Now()}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}
	return &PooledChannel{
		Channel:  ch,
		id:       id,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
	}, nil
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch.Channel)
}
