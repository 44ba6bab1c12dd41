// Package rabbitmq carries bridge commands over AMQP 0-9-1. Every node owns
// an inbox queue bound to a shared direct exchange under its own name; a
// transport consumes its local inbox and publishes to the peer's.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/internal/rabbitmq"
	"github.com/glimte/mmate-netbridge/transport"
)

const (
	// DefaultExchange is the exchange shared by all node inboxes.
	DefaultExchange = "mmate.network"
	inboxPrefix     = "mmate.bridge."
	contentType     = "application/json"
)

// InboxQueue returns the queue name of a node's inbox.
func InboxQueue(node string) string { return inboxPrefix + node }

// Transport is a transport.Transport over RabbitMQ.
type Transport struct {
	url        string
	exchange   string
	localQueue string
	peerQueue  string
	durable    bool
	prefetch   int
	logger     *slog.Logger

	connOpts      []rabbitmq.ConnectionOption
	publisherOpts []rabbitmq.PublisherOption

	manager    *rabbitmq.ConnectionManager
	pool       *rabbitmq.ChannelPool
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	correlator *transport.Correlator

	mu       sync.Mutex
	listener transport.Listener
	started  atomic.Bool
	stopped  atomic.Bool
	failOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithExchange overrides DefaultExchange
func WithExchange(name string) Option {
	return func(t *Transport) { t.exchange = name }
}

// WithDurableInbox keeps the inbox queue across restarts
func WithDurableInbox(durable bool) Option {
	return func(t *Transport) { t.durable = durable }
}

// WithPrefetchCount bounds unacknowledged inbound deliveries
func WithPrefetchCount(n int) Option {
	return func(t *Transport) { t.prefetch = n }
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(t *Transport) { t.connOpts = append(t.connOpts, opts...) }
}

// WithPublisherOptions passes options to the publisher
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(t *Transport) { t.publisherOpts = append(t.publisherOpts, opts...) }
}

// New creates a transport from localNode to peerNode through the broker at
// url. Nothing is dialed until Start.
func New(url, localNode, peerNode string, opts ...Option) *Transport {
	t := &Transport{
		url:        url,
		exchange:   DefaultExchange,
		localQueue: InboxQueue(localNode),
		peerQueue:  InboxQueue(peerNode),
		prefetch:   100,
		logger:     slog.Default(),
		correlator: transport.NewCorrelator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transport", t.RemoteAddress())
	return t
}

// SetListener installs the command listener
func (t *Transport) SetListener(l transport.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *Transport) currentListener() transport.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Start connects, declares the inbox and begins consuming
func (t *Transport) Start(ctx context.Context) error {
	if t.stopped.Load() {
		return transport.ErrDisposed
	}
	if t.currentListener() == nil {
		return transport.ErrNoListener
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(t.logger)}, t.connOpts...)
	t.manager = rabbitmq.NewConnectionManager(t.url, connOpts...)
	if err := t.manager.Connect(ctx); err != nil {
		return authError(err)
	}
	t.manager.AddStateListener(t)

	pool, err := rabbitmq.NewChannelPool(t.manager)
	if err != nil {
		_ = t.manager.Close()
		return err
	}
	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, t.publisherOpts...)

	topology := rabbitmq.InboxTopology(t.exchange, t.localQueue, t.durable)
	if err := rabbitmq.NewTopologyManager(pool).DeclareTopology(ctx, topology); err != nil {
		t.teardown()
		return authError(fmt.Errorf("failed to declare inbox %s: %w", t.localQueue, err))
	}

	t.consumer = rabbitmq.NewConsumer(t.manager,
		rabbitmq.WithPrefetchCount(t.prefetch),
		rabbitmq.WithExclusive(true),
		rabbitmq.WithConsumerLogger(t.logger))
	if err := t.consumer.Subscribe(context.Background(), t.localQueue, t.handleDelivery, t.fail); err != nil {
		t.teardown()
		return authError(err)
	}
	t.logger.Info("transport started", "inbox", t.localQueue, "peer", t.peerQueue)
	return nil
}

// Stop stops consuming and closes the connection
func (t *Transport) Stop(ctx context.Context) error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.correlator.Fail(transport.ErrDisposed)
	if !t.started.Load() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		t.teardown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) teardown() {
	if t.consumer != nil {
		t.consumer.UnsubscribeAll()
	}
	if t.pool != nil {
		_ = t.pool.Close()
	}
	if t.manager != nil {
		if err := t.manager.Close(); err != nil {
			t.logger.Debug("error closing connection", "error", err)
		}
	}
}

// Oneway publishes cmd to the peer's inbox
func (t *Transport) Oneway(ctx context.Context, cmd command.Command) error {
	t.correlator.Stamp(cmd)
	return t.send(ctx, cmd)
}

// Request publishes cmd and waits for the peer's response
func (t *Transport) Request(ctx context.Context, cmd command.Command) (command.Command, error) {
	return t.correlator.Request(ctx, cmd, t.send)
}

// AsyncRequest publishes cmd; cb runs when the peer responds
func (t *Transport) AsyncRequest(ctx context.Context, cmd command.Command, cb transport.ResponseCallback) error {
	return t.correlator.AsyncRequest(ctx, cmd, cb, t.send)
}

// RemoteAddress describes the peer inbox
func (t *Transport) RemoteAddress() string {
	return fmt.Sprintf("%s#%s", rabbitmq.SanitizeURL(t.url), t.peerQueue)
}

func (t *Transport) send(ctx context.Context, cmd command.Command) error {
	if t.stopped.Load() {
		return transport.ErrDisposed
	}
	if !t.started.Load() || t.publisher == nil {
		return transport.ErrNotStarted
	}
	msg, err := ToPublishing(cmd)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, t.exchange, t.peerQueue, msg)
}

func (t *Transport) handleDelivery(_ context.Context, d amqp.Delivery) error {
	cmd, err := FromDelivery(d)
	if err != nil {
		return err
	}
	if t.correlator.Complete(cmd) {
		return nil
	}
	if l := t.currentListener(); l != nil && !t.stopped.Load() {
		l.OnCommand(cmd)
	}
	return nil
}

func (t *Transport) fail(err error) {
	if t.stopped.Load() {
		return
	}
	err = authError(err)
	t.failOnce.Do(func() {
		t.correlator.Fail(err)
		if l := t.currentListener(); l != nil {
			l.OnError(err)
		}
	})
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener. A bridge
// never survives a lost connection, so the loss is reported once.
func (t *Transport) OnDisconnected(err error) { t.fail(err) }

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(int) {}

// ToPublishing encodes cmd as an AMQP publishing.
func ToPublishing(cmd command.Command) (amqp.Publishing, error) {
	body, err := command.Marshal(cmd)
	if err != nil {
		return amqp.Publishing{}, err
	}
	msg := amqp.Publishing{
		ContentType:   contentType,
		Type:          cmd.Kind().String(),
		CorrelationId: fmt.Sprint(cmd.Header().CommandID),
		Timestamp:     time.Now(),
		DeliveryMode:  amqp.Transient,
		Body:          body,
	}
	if m, ok := cmd.(*command.Message); ok {
		if m.Persistent {
			msg.DeliveryMode = amqp.Persistent
		}
		msg.MessageId = m.MessageID
		if m.Priority > 0 && m.Priority <= 9 {
			msg.Priority = uint8(m.Priority)
		}
	}
	return msg, nil
}

// FromDelivery decodes a command published with ToPublishing.
func FromDelivery(d amqp.Delivery) (command.Command, error) {
	if d.ContentType != "" && d.ContentType != contentType {
		return nil, fmt.Errorf("rabbitmq transport: unsupported content type %q", d.ContentType)
	}
	cmd, err := command.Unmarshal(d.Body)
	if err != nil {
		return nil, err
	}
	if d.Type != "" && d.Type != cmd.Kind().String() {
		return nil, fmt.Errorf("rabbitmq transport: type header %q does not match body %s", d.Type, cmd.Kind())
	}
	return cmd, nil
}

// authError marks credential and permission refusals of the broker with
// transport.ErrUnauthorized.
func authError(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && (amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotAllowed) {
		return fmt.Errorf("%w: %w", transport.ErrUnauthorized, err)
	}
	return err
}
