package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. Returning an error rejects the
// delivery without requeueing it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs delivery loops, each on its own channel
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	exclusive     bool
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
}

type subscription struct {
	queue   string
	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 100,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming from queue. Deliveries are handled one at a
// time in arrival order. closed, if not nil, is called when the delivery
// stream ends without Unsubscribe.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, closed func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[queue]; ok {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrAlreadyConsuming, Timestamp: time.Now()}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
	}
	deliveries, err := ch.Consume(queue, "", false, c.exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{queue: queue, channel: ch, cancel: cancel, done: make(chan struct{})}
	c.active[queue] = sub
	go c.run(subCtx, sub, deliveries, handler, closed)

	c.logger.Debug("subscribed to queue", "queue", queue, "prefetchCount", c.prefetchCount)
	return nil
}

func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler, closed func(error)) {
	defer close(sub.done)
	defer func() {
		c.mu.Lock()
		if c.active[sub.queue] == sub {
			delete(c.active, sub.queue)
		}
		c.mu.Unlock()
		_ = sub.channel.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil && closed != nil {
					closed(&ConsumerError{Queue: sub.queue, Op: "consume", Err: ErrConsumerClosed, Timestamp: time.Now()})
				}
				return
			}
			if err := handler(ctx, d); err != nil {
				c.logger.Warn("rejecting delivery", "queue", sub.queue, "error", err)
				if nackErr := d.Nack(false, false); nackErr != nil {
					c.logger.Error("failed to nack delivery", "queue", sub.queue, "error", nackErr)
				}
				continue
			}
			if ackErr := d.Ack(false); ackErr != nil {
				c.logger.Error("failed to ack delivery", "queue", sub.queue, "error", ackErr)
			}
		}
	}
}

// Unsubscribe stops consuming from queue and waits for the loop to exit
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("rabbitmq: no active consumer for queue %s", queue)
	}
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every active consumer
func (c *Consumer) UnsubscribeAll() {
	c.mu.Lock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		if err := c.Unsubscribe(q); err != nil {
			c.logger.Debug("unsubscribe raced with shutdown", "queue", q, "error", err)
		}
	}
}

// ActiveQueues returns the queues currently consumed
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
