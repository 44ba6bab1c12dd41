package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for the broker to confirm them
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable publishes fail with ErrPublishReturned
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish publishes msg and returns once the broker confirmed it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	returns := (<-chan amqp.Return)(ch.returns)
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			// A return precedes the confirmation of the same publish.
			returned = &ret
		case confirm, ok := <-ch.confirms:
			if !ok {
				p.pool.Discard(ch)
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrConnectionClosed, Timestamp: time.Now()}
			}
			p.pool.Put(ch)
			switch {
			case !confirm.Ack:
				return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
			case returned != nil:
				return &PublishError{Exchange: exchange, RoutingKey: routingKey,
					Err: fmt.Errorf("%w: %s", ErrPublishReturned, returned.ReplyText), Timestamp: time.Now()}
			}
			return nil
		case <-timer.C:
			p.pool.Discard(ch)
			return &PublishError{Exchange: exchange, RoutingKey: routingKey,
				Err: fmt.Errorf("%w: timeout after %v", ErrPublishNotConfirmed, p.confirmTimeout), Timestamp: time.Now()}
		case <-ctx.Done():
			p.pool.Discard(ch)
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ctx.Err(), Timestamp: time.Now()}
		}
	}
}
