package rabbitmq

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumer(t *testing.T) {
	t.Run("NewConsumer applies options", func(t *testing.T) {
		logger := slog.Default()
		consumer := NewConsumer(NewConnectionManager("amqp://localhost"),
			WithPrefetchCount(20),
			WithExclusive(true),
			WithConsumerLogger(logger),
		)

		assert.Equal(t, 20, consumer.prefetchCount)
		assert.True(t, consumer.exclusive)
		assert.Equal(t, logger, consumer.logger)
		assert.Empty(t, consumer.ActiveQueues())
	})

	t.Run("Subscribe without a connection fails", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost"))
		err := consumer.Subscribe(context.Background(), "inbox", nil, nil)
		var consumerErr *ConsumerError
		assert.ErrorAs(t, err, &consumerErr)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("Unsubscribe returns error for unknown queue", func(t *testing.T) {
		consumer := NewConsumer(NewConnectionManager("amqp://localhost"))
		assert.Error(t, consumer.Unsubscribe("missing"))
	})
}
