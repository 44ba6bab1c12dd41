package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-netbridge/command"
)

func TestCorrelator(t *testing.T) {
	t.Run("Request returns the matching response", func(t *testing.T) {
		c := NewCorrelator()
		send := func(_ context.Context, cmd command.Command) error {
			assert.True(t, cmd.Header().ResponseRequired)
			go c.Complete(&command.Response{CorrelationID: cmd.Header().CommandID})
			return nil
		}

		resp, err := c.Request(context.Background(), &command.ConnectionInfo{}, send)
		require.NoError(t, err)
		_, ok := resp.(*command.Response)
		assert.True(t, ok)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Request honours context cancellation", func(t *testing.T) {
		c := NewCorrelator()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := c.Request(ctx, &command.ConnectionInfo{}, func(context.Context, command.Command) error { return nil })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("a failed send forgets the request", func(t *testing.T) {
		c := NewCorrelator()
		sendErr := errors.New("wire down")
		called := false
		err := c.AsyncRequest(context.Background(), &command.Message{}, func(command.Command, error) { called = true },
			func(context.Context, command.Command) error { return sendErr })
		assert.ErrorIs(t, err, sendErr)
		assert.False(t, called)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("Fail completes pending requests and rejects new ones", func(t *testing.T) {
		c := NewCorrelator()
		var got error
		require.NoError(t, c.AsyncRequest(context.Background(), &command.Message{}, func(_ command.Command, err error) { got = err },
			func(context.Context, command.Command) error { return nil }))

		c.Fail(ErrDisposed)
		assert.ErrorIs(t, got, ErrDisposed)

		_, err := c.Register(&command.Message{}, func(command.Command, error) {})
		assert.ErrorIs(t, err, ErrDisposed)
	})

	t.Run("Complete ignores unknown ids and non-responses", func(t *testing.T) {
		c := NewCorrelator()
		assert.False(t, c.Complete(&command.Response{CorrelationID: 99}))
		assert.False(t, c.Complete(&command.Message{}))
	})

	t.Run("exception responses are delivered, not converted", func(t *testing.T) {
		c := NewCorrelator()
		var resp command.Command
		id, err := c.Register(&command.Message{}, func(r command.Command, _ error) { resp = r })
		require.NoError(t, err)

		assert.True(t, c.Complete(command.NewExceptionResponse(id, assert.AnError)))
		assert.ErrorIs(t, ResponseError(resp), assert.AnError)
		assert.NoError(t, ResponseError(&command.Response{}))
	})
}

type certTransport struct {
	Transport
	certs []*x509.Certificate
}

func (c certTransport) PeerCertificates() []*x509.Certificate { return c.certs }

type wrapper struct {
	Transport
	next Transport
}

func (w wrapper) Next() Transport { return w.next }

func TestPeerCertificates(t *testing.T) {
	cert := &x509.Certificate{}
	inner := certTransport{certs: []*x509.Certificate{cert}}

	assert.Equal(t, []*x509.Certificate{cert}, PeerCertificates(wrapper{next: wrapper{next: inner}}))
	assert.Nil(t, PeerCertificates(wrapper{next: certTransport{}}))
	assert.Nil(t, PeerCertificates(nil))
}
