package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/transport"
)

func TestMsgConversion(t *testing.T) {
	t.Run("commands survive a round trip", func(t *testing.T) {
		info := &command.ConsumerInfo{
			ConsumerID:  command.NewConsumerID(command.SessionID{ConnectionID: "conn", Value: 1}, 3),
			Destination: command.NewTopic("prices"),
			BrokerPath:  command.BrokerPath{"b1"},
		}
		msg, err := ToMsg(Subject("b"), info)
		require.NoError(t, err)
		assert.Equal(t, "mmate.bridge.b", msg.Subject)
		assert.Equal(t, "ConsumerInfo", msg.Header.Get(kindHeader))

		cmd, err := FromMsg(msg)
		require.NoError(t, err)
		got := cmd.(*command.ConsumerInfo)
		assert.Equal(t, info.ConsumerID, got.ConsumerID)
		assert.Equal(t, info.BrokerPath, got.BrokerPath)
	})

	t.Run("a conflicting kind header is rejected", func(t *testing.T) {
		msg, err := ToMsg("s", &command.ShutdownInfo{})
		require.NoError(t, err)
		msg.Header.Set(kindHeader, "BrokerInfo")
		_, err = FromMsg(msg)
		assert.Error(t, err)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := FromMsg(&nats.Msg{Data: []byte("{")})
		assert.Error(t, err)
	})
}

func TestTransportLifecycle(t *testing.T) {
	t.Run("dial failures are returned from Start", func(t *testing.T) {
		dialErr := errors.New("refused")
		tr := New("nats://127.0.0.1:4222", "a", "b", WithDialer(func(string, ...nats.Option) (*nats.Conn, error) {
			return nil, dialErr
		}))
		tr.SetListener(transport.ListenerFuncs{})
		assert.ErrorIs(t, tr.Start(context.Background()), dialErr)
	})

	t.Run("an authorization violation fails Start as unauthorized", func(t *testing.T) {
		tr := New("nats://127.0.0.1:4222", "a", "b", WithDialer(func(string, ...nats.Option) (*nats.Conn, error) {
			return nil, nats.ErrAuthorization
		}))
		tr.SetListener(transport.ListenerFuncs{})
		err := tr.Start(context.Background())
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
		assert.ErrorIs(t, err, nats.ErrAuthorization)
	})

	t.Run("Start requires a listener", func(t *testing.T) {
		tr := New("nats://127.0.0.1:4222", "a", "b")
		assert.ErrorIs(t, tr.Start(context.Background()), transport.ErrNoListener)
	})

	t.Run("sending before Start fails", func(t *testing.T) {
		tr := New("nats://127.0.0.1:4222", "a", "b")
		assert.ErrorIs(t, tr.Oneway(context.Background(), &command.KeepAliveInfo{}), transport.ErrNotStarted)
	})

	t.Run("Stop disposes pending requests", func(t *testing.T) {
		tr := New("nats://127.0.0.1:4222", "a", "b")
		require.NoError(t, tr.Stop(context.Background()))
		assert.ErrorIs(t, tr.Oneway(context.Background(), &command.KeepAliveInfo{}), transport.ErrDisposed)
		assert.Equal(t, "nats://127.0.0.1:4222#mmate.bridge.b", tr.RemoteAddress())
	})

	t.Run("connection loss is reported once", func(t *testing.T) {
		tr := New("nats://127.0.0.1:4222", "a", "b")
		var errs []error
		tr.SetListener(transport.ListenerFuncs{Error: func(err error) { errs = append(errs, err) }})
		tr.fail(ErrConnectionLost)
		tr.fail(ErrConnectionLost)
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrConnectionLost)
	})

	t.Run("a revoked permission is reported as unauthorized", func(t *testing.T) {
		tr := New("nats://127.0.0.1:4222", "a", "b")
		var got error
		tr.SetListener(transport.ListenerFuncs{Error: func(err error) { got = err }})
		tr.fail(fmt.Errorf("%w: %w", ErrConnectionLost, nats.ErrAuthRevoked))
		assert.ErrorIs(t, got, transport.ErrUnauthorized)
		assert.ErrorIs(t, got, ErrConnectionLost)
	})
}
