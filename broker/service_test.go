package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/filter"
	"github.com/glimte/mmate-netbridge/transport"
	"github.com/glimte/mmate-netbridge/transports/vm"
)

// client is the far end of an endpoint's transport.
type client struct {
	t        *vm.Transport
	commands chan command.Command
}

func connect(t *testing.T, s *Service) (*client, *Endpoint) {
	t.Helper()
	brokerEnd, clientEnd := vm.NewPair(vm.WithName(t.Name()))
	c := &client{t: clientEnd, commands: make(chan command.Command, 64)}
	clientEnd.SetListener(transport.ListenerFuncs{Command: func(cmd command.Command) { c.commands <- cmd }})
	require.NoError(t, clientEnd.Start(context.Background()))

	ep, err := s.Attach(context.Background(), brokerEnd)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ep.Stop(context.Background())
		_ = clientEnd.Stop(context.Background())
	})
	return c, ep
}

func (c *client) next(t *testing.T, kind command.Kind) command.Command {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case cmd := <-c.commands:
			if cmd.Kind() == kind {
				return cmd
			}
		case <-deadline:
			t.Fatalf("no %s received", kind)
			return nil
		}
	}
}

func (c *client) none(t *testing.T, kind command.Kind) {
	t.Helper()
	deadline := time.After(30 * time.Millisecond)
	for {
		select {
		case cmd := <-c.commands:
			require.NotEqual(t, kind, cmd.Kind(), "unexpected %s", kind)
		case <-deadline:
			return
		}
	}
}

func consumer(conn command.ConnectionID, value int64, dest command.Destination) *command.ConsumerInfo {
	return &command.ConsumerInfo{
		ConsumerID:  command.NewConsumerID(command.SessionID{ConnectionID: conn, Value: 1}, value),
		Destination: dest,
	}
}

func TestServiceBookkeeping(t *testing.T) {
	t.Run("generates an id when none is given", func(t *testing.T) {
		s := New("")
		assert.Contains(t, string(s.BrokerID()), "ID:")
		assert.Equal(t, string(s.BrokerID()), s.BrokerName())
		assert.Equal(t, "east", New("b1", WithBrokerName("east")).BrokerName())
	})

	t.Run("tracks peers and bridges", func(t *testing.T) {
		s := New("local")
		b := &command.BrokerInfo{BrokerID: "b", BrokerName: "beta"}
		a := &command.BrokerInfo{BrokerID: "a", BrokerName: "alpha"}
		s.AddPeerBroker(b)
		s.AddPeerBroker(a)
		assert.Equal(t, []*command.BrokerInfo{a, b}, s.Peers())

		s.NetworkBridgeStarted(a, true, "vm://a")
		s.NetworkBridgeStarted(nil, false, "")
		rec, ok := s.Bridges()["a"]
		require.True(t, ok)
		assert.True(t, rec.CreatedByDuplex)
		assert.Equal(t, "vm://a", rec.RemoteAddress)

		s.NetworkBridgeStopped(a)
		s.RemovePeerBroker(a)
		assert.Empty(t, s.Bridges())
		assert.Equal(t, []*command.BrokerInfo{b}, s.Peers())
	})

	t.Run("policy entries select the filter factory", func(t *testing.T) {
		custom := filter.FactoryFunc(func(*command.ConsumerInfo, command.BrokerPath, int) command.MessagePredicate { return nil })
		s := New("local", WithPolicy(PolicyEntry{Destination: command.NewTopic("prices.>"), FilterFactory: custom}))
		assert.NotNil(t, s.FilterFactory(command.NewTopic("prices.eu")))
		assert.Nil(t, s.FilterFactory(command.NewQueue("prices.eu")))
		assert.Nil(t, s.FilterFactory(command.NewTopic("orders")))
	})

	t.Run("subscriptions are split by destination type", func(t *testing.T) {
		s := New("local")
		q := s.AddSubscription(consumer("c", 1, command.NewQueue("orders")), nil)
		s.AddSubscription(consumer("c", 2, command.NewTopic("prices")), nil)

		require.Len(t, s.Subscriptions(false), 1)
		require.Len(t, s.Subscriptions(true), 1)
		assert.Same(t, q, s.Subscriptions(false)[0])
		assert.True(t, q.Active())
		q.SetActive(false)
		assert.False(t, s.Subscriptions(false)[0].Active())

		assert.True(t, s.RemoveSubscription(q.Info().ConsumerID))
		assert.False(t, s.RemoveSubscription(q.Info().ConsumerID))
		assert.Empty(t, s.Subscriptions(false))
	})

	t.Run("connectors can be registered and removed", func(t *testing.T) {
		s := New("local")
		c := &removerStub{}
		s.RegisterConnector(c)
		assert.Len(t, s.NetworkConnectors(), 1)
		s.UnregisterConnector(c)
		assert.Empty(t, s.NetworkConnectors())
	})
}

type removerStub struct{}

func (*removerStub) RemoveDemandSubscription(command.ConsumerID) bool { return false }

func TestEndpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("answers requests and announces the broker once", func(t *testing.T) {
		s := New("local")
		c, _ := connect(t, s)

		resp, err := c.t.Request(ctx, &command.ConnectionInfo{ConnectionID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, command.KindResponse, resp.Kind())

		info := c.next(t, command.KindBrokerInfo).(*command.BrokerInfo)
		assert.Equal(t, command.BrokerID("local"), info.BrokerID)

		require.NoError(t, c.t.Oneway(ctx, &command.BrokerInfo{BrokerID: "peer", NetworkConnection: true}))
		c.none(t, command.KindBrokerInfo)
		require.Eventually(t, func() bool { return len(s.Peers()) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("advises consumers to advisory subscribers", func(t *testing.T) {
		s := New("local")
		watcher, _ := connect(t, s)
		app, _ := connect(t, s)

		existing := consumer("app", 1, command.NewQueue("orders"))
		_, err := app.t.Request(ctx, existing)
		require.NoError(t, err)

		_, err = watcher.t.Request(ctx, consumer("watcher", 1, command.NewTopic(command.DefaultDemandAdvisory)))
		require.NoError(t, err)
		replay := watcher.next(t, command.KindMessageDispatch).(*command.MessageDispatch)
		assert.Equal(t, command.ConsumerAdvisoryTopic(existing.Destination), replay.Destination)
		assert.Equal(t, existing.ConsumerID, replay.Message.DataStructure.(*command.ConsumerInfo).ConsumerID)

		added := consumer("app", 2, command.NewTopic("prices"))
		_, err = app.t.Request(ctx, added)
		require.NoError(t, err)
		md := watcher.next(t, command.KindMessageDispatch).(*command.MessageDispatch)
		assert.Equal(t, added.ConsumerID, md.Message.DataStructure.(*command.ConsumerInfo).ConsumerID)

		require.NoError(t, app.t.Oneway(ctx, added.CreateRemoveCommand()))
		md = watcher.next(t, command.KindMessageDispatch).(*command.MessageDispatch)
		removed, ok := md.Message.DataStructure.(*command.RemoveInfo)
		require.True(t, ok)
		id, _ := removed.ConsumerID()
		assert.Equal(t, added.ConsumerID, id)
	})

	t.Run("routes queue messages to the highest priority consumer", func(t *testing.T) {
		s := New("local")
		low, _ := connect(t, s)
		high, _ := connect(t, s)
		producer, pep := connect(t, s)

		orders := command.NewQueue("orders")
		_, err := low.t.Request(ctx, consumer("low", 1, orders))
		require.NoError(t, err)
		hi := consumer("high", 1, orders)
		hi.Priority = 5
		_, err = high.t.Request(ctx, hi)
		require.NoError(t, err)

		_, err = producer.t.Request(ctx, &command.Message{MessageID: "ID:m1", Destination: orders})
		require.NoError(t, err)

		md := high.next(t, command.KindMessageDispatch).(*command.MessageDispatch)
		assert.Equal(t, "ID:m1", md.Message.MessageID)
		low.none(t, command.KindMessageDispatch)
		assert.Equal(t, int64(1), pep.Received())
	})

	t.Run("routes topic messages to every consumer", func(t *testing.T) {
		s := New("local")
		a, _ := connect(t, s)
		b, _ := connect(t, s)
		prices := command.NewTopic("prices.>")
		_, err := a.t.Request(ctx, consumer("a", 1, prices))
		require.NoError(t, err)
		_, err = b.t.Request(ctx, consumer("b", 1, prices))
		require.NoError(t, err)

		assert.Equal(t, 2, s.Publish(&command.Message{MessageID: "ID:p1", Destination: command.NewTopic("prices.eu")}))
		a.next(t, command.KindMessageDispatch)
		b.next(t, command.KindMessageDispatch)
		assert.Equal(t, 0, s.Publish(&command.Message{MessageID: "ID:q1", Destination: command.NewQueue("prices.eu")}))
	})

	t.Run("network subscriptions do not receive messages from their neighbour", func(t *testing.T) {
		s := New("local")
		bridgeEnd, _ := connect(t, s)
		info := consumer("bridge", 1, command.NewQueue("orders"))
		info.NetworkSubscription = true
		info.BrokerPath = command.BrokerPath{"remote"}
		_, err := bridgeEnd.t.Request(ctx, info)
		require.NoError(t, err)

		orders := command.NewQueue("orders")
		assert.Equal(t, 0, s.Publish(&command.Message{MessageID: "ID:back", Destination: orders, BrokerPath: command.BrokerPath{"remote"}}))
		assert.Equal(t, 1, s.Publish(&command.Message{MessageID: "ID:local", Destination: orders}))
	})

	t.Run("counts acknowledgements", func(t *testing.T) {
		s := New("local")
		c, ep := connect(t, s)
		require.NoError(t, c.t.Oneway(ctx, &command.MessageAck{AckType: command.StandardAck, MessageCount: 3}))
		require.NoError(t, c.t.Oneway(ctx, &command.MessageAck{AckType: command.IndividualAck}))
		require.Eventually(t, func() bool { return ep.Acked() == 4 }, time.Second, time.Millisecond)
	})

	t.Run("stopping drops the subscriptions of the connection", func(t *testing.T) {
		s := New("local")
		c, ep := connect(t, s)
		_, err := c.t.Request(ctx, &command.BrokerInfo{BrokerID: "peer", NetworkConnection: true})
		require.NoError(t, err)
		_, err = c.t.Request(ctx, consumer("c", 1, command.NewQueue("orders")))
		require.NoError(t, err)
		require.Len(t, s.Subscriptions(false), 1)
		assert.Equal(t, command.BrokerID("peer"), ep.Peer().BrokerID)

		require.NoError(t, ep.Stop(ctx))
		assert.Empty(t, s.Subscriptions(false))
		assert.Empty(t, s.Peers())
		assert.Equal(t, 0, s.Endpoints())
	})

	t.Run("a peer shutdown detaches the endpoint", func(t *testing.T) {
		s := New("local")
		c, _ := connect(t, s)
		_, err := c.t.Request(ctx, consumer("c", 1, command.NewQueue("orders")))
		require.NoError(t, err)
		require.NoError(t, c.t.Oneway(ctx, &command.ShutdownInfo{}))
		require.Eventually(t, func() bool { return s.Endpoints() == 0 }, time.Second, time.Millisecond)
		assert.Empty(t, s.Subscriptions(false))
	})

	t.Run("removing a connection removes its consumers", func(t *testing.T) {
		s := New("local")
		c, _ := connect(t, s)
		_, err := c.t.Request(ctx, consumer("c1", 1, command.NewQueue("a")))
		require.NoError(t, err)
		_, err = c.t.Request(ctx, consumer("c2", 1, command.NewQueue("b")))
		require.NoError(t, err)

		_, err = c.t.Request(ctx, (&command.ConnectionInfo{ConnectionID: "c1"}).CreateRemoveCommand())
		require.NoError(t, err)
		subs := s.Subscriptions(false)
		require.Len(t, subs, 1)
		assert.Equal(t, "b", subs[0].Info().Destination.Name)
	})

	t.Run("stopping the service closes every endpoint", func(t *testing.T) {
		s := New("local")
		_, first := connect(t, s)
		_, second := connect(t, s)
		require.Equal(t, 2, s.Endpoints())

		require.NoError(t, s.Stop(ctx))
		assert.Equal(t, 0, s.Endpoints())
		for _, ep := range []*Endpoint{first, second} {
			select {
			case <-ep.Done():
			default:
				t.Fatal("endpoint was not stopped")
			}
		}
	})
}
