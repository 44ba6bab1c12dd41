package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/transport"
)

// Endpoint serves one broker connection over a transport. It registers the
// consumers announced on the connection with the Service, routes the
// messages it receives and dispatches matching messages back.
type Endpoint struct {
	service *Service
	t       transport.Transport
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	announce sync.Once
	stopOnce sync.Once
	peer     atomic.Pointer[command.BrokerInfo]

	received atomic.Int64
	acked    atomic.Int64
}

// Attach starts serving t. The broker announces itself with a BrokerInfo
// when the peer sends its first connection or broker info.
func (s *Service) Attach(ctx context.Context, t transport.Transport) (*Endpoint, error) {
	epCtx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		service: s,
		t:       t,
		logger:  s.logger.With("endpoint", t.RemoteAddress()),
		ctx:     epCtx,
		cancel:  cancel,
	}
	t.SetListener(transport.ListenerFuncs{Command: ep.onCommand, Error: ep.onError})
	if err := t.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	s.attach(ep)
	ep.logger.Debug("endpoint attached")
	return ep, nil
}

// Stop detaches the endpoint, drops its subscriptions and stops the
// transport.
func (ep *Endpoint) Stop(ctx context.Context) error {
	var err error
	ep.stopOnce.Do(func() {
		ep.cancel()
		ep.service.detach(ep)
		if peer := ep.peer.Load(); peer != nil {
			ep.service.RemovePeerBroker(peer)
		}
		err = ep.t.Stop(ctx)
		ep.logger.Debug("endpoint stopped")
	})
	return err
}

// Done is closed once the endpoint stopped.
func (ep *Endpoint) Done() <-chan struct{} { return ep.ctx.Done() }

// Received returns the number of messages the peer sent.
func (ep *Endpoint) Received() int64 { return ep.received.Load() }

// Acked returns the number of messages the peer acknowledged.
func (ep *Endpoint) Acked() int64 { return ep.acked.Load() }

// Peer returns the broker announced on the connection, if any.
func (ep *Endpoint) Peer() *command.BrokerInfo { return ep.peer.Load() }

// RemoteAddress returns the address of the transport peer.
func (ep *Endpoint) RemoteAddress() string { return ep.t.RemoteAddress() }

func (ep *Endpoint) send(cmd command.Command) error {
	return ep.t.Oneway(ep.ctx, cmd)
}

func (ep *Endpoint) onError(err error) {
	ep.logger.Info("endpoint connection failed", "error", err)
	go ep.Stop(context.Background())
}

func (ep *Endpoint) onCommand(cmd command.Command) {
	if ep.ctx.Err() != nil {
		return
	}
	if err := ep.handle(cmd); err != nil {
		ep.logger.Warn("failed to handle command", "command", cmd.Kind(), "error", err)
		if cmd.Header().ResponseRequired {
			_ = ep.send(command.NewExceptionResponse(cmd.Header().CommandID, err))
		}
		return
	}
	if cmd.Header().ResponseRequired {
		if err := ep.send(&command.Response{CorrelationID: cmd.Header().CommandID}); err != nil {
			ep.logger.Warn("failed to send response", "command", cmd.Kind(), "error", err)
		}
	}
}

func (ep *Endpoint) handle(cmd command.Command) error {
	switch c := cmd.(type) {
	case *command.BrokerInfo:
		if c.NetworkConnection {
			ep.peer.Store(c)
			ep.service.AddPeerBroker(c)
		}
		return ep.announceBroker()
	case *command.ConnectionInfo:
		return ep.announceBroker()
	case *command.SessionInfo, *command.ProducerInfo, *command.KeepAliveInfo, *command.WireFormatInfo:
	case *command.ConsumerInfo:
		ep.service.AddSubscription(c, ep)
	case *command.RemoveInfo:
		ep.remove(c)
	case *command.Message:
		ep.received.Add(1)
		msg := c.Clone()
		msg.Base = command.Base{}
		ep.service.Publish(msg)
	case *command.MessageAck:
		n := int64(c.MessageCount)
		if n < 1 {
			n = 1
		}
		ep.acked.Add(n)
	case *command.DestinationInfo:
		ep.logger.Debug("destination advisory", "destination", c.Destination, "brokerPath", c.BrokerPath)
	case *command.ShutdownInfo:
		ep.logger.Debug("peer shutting down")
		go ep.Stop(context.Background())
	default:
		ep.logger.Warn("unexpected command", "command", cmd.Kind())
	}
	return nil
}

func (ep *Endpoint) announceBroker() error {
	var err error
	ep.announce.Do(func() {
		err = ep.send(&command.BrokerInfo{BrokerID: ep.service.id, BrokerName: ep.service.name})
	})
	return err
}

func (ep *Endpoint) remove(r *command.RemoveInfo) {
	switch {
	case r.Consumer != nil:
		ep.service.RemoveSubscription(*r.Consumer)
	case r.Connection != nil:
		ep.service.mu.RLock()
		var ids []command.ConsumerID
		for _, sub := range ep.service.subs {
			if sub.endpoint == ep && sub.info.ConsumerID.SessionID().ConnectionID == *r.Connection {
				ids = append(ids, sub.info.ConsumerID)
			}
		}
		ep.service.mu.RUnlock()
		for _, id := range ids {
			ep.service.RemoveSubscription(id)
		}
	}
}
