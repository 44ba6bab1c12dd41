package bridge

import (
	"fmt"

	"github.com/glimte/mmate-netbridge/command"
)

func (b *Bridge) serviceRemoteCommand(cmd command.Command) {
	if b.disposed.Load() {
		return
	}
	if err := b.dispatchRemote(cmd); err != nil {
		b.logger.Debug("failed to process remote command", "command", cmd.Kind(), "error", err)
		b.serviceRemoteException(err)
	}
}

func (b *Bridge) dispatchRemote(cmd command.Command) error {
	switch c := cmd.(type) {
	case *command.MessageDispatch:
		b.waitStarted()
		if c.Message == nil {
			return nil
		}
		if err := b.serviceRemoteAdvisory(c.Message.DataStructure); err != nil {
			return err
		}
		return b.ackAdvisory(c.Message)
	case *command.BrokerInfo:
		return b.serviceRemoteBrokerInfo(c)
	case *command.ConnectionError:
		b.serviceRemoteException(c.Err())
		return nil
	}

	if b.isDuplex() {
		return b.dispatchDuplex(cmd)
	}
	switch cmd.Kind() {
	case command.KindKeepAliveInfo, command.KindWireFormatInfo, command.KindShutdownInfo:
	default:
		b.logger.Warn("unexpected remote command", "command", cmd.Kind())
	}
	return nil
}

func (b *Bridge) serviceRemoteBrokerInfo(info *command.BrokerInfo) error {
	b.lastConnect.Store(true)
	b.remoteBrokerInfo.Store(info)

	if info.NetworkProperties != "" {
		cfg, err := b.Config().ApplyNetworkProperties(info.NetworkProperties)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			b.logger.Error("rejecting remote network properties", "remoteBroker", info.BrokerName, "error", err)
		} else {
			b.cfg.Store(&cfg)
		}
	}

	b.broker.AddPeerBroker(info)
	fwd := *info
	fwd.Base = command.Base{}
	if err := b.local.Oneway(b.ctx, &fwd); err != nil {
		return fmt.Errorf("forward broker info: %w", err)
	}

	b.brokerInfoMu.Lock()
	defer b.brokerInfoMu.Unlock()
	if info.BrokerID == b.localBrokerID {
		b.logger.Info("disconnecting loop back connection", "remoteBroker", info.BrokerName, "brokerId", info.BrokerID)
		b.dispose(b)
		return nil
	}
	if !b.disposed.Load() {
		b.triggerLocalStart()
	}
	return nil
}

// ackAdvisory acknowledges the demand advisories once more than the
// configured share of the demand prefetch was dispatched.
func (b *Bridge) ackAdvisory(msg *command.Message) error {
	demand := b.demandConsumer.Load()
	if demand == nil {
		return nil
	}
	b.ackMu.Lock()
	b.demandDispatched++
	n := b.demandDispatched
	due := n*100 > demand.PrefetchSize*b.Config().AdvisoryAckPercentage
	if due {
		b.demandDispatched = 0
	}
	b.ackMu.Unlock()
	if !due {
		return nil
	}
	ack := &command.MessageAck{
		AckType:        command.StandardAck,
		ConsumerID:     demand.ConsumerID,
		Destination:    msg.Destination,
		FirstMessageID: msg.MessageID,
		LastMessageID:  msg.MessageID,
		MessageCount:   n,
	}
	return b.remote.Oneway(b.ctx, ack)
}

func (b *Bridge) serviceRemoteAdvisory(data command.Command) error {
	switch c := data.(type) {
	case *command.ConsumerInfo:
		return b.serviceRemoteConsumerInfo(c)
	case *command.DestinationInfo:
		return b.serviceRemoteDestinationInfo(c)
	case *command.RemoveInfo:
		if id, ok := c.ConsumerID(); ok {
			b.removeDemandSubscription(id)
		}
	}
	return nil
}

// admissible applies the loop and hop guards shared by consumer and
// destination advisories.
func (b *Bridge) admissible(path command.BrokerPath, what string, attrs ...any) bool {
	ttl := b.Config().NetworkTTL
	if path.Len() >= ttl {
		b.logger.Debug("ignoring "+what+", restricted network hops", append(attrs, "networkTTL", ttl)...)
		return false
	}
	if path.Contains(b.localBrokerID) {
		b.logger.Debug("ignoring "+what+", already routed through this broker", attrs...)
		return false
	}
	return true
}

func (b *Bridge) serviceRemoteConsumerInfo(info *command.ConsumerInfo) error {
	attrs := []any{"remoteBroker", b.remoteName(), "consumerId", info.ConsumerID, "destination", info.Destination}
	if info.Browser {
		b.logger.Debug("ignoring subscription, browsers are suppressed", attrs...)
		return nil
	}
	if !b.admissible(info.BrokerPath, "subscription", attrs...) {
		return nil
	}
	if !NewDestinationPermission(b.Config()).Permitted(info.Destination, false) {
		b.logger.Debug("ignoring subscription, destination not permitted", attrs...)
		return nil
	}

	// Several bridges of one broker may carry the same subscription in a
	// cyclic mesh.
	lock := b.broker.AdmissionLock()
	lock.Lock()
	defer lock.Unlock()
	added, err := b.addConsumerInfo(info)
	if err != nil {
		return err
	}
	if added {
		b.logger.Debug("bridged subscription", attrs...)
	} else {
		b.logger.Debug("ignoring subscription, already subscribed to matching destination", attrs...)
	}
	return nil
}

func (b *Bridge) serviceRemoteDestinationInfo(info *command.DestinationInfo) error {
	if !b.admissible(info.BrokerPath, "destination", "destination", info.Destination) {
		return nil
	}
	conn := b.localConn.Load()
	if conn == nil {
		return nil
	}
	fwd := info.Clone()
	fwd.Base = command.Base{}
	fwd.ConnectionID = conn.ConnectionID
	if fwd.Destination.IsTemporary() {
		fwd.Destination.ConnectionID = conn.ConnectionID
	}
	fwd.BrokerPath = info.BrokerPath.Append(b.remoteBrokerID())
	return b.local.Oneway(b.ctx, fwd)
}

func (b *Bridge) dispatchDuplex(cmd command.Command) error {
	switch c := cmd.(type) {
	case *command.Message:
		if command.IsConsumerAdvisoryTopic(c.Destination) || command.IsDestinationAdvisoryTopic(c.Destination) {
			b.waitStarted()
			if err := b.serviceRemoteAdvisory(c.DataStructure); err != nil {
				return err
			}
			return b.ackAdvisory(c)
		}
		if !NewDestinationPermission(b.Config()).Permitted(c.Destination, true) {
			return nil
		}
		correlationID, reply := c.CommandID, c.ResponseRequired
		fwd := c.Clone()
		fwd.Base = command.Base{}
		if err := b.local.Oneway(b.ctx, fwd); err != nil {
			return err
		}
		if reply {
			return b.remote.Oneway(b.ctx, &command.Response{CorrelationID: correlationID})
		}
		return nil
	case *command.ConnectionInfo:
		fwd := *c
		fwd.Base = command.Base{}
		return b.local.Oneway(b.ctx, &fwd)
	case *command.SessionInfo:
		fwd := *c
		fwd.Base = command.Base{}
		return b.local.Oneway(b.ctx, &fwd)
	case *command.ProducerInfo:
		fwd := *c
		fwd.Base = command.Base{}
		return b.local.Oneway(b.ctx, &fwd)
	case *command.MessageAck:
		sub, ok := b.registry.ByRemote(c.ConsumerID)
		if !ok {
			b.logger.Warn("matching local subscription not found for ack", "consumerId", c.ConsumerID)
			return nil
		}
		ack := c.Clone()
		ack.Base = command.Base{}
		ack.ConsumerID = sub.LocalInfo().ConsumerID
		return b.local.Oneway(b.ctx, ack)
	case *command.ConsumerInfo:
		_ = b.localUp.wait(b.ctx)
		if !b.started.Load() || b.disposed.Load() {
			b.logger.Warn("stopping, ignoring subscription", "consumerId", c.ConsumerID)
			return nil
		}
		lock := b.broker.AdmissionLock()
		lock.Lock()
		defer lock.Unlock()
		added, err := b.addConsumerInfo(c)
		if err == nil && !added {
			b.logger.Debug("ignoring subscription", "consumerId", c.ConsumerID)
		}
		return err
	case *command.ShutdownInfo:
		b.logger.Info("stopping network bridge on shutdown of remote broker")
		b.serviceRemoteException(ErrRemoteShutdown)
		return nil
	default:
		b.logger.Debug("ignoring remote command", "command", cmd.Kind())
		return nil
	}
}
