package bridge

import (
	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/filter"
)

func (b *Bridge) serviceLocalCommand(cmd command.Command) {
	if b.disposed.Load() {
		return
	}
	if err := b.dispatchLocal(cmd); err != nil {
		b.logger.Warn("failed to process local command", "command", cmd.Kind(), "error", err)
		b.serviceLocalException(err)
	}
}

func (b *Bridge) dispatchLocal(cmd command.Command) error {
	switch c := cmd.(type) {
	case *command.MessageDispatch:
		b.enqueued.Add(1)
		return b.forward(c)
	case *command.BrokerInfo:
		b.localBrokerInfo.Store(c)
		b.serviceLocalBrokerInfo()
	case *command.ShutdownInfo:
		b.logger.Info("local broker shutting down")
		b.dispose(b)
	case *command.ConnectionError:
		b.serviceLocalException(c.Err())
	case *command.WireFormatInfo:
	default:
		b.logger.Warn("unexpected local command", "command", cmd.Kind())
	}
	return nil
}

func (b *Bridge) serviceLocalBrokerInfo() {
	b.brokerInfoMu.Lock()
	defer b.brokerInfoMu.Unlock()
	if remote := b.remoteBrokerID(); remote != "" && remote == b.localBrokerID {
		b.logger.Info("disconnecting local loop back connection", "brokerId", remote)
		b.dispose(b)
	}
}

// forward sends a message dispatched to a demand subscription to the peer.
// Non-persistent messages are acknowledged as soon as they are sent;
// anything else is acknowledged when the peer confirms it.
func (b *Bridge) forward(md *command.MessageDispatch) error {
	sub, ok := b.registry.ByLocal(md.ConsumerID)
	if !ok || md.Message == nil {
		b.logger.Debug("no subscription registered with this bridge", "consumerId", md.ConsumerID)
		return nil
	}
	if !sub.acquire() {
		b.logger.Warn("dropping dispatch, too many outstanding forwards",
			"consumerId", md.ConsumerID, "outstanding", sub.Outstanding())
		return nil
	}

	ack := command.NewMessageAck(md, command.IndividualAck, 1)
	if b.suppressDispatch(md, sub) {
		defer sub.release()
		b.logger.Debug("message not forwarded, it came from the peer or exceeds the network TTL",
			"remoteBroker", b.remoteName(), "messageId", md.Message.MessageID, "brokerPath", md.Message.BrokerPath)
		// The dispatch is acknowledged anyway so a durable cursor advances.
		return b.local.Oneway(b.ctx, ack)
	}

	msg := b.configureMessage(md)
	b.logger.Debug("bridging message", "remoteBroker", b.remoteName(), "messageId", msg.MessageID,
		"consumerId", md.ConsumerID, "destination", msg.Destination, "brokerPath", msg.BrokerPath)

	if !b.Config().AlwaysSyncSend && !msg.Persistent {
		defer sub.release()
		if err := b.remote.Oneway(b.ctx, msg); err != nil {
			return err
		}
		if err := b.local.Oneway(b.ctx, ack); err != nil {
			return err
		}
		b.dequeued.Add(1)
		return nil
	}

	err := b.remote.AsyncRequest(b.ctx, msg, func(resp command.Command, err error) {
		defer sub.release()
		if err == nil {
			if ex, ok := resp.(*command.ExceptionResponse); ok {
				err = ex.Err()
			}
		}
		if err == nil {
			err = b.local.Oneway(b.ctx, ack)
		}
		if err != nil {
			b.serviceLocalException(err)
			return
		}
		b.dequeued.Add(1)
	})
	if err != nil {
		sub.release()
		return err
	}
	return nil
}

// suppressDispatch applies the network filter to durable subscriptions,
// which cannot carry it as a local predicate.
func (b *Bridge) suppressDispatch(md *command.MessageDispatch, sub *DemandSubscription) bool {
	return sub.LocalInfo().Durable() && !sub.Filter().Matches(md.Message)
}

func (b *Bridge) configureMessage(md *command.MessageDispatch) *command.Message {
	msg := md.Message.Clone()
	msg.Base = command.Base{}
	msg.BrokerPath = md.Message.BrokerPath.Append(b.localBrokerID)
	if p := b.producer.Load(); p != nil {
		msg.ProducerID = p.ProducerID
	}
	msg.Destination = md.Destination
	if msg.OriginalTransactionID == "" {
		msg.OriginalTransactionID = msg.TransactionID
	}
	msg.TransactionID = ""
	return msg
}

// addConsumerInfo creates a demand subscription for a remote consumer and
// registers it with the local broker unless a duplicate already carries the
// demand. The caller holds the admission lock.
func (b *Bridge) addConsumerInfo(remote *command.ConsumerInfo) (bool, error) {
	info := remote.Clone()
	info.BrokerPath = remote.BrokerPath.Append(b.remoteBrokerID())
	sub := b.createDemandSubscription(info)
	if sub == nil {
		return false, nil
	}
	if b.duplicateSuppressed(sub) {
		b.registry.Remove(sub)
		return false, nil
	}
	return true, b.addSubscription(sub)
}

func (b *Bridge) duplicateSuppressed(candidate *DemandSubscription) bool {
	dest := candidate.RemoteInfo().Destination
	if !suppressionEnabled(b.Config(), dest) {
		return false
	}
	admission, duplicate := Arbitrate(candidate, b.broker.Subscriptions(dest.IsTopic()))
	switch admission {
	case Suppressed:
		b.logger.Debug("ignoring duplicate subscription with equal or higher priority",
			"remoteBroker", b.remoteName(), "consumerId", candidate.RemoteInfo().ConsumerID,
			"networkConsumerIds", candidate.RemoteInfo().NetworkConsumerIDs)
		return true
	case Replaced:
		b.removeDuplicateSubscription(duplicate)
		b.logger.Debug("replacing duplicate subscription with higher priority subscription",
			"remoteBroker", b.remoteName(), "replaced", duplicate.ConsumerID,
			"consumerId", candidate.RemoteInfo().ConsumerID)
	}
	return false
}

func (b *Bridge) removeDuplicateSubscription(info *command.ConsumerInfo) {
	for _, connector := range b.broker.NetworkConnectors() {
		if connector.RemoveDemandSubscription(info.ConsumerID) {
			return
		}
	}
	b.logger.Debug("no connector owns the replaced subscription", "consumerId", info.ConsumerID)
}

func (b *Bridge) addSubscription(sub *DemandSubscription) error {
	return b.local.Oneway(b.ctx, sub.LocalInfo().Clone())
}

// createDemandSubscription adds the consumer's own id to its network
// consumer ids and registers a demand subscription for it. It returns nil
// when the local session is not established.
func (b *Bridge) createDemandSubscription(info *command.ConsumerInfo) *DemandSubscription {
	if !info.HasNetworkConsumerID(info.ConsumerID) {
		info.NetworkConsumerIDs = append(info.NetworkConsumerIDs, info.ConsumerID)
	}
	session := b.localSession.Load()
	conn := b.localConn.Load()
	if session == nil || conn == nil {
		return nil
	}
	cfg := b.Config()

	local := info.Clone()
	local.ConsumerID = command.NewConsumerID(session.SessionID, b.consumerIDs.Next())
	local.NetworkSubscription = true
	if info.Destination.IsTemporary() {
		local.Destination.ConnectionID = conn.ConnectionID
	}
	if cfg.DecreaseNetworkConsumerPriority {
		priority := cfg.ConsumerPriorityBase
		// The longer the path to the consumer, the lower its priority.
		if info.BrokerPath.Len() > 1 {
			priority -= info.BrokerPath.Len() + 1
		}
		local.Priority = priority
		b.logger.Debug("using priority for subscription", "priority", priority, "consumerId", info.ConsumerID)
	}
	local.DispatchAsync = cfg.DispatchAsync
	local.PrefetchSize = cfg.PrefetchSize

	f := b.filterFactory(info.Destination).Create(info, command.BrokerPath{b.remoteBrokerID()}, cfg.NetworkTTL)
	if !info.Durable() {
		local.AdditionalPredicate = f
	}
	sub := newDemandSubscription(info, local, f, cfg.MaxOutstandingResponses)
	b.registry.Add(sub)
	return sub
}

func (b *Bridge) filterFactory(dest command.Destination) filter.Factory {
	if f := b.broker.FilterFactory(dest); f != nil {
		return f
	}
	return filter.DefaultFactory
}

// setupStaticDestinations subscribes to every statically included
// destination regardless of remote demand.
func (b *Bridge) setupStaticDestinations() {
	session := b.localSession.Load()
	if session == nil {
		return
	}
	for _, dest := range b.Config().StaticallyIncludedDestinations {
		info := &command.ConsumerInfo{
			ConsumerID:  command.NewConsumerID(session.SessionID, b.consumerIDs.Next()),
			Destination: dest,
		}
		sub := b.createDemandSubscription(info)
		if sub == nil {
			continue
		}
		if err := b.addSubscription(sub); err != nil {
			b.logger.Error("failed to add static destination", "destination", dest, "error", err)
			continue
		}
		b.logger.Debug("bridging messages for static destination", "destination", dest)
	}
}

// removeDemandSubscription unregisters the subscription of a remote
// consumer. The local consumer is removed once its outstanding forwards
// completed.
func (b *Bridge) removeDemandSubscription(remoteID command.ConsumerID) bool {
	sub, ok := b.registry.RemoveByRemote(remoteID)
	b.logger.Debug("remove request from remote broker", "remoteBroker", b.remoteName(), "consumerId", remoteID, "found", ok)
	if !ok {
		return false
	}
	go func() {
		sub.waitForCompletion()
		if err := b.local.Oneway(b.ctx, sub.LocalInfo().CreateRemoveCommand()); err != nil {
			b.logger.Warn("failed to deliver remove command for local subscription",
				"consumerId", sub.RemoteInfo().ConsumerID, "error", err)
		}
	}()
	return true
}

// RemoveDemandSubscriptionByLocalID removes the demand subscription whose
// local consumer has the given id.
func (b *Bridge) RemoveDemandSubscriptionByLocalID(localID command.ConsumerID) bool {
	sub, ok := b.registry.ByLocal(localID)
	if !ok {
		return false
	}
	return b.removeDemandSubscription(sub.RemoteInfo().ConsumerID)
}
