package bridge

import (
	"context"
	"sync"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/filter"
)

// BrokerService is the local broker as seen by its bridges.
type BrokerService interface {
	BrokerID() command.BrokerID
	BrokerName() string

	AddPeerBroker(info *command.BrokerInfo)
	RemovePeerBroker(info *command.BrokerInfo)
	NetworkBridgeStarted(remote *command.BrokerInfo, createdByDuplex bool, remoteAddress string)
	NetworkBridgeStopped(remote *command.BrokerInfo)

	// Subscriptions returns the live topic or queue subscriptions.
	Subscriptions(topics bool) []RegionSubscription
	// FilterFactory returns the network filter factory configured for
	// dest, or nil for the default.
	FilterFactory(dest command.Destination) filter.Factory
	// AdmissionLock serializes demand admission across all bridges of the
	// broker.
	AdmissionLock() sync.Locker
	NetworkConnectors() []DemandRemover
}

// RegionSubscription is a subscription on the local broker.
type RegionSubscription interface {
	Info() *command.ConsumerInfo
	// Active is false for a durable subscription without a consumer.
	Active() bool
}

// DemandRemover removes a demand subscription it owns, identified by the
// local consumer id, and reports whether it did.
type DemandRemover interface {
	RemoveDemandSubscription(localID command.ConsumerID) bool
}

// Listener observes bridge lifecycle events.
type Listener interface {
	OnStart(b *Bridge)
	OnStop(b *Bridge)
	OnBridgeFailed(b *Bridge)
}

// ListenerFuncs adapts functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Start  func(*Bridge)
	Stop   func(*Bridge)
	Failed func(*Bridge)
}

func (l ListenerFuncs) OnStart(b *Bridge) {
	if l.Start != nil {
		l.Start(b)
	}
}

func (l ListenerFuncs) OnStop(b *Bridge) {
	if l.Stop != nil {
		l.Stop(b)
	}
}

func (l ListenerFuncs) OnBridgeFailed(b *Bridge) {
	if l.Failed != nil {
		l.Failed(b)
	}
}

// Service is anything that can be stopped when the bridge fails.
type Service interface {
	Stop(ctx context.Context) error
}
