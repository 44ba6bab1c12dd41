package filter

import (
	"github.com/glimte/mmate-netbridge/command"
)

// NetworkFilter is the dispatch predicate of a demand subscription. It
// rejects messages that already crossed the network broker or that have
// used up their hop budget.
type NetworkFilter struct {
	Consumer        *command.ConsumerInfo
	NetworkBrokerID command.BrokerID
	NetworkTTL      int
}

// Matches implements command.MessagePredicate.
func (f *NetworkFilter) Matches(m *command.Message) bool {
	if m == nil {
		return false
	}
	if m.Advisory() {
		if f.Consumer != nil && f.Consumer.NetworkSubscription {
			return false
		}
		if info, ok := m.DataStructure.(*command.ConsumerInfo); ok && info.BrokerPath.Len() >= f.NetworkTTL {
			return false
		}
	}
	if m.BrokerPath.Contains(f.NetworkBrokerID) {
		return false
	}
	return m.BrokerPath.Len() < f.NetworkTTL
}

// Factory creates the network filter of a demand subscription. Brokers may
// install a custom factory per destination.
type Factory interface {
	Create(info *command.ConsumerInfo, networkBrokerPath command.BrokerPath, networkTTL int) command.MessagePredicate
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(*command.ConsumerInfo, command.BrokerPath, int) command.MessagePredicate

// Create calls f.
func (f FactoryFunc) Create(info *command.ConsumerInfo, path command.BrokerPath, ttl int) command.MessagePredicate {
	return f(info, path, ttl)
}

// DefaultFactory builds a NetworkFilter against the first broker of the
// network path.
var DefaultFactory Factory = FactoryFunc(func(info *command.ConsumerInfo, path command.BrokerPath, ttl int) command.MessagePredicate {
	var id command.BrokerID
	if path.Len() > 0 {
		id = path[0]
	}
	return &NetworkFilter{Consumer: info, NetworkBrokerID: id, NetworkTTL: ttl}
})
