package bridge

import (
	"github.com/glimte/mmate-netbridge/command"
)

// Admission is the outcome of duplicate arbitration.
type Admission int

const (
	// Admitted means no conflicting subscription exists.
	Admitted Admission = iota
	// Suppressed means an existing subscription of equal or higher
	// priority already carries the demand.
	Suppressed
	// Replaced means a lower priority duplicate must be removed in favour
	// of the candidate.
	Replaced
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Suppressed:
		return "suppressed"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Arbitrate compares a candidate demand subscription with the live
// subscriptions of the local broker. A duplicate shares at least one network
// consumer id with the candidate. Only the first duplicate found decides. On
// Replaced the duplicate's consumer info is returned.
func Arbitrate(candidate *DemandSubscription, existing []RegionSubscription) (Admission, *command.ConsumerInfo) {
	ids := candidate.RemoteInfo().NetworkConsumerIDs
	for _, sub := range existing {
		info := sub.Info()
		if len(info.NetworkConsumerIDs) == 0 || !sharesConsumer(ids, info) {
			continue
		}
		// An inactive durable subscription keeps its slot.
		if info.Durable() && !sub.Active() {
			return Admitted, nil
		}
		if info.Priority >= candidate.LocalInfo().Priority {
			return Suppressed, nil
		}
		return Replaced, info
	}
	return Admitted, nil
}

func sharesConsumer(ids []command.ConsumerID, info *command.ConsumerInfo) bool {
	for _, id := range ids {
		if info.HasNetworkConsumerID(id) {
			return true
		}
	}
	return false
}

func suppressionEnabled(cfg Config, dest command.Destination) bool {
	if dest.IsQueue() {
		return cfg.SuppressDuplicateQueueSubscriptions
	}
	return cfg.SuppressDuplicateTopicSubscriptions
}
