package bridge

import (
	"sync"

	"github.com/glimte/mmate-netbridge/command"
)

// SubscriptionRegistry indexes demand subscriptions by local and by remote
// consumer id. A subscription is reachable from both indexes or from
// neither.
type SubscriptionRegistry struct {
	mu       sync.RWMutex
	byLocal  map[command.ConsumerID]*DemandSubscription
	byRemote map[command.ConsumerID]*DemandSubscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byLocal:  make(map[command.ConsumerID]*DemandSubscription),
		byRemote: make(map[command.ConsumerID]*DemandSubscription),
	}
}

// Add registers sub under both of its ids, replacing any subscription that
// held either id.
func (r *SubscriptionRegistry) Add(sub *DemandSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byLocal[sub.local.ConsumerID]; ok {
		r.unlink(old)
	}
	if old, ok := r.byRemote[sub.remote.ConsumerID]; ok {
		r.unlink(old)
	}
	r.byLocal[sub.local.ConsumerID] = sub
	r.byRemote[sub.remote.ConsumerID] = sub
}

// ByLocal looks a subscription up by its local consumer id.
func (r *SubscriptionRegistry) ByLocal(id command.ConsumerID) (*DemandSubscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byLocal[id]
	return sub, ok
}

// ByRemote looks a subscription up by its remote consumer id.
func (r *SubscriptionRegistry) ByRemote(id command.ConsumerID) (*DemandSubscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byRemote[id]
	return sub, ok
}

// RemoveByRemote unregisters the subscription of a remote consumer.
func (r *SubscriptionRegistry) RemoveByRemote(id command.ConsumerID) (*DemandSubscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byRemote[id]
	if ok {
		r.unlink(sub)
	}
	return sub, ok
}

// RemoveByLocal unregisters the subscription of a local consumer.
func (r *SubscriptionRegistry) RemoveByLocal(id command.ConsumerID) (*DemandSubscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byLocal[id]
	if ok {
		r.unlink(sub)
	}
	return sub, ok
}

// Remove unregisters sub if it is still registered.
func (r *SubscriptionRegistry) Remove(sub *DemandSubscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byLocal[sub.local.ConsumerID] != sub {
		return false
	}
	r.unlink(sub)
	return true
}

func (r *SubscriptionRegistry) unlink(sub *DemandSubscription) {
	if r.byLocal[sub.local.ConsumerID] == sub {
		delete(r.byLocal, sub.local.ConsumerID)
	}
	if r.byRemote[sub.remote.ConsumerID] == sub {
		delete(r.byRemote, sub.remote.ConsumerID)
	}
}

// Len returns the number of registered subscriptions.
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRemote)
}

// Snapshot returns the registered subscriptions keyed by remote consumer id.
func (r *SubscriptionRegistry) Snapshot() map[command.ConsumerID]*DemandSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[command.ConsumerID]*DemandSubscription, len(r.byRemote))
	for id, sub := range r.byRemote {
		out[id] = sub
	}
	return out
}

// Clear drops every subscription.
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.byLocal)
	clear(r.byRemote)
}
