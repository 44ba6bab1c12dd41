package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-netbridge/command"
)

// DemandSubscription pairs a remote consumer with the local consumer the
// bridge registered on its behalf.
type DemandSubscription struct {
	remote *command.ConsumerInfo
	local  *command.ConsumerInfo
	filter command.MessagePredicate

	maxOutstanding int32
	outstanding    atomic.Int32

	mu      sync.Mutex
	drained *sync.Cond
}

func newDemandSubscription(remote, local *command.ConsumerInfo, f command.MessagePredicate, maxOutstanding int) *DemandSubscription {
	s := &DemandSubscription{
		remote:         remote,
		local:          local,
		filter:         f,
		maxOutstanding: int32(maxOutstanding),
	}
	s.drained = sync.NewCond(&s.mu)
	return s
}

// RemoteInfo returns the consumer as the peer announced it, with the peer
// appended to its broker path. Callers must not modify it.
func (s *DemandSubscription) RemoteInfo() *command.ConsumerInfo { return s.remote }

// LocalInfo returns the consumer registered on the local broker. Callers
// must not modify it.
func (s *DemandSubscription) LocalInfo() *command.ConsumerInfo { return s.local }

// Filter returns the network dispatch filter.
func (s *DemandSubscription) Filter() command.MessagePredicate { return s.filter }

// Outstanding returns the number of forwards awaiting completion.
func (s *DemandSubscription) Outstanding() int { return int(s.outstanding.Load()) }

// acquire reserves a forwarding slot. It fails when the cap is reached.
func (s *DemandSubscription) acquire() bool {
	for {
		n := s.outstanding.Load()
		if s.maxOutstanding > 0 && n >= s.maxOutstanding {
			return false
		}
		if s.outstanding.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release frees a slot reserved by acquire.
func (s *DemandSubscription) release() {
	if s.outstanding.Add(-1) <= 0 {
		s.mu.Lock()
		s.drained.Broadcast()
		s.mu.Unlock()
	}
}

// waitForCompletion blocks until no forwards are outstanding.
func (s *DemandSubscription) waitForCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.outstanding.Load() > 0 {
		s.drained.Wait()
	}
}
