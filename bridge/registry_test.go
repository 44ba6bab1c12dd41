package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-netbridge/command"
)

func newTestSubscription(remote, local int64, maxOutstanding int) *DemandSubscription {
	r := &command.ConsumerInfo{ConsumerID: command.NewConsumerID(command.SessionID{ConnectionID: "remote", Value: 1}, remote)}
	l := &command.ConsumerInfo{ConsumerID: command.NewConsumerID(command.SessionID{ConnectionID: "local", Value: 1}, local)}
	return newDemandSubscription(r, l, nil, maxOutstanding)
}

func TestSubscriptionRegistry(t *testing.T) {
	t.Run("a subscription is reachable through both ids", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		sub := newTestSubscription(1, 10, 0)
		r.Add(sub)

		byRemote, ok := r.ByRemote(sub.RemoteInfo().ConsumerID)
		require.True(t, ok)
		byLocal, ok := r.ByLocal(sub.LocalInfo().ConsumerID)
		require.True(t, ok)
		assert.Same(t, byRemote, byLocal)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("removal through either id clears both", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		a := newTestSubscription(1, 10, 0)
		b := newTestSubscription(2, 20, 0)
		r.Add(a)
		r.Add(b)

		got, ok := r.RemoveByRemote(a.RemoteInfo().ConsumerID)
		require.True(t, ok)
		assert.Same(t, a, got)
		_, ok = r.ByLocal(a.LocalInfo().ConsumerID)
		assert.False(t, ok)

		got, ok = r.RemoveByLocal(b.LocalInfo().ConsumerID)
		require.True(t, ok)
		assert.Same(t, b, got)
		_, ok = r.ByRemote(b.RemoteInfo().ConsumerID)
		assert.False(t, ok)
		assert.Equal(t, 0, r.Len())

		_, ok = r.RemoveByRemote(a.RemoteInfo().ConsumerID)
		assert.False(t, ok)
	})

	t.Run("re-adding a remote id replaces the old subscription", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		old := newTestSubscription(1, 10, 0)
		fresh := newTestSubscription(1, 11, 0)
		r.Add(old)
		r.Add(fresh)

		assert.Equal(t, 1, r.Len())
		_, ok := r.ByLocal(old.LocalInfo().ConsumerID)
		assert.False(t, ok)
		assert.False(t, r.Remove(old))
		assert.True(t, r.Remove(fresh))
	})

	t.Run("snapshots are detached", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		sub := newTestSubscription(1, 10, 0)
		r.Add(sub)
		snap := r.Snapshot()
		r.Clear()

		assert.Len(t, snap, 1)
		assert.Same(t, sub, snap[sub.RemoteInfo().ConsumerID])
		assert.Equal(t, 0, r.Len())
	})

	t.Run("concurrent use keeps both indexes consistent", func(t *testing.T) {
		r := NewSubscriptionRegistry()
		var wg sync.WaitGroup
		for i := int64(0); i < 50; i++ {
			wg.Add(1)
			go func(i int64) {
				defer wg.Done()
				sub := newTestSubscription(i, 100+i, 0)
				r.Add(sub)
				if i%2 == 0 {
					r.RemoveByLocal(sub.LocalInfo().ConsumerID)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 25, r.Len())
		for id, sub := range r.Snapshot() {
			got, ok := r.ByLocal(sub.LocalInfo().ConsumerID)
			require.True(t, ok, "remote %s", id)
			assert.Same(t, sub, got)
		}
	})
}

func TestDemandSubscription(t *testing.T) {
	t.Run("the outstanding cap is enforced", func(t *testing.T) {
		sub := newTestSubscription(1, 10, 2)
		assert.True(t, sub.acquire())
		assert.True(t, sub.acquire())
		assert.False(t, sub.acquire())
		sub.release()
		assert.True(t, sub.acquire())
		assert.Equal(t, 2, sub.Outstanding())
	})

	t.Run("a zero cap is unbounded", func(t *testing.T) {
		sub := newTestSubscription(1, 10, 0)
		for i := 0; i < 1000; i++ {
			require.True(t, sub.acquire())
		}
		assert.Equal(t, 1000, sub.Outstanding())
	})

	t.Run("waitForCompletion returns once every forward is released", func(t *testing.T) {
		sub := newTestSubscription(1, 10, 0)
		sub.acquire()
		sub.acquire()

		done := make(chan struct{})
		go func() {
			sub.waitForCompletion()
			close(done)
		}()

		sub.release()
		select {
		case <-done:
			t.Fatal("returned with a forward outstanding")
		case <-time.After(20 * time.Millisecond):
		}

		sub.release()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("did not return after the last release")
		}
	})

	t.Run("waitForCompletion does not block when idle", func(t *testing.T) {
		sub := newTestSubscription(1, 10, 0)
		done := make(chan struct{})
		go func() {
			sub.waitForCompletion()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("blocked without outstanding forwards")
		}
	})
}
