package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-netbridge/command"
)

// Correlator matches responses to outstanding requests by command id. A
// transport stamps every outgoing command with Stamp and hands inbound
// responses to Complete before dispatching anything else to its listener.
type Correlator struct {
	nextID atomic.Int32

	mu      sync.Mutex
	pending map[int32]ResponseCallback
	err     error
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int32]ResponseCallback)}
}

// Stamp assigns the next command id to cmd and returns it.
func (c *Correlator) Stamp(cmd command.Command) int32 {
	id := c.nextID.Add(1)
	cmd.Header().CommandID = id
	return id
}

// Register stamps cmd as requiring a response and records cb for it.
func (c *Correlator) Register(cmd command.Command, cb ResponseCallback) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	id := c.Stamp(cmd)
	cmd.Header().ResponseRequired = true
	c.pending[id] = cb
	return id, nil
}

// Forget drops a pending request without completing it.
func (c *Correlator) Forget(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Complete delivers resp to the request it answers. It returns false when
// resp is not a response or nothing is waiting for it.
func (c *Correlator) Complete(resp command.Command) bool {
	id, ok := command.CorrelationOf(resp)
	if !ok {
		return false
	}
	c.mu.Lock()
	cb, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	cb(resp, nil)
	return true
}

// Fail completes every pending request with err and makes further
// registrations fail with it.
func (c *Correlator) Fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[int32]ResponseCallback)
	c.mu.Unlock()

	for _, cb := range pending {
		cb(nil, err)
	}
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SendFunc writes a stamped command to the wire.
type SendFunc func(ctx context.Context, cmd command.Command) error

// AsyncRequest registers cmd, sends it with send and returns. cb runs on
// completion; it does not run when the send itself fails.
func (c *Correlator) AsyncRequest(ctx context.Context, cmd command.Command, cb ResponseCallback, send SendFunc) error {
	id, err := c.Register(cmd, cb)
	if err != nil {
		return err
	}
	if err := send(ctx, cmd); err != nil {
		c.Forget(id)
		return err
	}
	return nil
}

// Request sends cmd and waits for its response.
func (c *Correlator) Request(ctx context.Context, cmd command.Command, send SendFunc) (command.Command, error) {
	type result struct {
		resp command.Command
		err  error
	}
	done := make(chan result, 1)
	id, err := c.Register(cmd, func(resp command.Command, err error) {
		done <- result{resp, err}
	})
	if err != nil {
		return nil, err
	}
	if err := send(ctx, cmd); err != nil {
		c.Forget(id)
		return nil, err
	}
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		c.Forget(id)
		return nil, fmt.Errorf("transport: request %d: %w", id, ctx.Err())
	}
}
