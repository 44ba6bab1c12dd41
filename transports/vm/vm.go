// Package vm provides an in-process transport pair. Commands cross the
// pair through the JSON codec, so each side sees its own copy exactly as it
// would over a network transport.
package vm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/transport"
)

const defaultBuffer = 1024

// Option configures both ends of a pair.
type Option func(*options)

type options struct {
	buffer int
	logger *slog.Logger
	name   string
}

// WithBuffer sets the inbox capacity of each end.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithName sets the name used in the ends' addresses.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Transport is one end of an in-process pair.
type Transport struct {
	address    string
	peer       *Transport
	inbox      chan []byte
	correlator *transport.Correlator
	logger     *slog.Logger

	listener atomic.Pointer[listenerBox]
	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	exited   chan struct{}
}

type listenerBox struct{ l transport.Listener }

var _ transport.Transport = (*Transport)(nil)

// NewPair creates two connected ends.
func NewPair(opts ...Option) (*Transport, *Transport) {
	o := &options{buffer: defaultBuffer, logger: slog.Default(), name: "vm"}
	for _, opt := range opts {
		opt(o)
	}
	a := newEnd(fmt.Sprintf("vm://%s#a", o.name), o)
	b := newEnd(fmt.Sprintf("vm://%s#b", o.name), o)
	a.peer, b.peer = b, a
	return a, b
}

func newEnd(address string, o *options) *Transport {
	return &Transport{
		address:    address,
		inbox:      make(chan []byte, o.buffer),
		correlator: transport.NewCorrelator(),
		logger:     o.logger.With("transport", address),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

// SetListener installs the command listener.
func (t *Transport) SetListener(l transport.Listener) {
	t.listener.Store(&listenerBox{l: l})
}

// Start begins dispatching inbound commands.
func (t *Transport) Start(ctx context.Context) error {
	if t.isStopped() {
		return transport.ErrDisposed
	}
	if t.listener.Load() == nil {
		return transport.ErrNoListener
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	go t.dispatch()
	return nil
}

// Stop closes this end and reports the closure to the peer.
func (t *Transport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		close(t.done)
		t.correlator.Fail(transport.ErrDisposed)
		if t.peer != nil {
			t.peer.peerStopped()
		}
	})
	if t.started.Load() {
		select {
		case <-t.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *Transport) peerStopped() {
	if t.isStopped() {
		return
	}
	t.correlator.Fail(transport.ErrPeerStopped)
	if box := t.listener.Load(); box != nil && t.started.Load() {
		go box.l.OnError(fmt.Errorf("%w: %s", transport.ErrPeerStopped, t.peer.address))
	}
}

func (t *Transport) isStopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Oneway sends cmd to the peer.
func (t *Transport) Oneway(ctx context.Context, cmd command.Command) error {
	t.correlator.Stamp(cmd)
	return t.send(ctx, cmd)
}

// Request sends cmd and waits for the peer's response.
func (t *Transport) Request(ctx context.Context, cmd command.Command) (command.Command, error) {
	return t.correlator.Request(ctx, cmd, t.send)
}

// AsyncRequest sends cmd; cb runs when the peer responds.
func (t *Transport) AsyncRequest(ctx context.Context, cmd command.Command, cb transport.ResponseCallback) error {
	return t.correlator.AsyncRequest(ctx, cmd, cb, t.send)
}

// RemoteAddress returns the peer's address.
func (t *Transport) RemoteAddress() string { return t.peer.address }

// LocalAddress returns this end's address.
func (t *Transport) LocalAddress() string { return t.address }

func (t *Transport) send(ctx context.Context, cmd command.Command) error {
	if t.isStopped() || t.peer.isStopped() {
		return transport.ErrDisposed
	}
	data, err := command.Marshal(cmd)
	if err != nil {
		return err
	}
	select {
	case t.peer.inbox <- data:
		return nil
	case <-t.done:
		return transport.ErrDisposed
	case <-t.peer.done:
		return transport.ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) dispatch() {
	defer close(t.exited)
	for {
		select {
		case <-t.done:
			return
		case data := <-t.inbox:
			cmd, err := command.Unmarshal(data)
			if err != nil {
				t.logger.Warn("Dropping undecodable command", "error", err)
				continue
			}
			if t.correlator.Complete(cmd) {
				continue
			}
			t.listener.Load().l.OnCommand(cmd)
		}
	}
}
