// Package nats carries bridge commands over core NATS subjects. Each node
// listens on its own subject; a transport subscribes to the local subject
// and publishes to the peer's.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/transport"
)

const (
	subjectPrefix = "mmate.bridge."
	kindHeader    = "Mmate-Kind"
)

// ErrConnectionLost is reported to the listener when the NATS connection drops.
var ErrConnectionLost = errors.New("nats transport: connection lost")

// Subject returns the subject a node listens on.
func Subject(node string) string { return subjectPrefix + node }

// Dialer opens a NATS connection
type Dialer func(url string, opts ...nats.Option) (*nats.Conn, error)

// Transport is a transport.Transport over NATS.
type Transport struct {
	url          string
	name         string
	localSubject string
	peerSubject  string
	pingInterval time.Duration
	dial         Dialer
	logger       *slog.Logger
	correlator   *transport.Correlator

	mu       sync.Mutex
	listener transport.Listener
	conn     *nats.Conn
	sub      *nats.Subscription
	started  atomic.Bool
	stopped  atomic.Bool
	failOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithClientName sets the client name shown in NATS monitoring
func WithClientName(name string) Option {
	return func(t *Transport) { t.name = name }
}

// WithPingInterval sets how often the server connection is probed
func WithPingInterval(d time.Duration) Option {
	return func(t *Transport) { t.pingInterval = d }
}

// WithDialer replaces nats.Connect
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// New creates a transport from localNode to peerNode through the NATS
// server at url. Nothing is dialed until Start.
func New(url, localNode, peerNode string, opts ...Option) *Transport {
	t := &Transport{
		url:          url,
		name:         "mmate-netbridge-" + localNode,
		localSubject: Subject(localNode),
		peerSubject:  Subject(peerNode),
		pingInterval: 5 * time.Second,
		dial:         nats.Connect,
		logger:       slog.Default(),
		correlator:   transport.NewCorrelator(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transport", t.RemoteAddress())
	return t
}

// SetListener installs the command listener
func (t *Transport) SetListener(l transport.Listener) {
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
}

func (t *Transport) currentListener() transport.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Start connects and subscribes to the local subject
func (t *Transport) Start(ctx context.Context) error {
	if t.stopped.Load() {
		return transport.ErrDisposed
	}
	if t.currentListener() == nil {
		return transport.ErrNoListener
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A bridge is re-created by its connector, so the client never reconnects.
	conn, err := t.dial(t.url,
		nats.Name(t.name),
		nats.NoReconnect(),
		nats.PingInterval(t.pingInterval),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = ErrConnectionLost
			}
			t.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}),
		nats.ClosedHandler(func(*nats.Conn) { t.fail(ErrConnectionLost) }),
	)
	if err != nil {
		return authError(fmt.Errorf("nats connect %s: %w", t.url, err))
	}

	sub, err := conn.Subscribe(t.localSubject, t.handleMsg)
	if err != nil {
		conn.Close()
		return authError(fmt.Errorf("nats subscribe %s: %w", t.localSubject, err))
	}

	t.mu.Lock()
	t.conn = conn
	t.sub = sub
	t.mu.Unlock()
	t.logger.Info("transport started", "subject", t.localSubject, "peer", t.peerSubject)
	return nil
}

// Stop unsubscribes and closes the connection
func (t *Transport) Stop(context.Context) error {
	if !t.stopped.CompareAndSwap(false, true) {
		return nil
	}
	t.correlator.Fail(transport.ErrDisposed)

	t.mu.Lock()
	conn, sub := t.conn, t.sub
	t.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("unsubscribe failed", "error", err)
		}
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Oneway publishes cmd to the peer subject
func (t *Transport) Oneway(ctx context.Context, cmd command.Command) error {
	t.correlator.Stamp(cmd)
	return t.send(ctx, cmd)
}

// Request publishes cmd and waits for the peer's response
func (t *Transport) Request(ctx context.Context, cmd command.Command) (command.Command, error) {
	return t.correlator.Request(ctx, cmd, t.send)
}

// AsyncRequest publishes cmd; cb runs when the peer responds
func (t *Transport) AsyncRequest(ctx context.Context, cmd command.Command, cb transport.ResponseCallback) error {
	return t.correlator.AsyncRequest(ctx, cmd, cb, t.send)
}

// RemoteAddress describes the peer subject
func (t *Transport) RemoteAddress() string {
	return t.url + "#" + t.peerSubject
}

func (t *Transport) send(_ context.Context, cmd command.Command) error {
	if t.stopped.Load() {
		return transport.ErrDisposed
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotStarted
	}
	msg, err := ToMsg(t.peerSubject, cmd)
	if err != nil {
		return err
	}
	return conn.PublishMsg(msg)
}

func (t *Transport) handleMsg(msg *nats.Msg) {
	cmd, err := FromMsg(msg)
	if err != nil {
		t.logger.Warn("dropping undecodable command", "subject", msg.Subject, "error", err)
		return
	}
	if t.correlator.Complete(cmd) {
		return
	}
	if l := t.currentListener(); l != nil && !t.stopped.Load() {
		l.OnCommand(cmd)
	}
}

func (t *Transport) fail(err error) {
	if t.stopped.Load() {
		return
	}
	err = authError(err)
	t.failOnce.Do(func() {
		t.correlator.Fail(err)
		if l := t.currentListener(); l != nil {
			l.OnError(err)
		}
	})
}

// ToMsg encodes cmd as a NATS message for subject.
func ToMsg(subject string, cmd command.Command) (*nats.Msg, error) {
	body, err := command.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(kindHeader, cmd.Kind().String())
	msg.Data = body
	return msg, nil
}

// FromMsg decodes a message built by ToMsg.
func FromMsg(msg *nats.Msg) (command.Command, error) {
	cmd, err := command.Unmarshal(msg.Data)
	if err != nil {
		return nil, err
	}
	if kind := msg.Header.Get(kindHeader); kind != "" && kind != cmd.Kind().String() {
		return nil, fmt.Errorf("nats transport: kind header %q does not match body %s", kind, cmd.Kind())
	}
	return cmd, nil
}

// authError marks authorization failures reported by the server with
// transport.ErrUnauthorized.
func authError(err error) error {
	switch {
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked),
		errors.Is(err, nats.ErrPermissionViolation):
		return fmt.Errorf("%w: %w", transport.ErrUnauthorized, err)
	}
	return err
}
