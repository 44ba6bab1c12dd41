// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/transport"
)

// Bridge forwards messages from the local broker to a remote peer for as
// long as the peer has consumers that want them.
type Bridge struct {
	cfg      atomic.Pointer[Config]
	local    transport.Transport
	remote   transport.Transport
	broker   BrokerService
	listener Listener
	logger   *slog.Logger

	registry    *SubscriptionRegistry
	ids         *command.IDGenerator
	consumerIDs command.Sequence

	localBrokerID   command.BrokerID
	createdByDuplex bool
	controlling     Service

	ctx    context.Context
	cancel context.CancelFunc

	started             atomic.Bool
	disposed            atomic.Bool
	failed              atomic.Bool
	localBridgeStarted  atomic.Bool
	remoteBridgeStarted atomic.Bool
	lastConnect         atomic.Bool

	stateMu sync.Mutex
	state   State

	// startMu serializes the two startup tasks.
	startMu  sync.Mutex
	localUp  *gate
	remoteUp *gate

	localConn      atomic.Pointer[command.ConnectionInfo]
	localSession   atomic.Pointer[command.SessionInfo]
	remoteConn     *command.ConnectionInfo
	producer       atomic.Pointer[command.ProducerInfo]
	demandConsumer atomic.Pointer[command.ConsumerInfo]

	brokerInfoMu     sync.Mutex
	localBrokerInfo  atomic.Pointer[command.BrokerInfo]
	remoteBrokerInfo atomic.Pointer[command.BrokerInfo]

	ackMu            sync.Mutex
	demandDispatched int

	enqueued atomic.Int64
	dequeued atomic.Int64
}

// Option configures a bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithListener sets the lifecycle listener
func WithListener(l Listener) Option {
	return func(b *Bridge) { b.listener = l }
}

// New creates a bridge between the local transport and the remote
// transport. The bridge does nothing until Start.
func New(cfg Config, local, remote transport.Transport, broker BrokerService, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if local == nil || remote == nil || broker == nil {
		return nil, fmt.Errorf("%w: local transport, remote transport and broker service are required", ErrInvalidConfig)
	}
	b := &Bridge{
		local:         local,
		remote:        remote,
		broker:        broker,
		logger:        slog.Default(),
		registry:      NewSubscriptionRegistry(),
		ids:           command.NewIDGenerator(),
		localBrokerID: broker.BrokerID(),
		localUp:       newGate(),
		remoteUp:      newGate(),
	}
	cfg = cfg.clone()
	b.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(b)
	}
	b.controlling = b
	b.logger = b.logger.With("broker", cfg.BrokerName, "bridge", cfg.Name)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Config returns the effective configuration, including settings adopted
// from the peer's BrokerInfo.
func (b *Bridge) Config() Config {
	return *b.cfg.Load()
}

// Start installs the transport listeners, starts both transports and
// begins the remote handshake in the background. Calling Start again is a
// no-op.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	b.setState(StateStarting)

	b.local.SetListener(transport.ListenerFuncs{
		Command: b.serviceLocalCommand,
		Error:   b.serviceLocalException,
	})
	b.remote.SetListener(transport.ListenerFuncs{
		Command: b.serviceRemoteCommand,
		Error:   b.serviceRemoteException,
	})

	if err := b.local.Start(ctx); err != nil {
		return &BridgeError{Side: Local, Op: "start", Err: err, Timestamp: time.Now()}
	}
	if err := b.remote.Start(ctx); err != nil {
		return &BridgeError{Side: Remote, Op: "start", Err: err, Timestamp: time.Now()}
	}
	if b.disposed.Load() {
		b.logger.Warn("bridge was disposed before start completed")
		return ErrDisposed
	}
	b.triggerRemoteStart()
	return nil
}

// DuplexStart starts a bridge on the accepting side of a duplex connection.
// conn is stopped instead of the bridge when the bridge fails, and
// remoteInfo is processed as if the peer had just sent it.
func (b *Bridge) DuplexStart(ctx context.Context, conn Service, localInfo, remoteInfo *command.BrokerInfo) error {
	b.createdByDuplex = true
	if conn != nil {
		b.controlling = conn
	}
	b.localBrokerInfo.Store(localInfo)
	b.remoteBrokerInfo.Store(remoteInfo)
	if err := b.Start(ctx); err != nil {
		return err
	}
	b.serviceRemoteCommand(remoteInfo)
	return nil
}

func (b *Bridge) triggerRemoteStart() {
	go func() {
		if err := b.startRemoteBridge(); err != nil {
			b.serviceRemoteException(err)
		}
	}()
}

func (b *Bridge) triggerLocalStart() {
	go func() {
		if err := b.startLocalBridge(); err != nil {
			b.serviceLocalException(err)
		}
	}()
}

func (b *Bridge) startLocalBridge() error {
	if !b.localBridgeStarted.CompareAndSwap(false, true) {
		return nil
	}
	b.startMu.Lock()
	defer b.startMu.Unlock()

	cfg := b.Config()
	if !b.disposed.Load() {
		conn := &command.ConnectionInfo{
			ConnectionID:     b.ids.ConnectionID(),
			ClientID:         cfg.Name + "_" + b.remoteName() + "_inbound_" + cfg.BrokerName,
			UserName:         cfg.UserName,
			Password:         cfg.Password,
			TransportContext: transport.PeerCertificates(b.remote),
		}
		resp, err := b.local.Request(b.ctx, conn)
		if err != nil {
			return fmt.Errorf("register local connection: %w", err)
		}
		if err := transport.ResponseError(resp); err != nil {
			return fmt.Errorf("register local connection: %w", err)
		}
		b.localConn.Store(conn)

		session := command.NewSessionInfo(conn.ConnectionID, 1)
		if err := b.local.Oneway(b.ctx, session); err != nil {
			return fmt.Errorf("register local session: %w", err)
		}
		b.localSession.Store(session)

		b.broker.NetworkBridgeStarted(b.remoteBrokerInfo.Load(), b.createdByDuplex, b.remote.RemoteAddress())
		if b.listener != nil {
			b.listener.OnStart(b)
		}
		b.logger.Info("network connection established",
			"local", b.local.RemoteAddress(), "remote", b.remote.RemoteAddress(), "remoteBroker", b.remoteName())
	} else {
		b.logger.Warn("bridge was disposed before the local bridge started")
	}

	b.localUp.open()
	b.markEstablished()

	if b.disposed.Load() {
		b.logger.Warn("network connection was interrupted during establishment", "remoteBroker", b.remoteName())
		return nil
	}
	b.setupStaticDestinations()
	return nil
}

func (b *Bridge) startRemoteBridge() error {
	if !b.remoteBridgeStarted.CompareAndSwap(false, true) {
		return nil
	}
	b.startMu.Lock()
	defer b.startMu.Unlock()

	cfg := b.Config()
	if !b.createdByDuplex {
		info := &command.BrokerInfo{
			BrokerID:          b.localBrokerID,
			BrokerName:        cfg.BrokerName,
			BrokerURL:         cfg.BrokerURL,
			NetworkConnection: true,
			DuplexConnection:  cfg.Duplex,
			NetworkProperties: cfg.NetworkProperties(),
		}
		if err := b.remote.Oneway(b.ctx, info); err != nil {
			return fmt.Errorf("announce broker: %w", err)
		}
	}
	if b.remoteConn != nil {
		if err := b.remote.Oneway(b.ctx, b.remoteConn.CreateRemoveCommand()); err != nil {
			return fmt.Errorf("remove previous connection: %w", err)
		}
	}

	conn := &command.ConnectionInfo{
		ConnectionID: b.ids.ConnectionID(),
		ClientID:     cfg.Name + "_" + cfg.BrokerName + "_outbound",
		UserName:     cfg.UserName,
		Password:     cfg.Password,
	}
	b.remoteConn = conn
	session := command.NewSessionInfo(conn.ConnectionID, 1)
	producer := command.NewProducerInfo(session.SessionID, 1)
	for _, cmd := range []command.Command{conn, session, producer} {
		if err := b.remote.Oneway(b.ctx, cmd); err != nil {
			return fmt.Errorf("register remote %s: %w", cmd.Kind(), err)
		}
	}
	b.producer.Store(producer)

	if !cfg.StaticBridge {
		advisory := cfg.DestinationFilter
		if cfg.BridgeTempDestinations {
			advisory += "," + command.TempDestinationCompositeAdvisoryTopic
		}
		demand := &command.ConsumerInfo{
			ConsumerID:    command.NewConsumerID(session.SessionID, 1),
			Destination:   command.NewTopic(advisory),
			PrefetchSize:  cfg.PrefetchSize,
			DispatchAsync: cfg.DispatchAsync,
		}
		b.demandConsumer.Store(demand)
		if err := b.remote.Oneway(b.ctx, demand.Clone()); err != nil {
			return fmt.Errorf("subscribe to demand advisories: %w", err)
		}
	}

	b.remoteUp.open()
	b.markEstablished()
	return nil
}

func (b *Bridge) markEstablished() {
	if !b.localUp.isOpen() || !b.remoteUp.isOpen() || b.disposed.Load() {
		return
	}
	b.stateMu.Lock()
	if b.state == StateStarting {
		b.state = StateEstablished
	}
	b.stateMu.Unlock()
}

// waitStarted blocks until both sides are up or the bridge stops.
func (b *Bridge) waitStarted() {
	_ = b.localUp.wait(context.Background())
	_ = b.remoteUp.wait(context.Background())
}

// Stop disposes the bridge. Shutdown notices are sent to both sides; the
// wait for them is bounded by Config.ShutdownTimeout, after which both
// transports are stopped regardless. Calling Stop again is a no-op.
func (b *Bridge) Stop(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}
	var err error
	if b.disposed.CompareAndSwap(false, true) {
		b.setState(StateStopping)
		b.logger.Debug("stopping bridge", "remoteBroker", b.remoteName())
		if b.listener != nil {
			b.listener.OnStop(b)
		}
		b.remoteBridgeStarted.Store(false)
		b.sendShutdown(ctx)

		// Release blocked command processing before the transports wait
		// for their dispatch goroutines.
		b.localUp.open()
		b.remoteUp.open()
		b.cancel()
		err = multierr.Combine(
			stopTransport(ctx, b.remote, Remote),
			stopTransport(ctx, b.local, Local),
		)
	}
	if info := b.remoteBrokerInfo.Load(); info != nil {
		b.broker.RemovePeerBroker(info)
		b.broker.NetworkBridgeStopped(info)
		b.logger.Info("bridge stopped", "remoteBroker", b.remoteName())
	}
	b.setState(StateStopped)
	return err
}

func (b *Bridge) sendShutdown(ctx context.Context) {
	timeout := b.Config().ShutdownTimeout
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	localSent := make(chan struct{})
	go func() {
		defer cancel()
		var once sync.Once
		release := func() { once.Do(func() { close(localSent) }) }
		defer release()
		if err := b.local.Oneway(sendCtx, &command.ShutdownInfo{}); err != nil {
			b.logger.Debug("failed to send shutdown to local broker", "error", err)
		}
		release()
		if err := b.remote.Oneway(sendCtx, &command.ShutdownInfo{}); err != nil {
			b.logger.Debug("failed to send shutdown to remote broker", "error", err)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-localSent:
	case <-timer.C:
		b.logger.Info("network bridge could not shut down in a timely manner", "timeout", timeout)
	case <-ctx.Done():
	}
}

func stopTransport(ctx context.Context, t transport.Transport, side Side) error {
	if err := t.Stop(ctx); err != nil {
		return &BridgeError{Side: side, Op: "stop", Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (b *Bridge) setState(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// dispose stops the controlling service without blocking the caller,
// which may be a transport dispatch goroutine.
func (b *Bridge) dispose(svc Service) {
	go func() {
		if err := svc.Stop(context.Background()); err != nil {
			b.logger.Debug("error stopping bridge", "error", err)
		}
	}()
}

func (b *Bridge) serviceRemoteException(err error) {
	if b.disposed.Load() {
		return
	}
	if IsSecurityError(err) {
		b.logger.Error("network connection shut down due to a remote error",
			"local", b.local.RemoteAddress(), "remote", b.remote.RemoteAddress(), "error", err)
	} else {
		b.logger.Warn("network connection shut down due to a remote error",
			"local", b.local.RemoteAddress(), "remote", b.remote.RemoteAddress(), "error", err)
	}
	b.fireBridgeFailed()
	b.dispose(b.controlling)
}

func (b *Bridge) serviceLocalException(err error) {
	if b.disposed.Load() {
		return
	}
	b.logger.Info("network connection shut down due to a local error",
		"local", b.local.RemoteAddress(), "remote", b.remote.RemoteAddress(), "error", err)
	b.fireBridgeFailed()
	b.dispose(b.controlling)
}

func (b *Bridge) fireBridgeFailed() {
	if b.listener != nil && b.failed.CompareAndSwap(false, true) {
		b.listener.OnBridgeFailed(b)
	}
}

func (b *Bridge) remoteName() string {
	if info := b.remoteBrokerInfo.Load(); info != nil && info.BrokerName != "" {
		return info.BrokerName
	}
	return "Unknown"
}

func (b *Bridge) remoteBrokerID() command.BrokerID {
	if info := b.remoteBrokerInfo.Load(); info != nil {
		return info.BrokerID
	}
	return ""
}

func (b *Bridge) isDuplex() bool {
	return b.Config().Duplex || b.createdByDuplex
}

// State returns the lifecycle state.
func (b *Bridge) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// Disposed reports whether the bridge was stopped or failed.
func (b *Bridge) Disposed() bool { return b.disposed.Load() }

// CreatedByDuplex reports whether the bridge was started with DuplexStart.
func (b *Bridge) CreatedByDuplex() bool { return b.createdByDuplex }

// LastConnectSucceeded reports whether the peer's BrokerInfo arrived.
func (b *Bridge) LastConnectSucceeded() bool { return b.lastConnect.Load() }

// EnqueueCounter counts messages dispatched to the bridge by the local broker.
func (b *Bridge) EnqueueCounter() int64 { return b.enqueued.Load() }

// DequeueCounter counts messages forwarded and acknowledged.
func (b *Bridge) DequeueCounter() int64 { return b.dequeued.Load() }

// RemoteAddress describes the remote transport.
func (b *Bridge) RemoteAddress() string { return b.remote.RemoteAddress() }

// LocalAddress describes the local transport.
func (b *Bridge) LocalAddress() string { return b.local.RemoteAddress() }

// RemoteBrokerName returns the peer's name, or "" before the handshake.
func (b *Bridge) RemoteBrokerName() string {
	if info := b.remoteBrokerInfo.Load(); info != nil {
		return info.BrokerName
	}
	return ""
}

// LocalBrokerName returns the name the local broker announced, or "".
func (b *Bridge) LocalBrokerName() string {
	if info := b.localBrokerInfo.Load(); info != nil {
		return info.BrokerName
	}
	return ""
}

// RemoteBrokerID returns the peer's id, or "" before the handshake.
func (b *Bridge) RemoteBrokerID() command.BrokerID { return b.remoteBrokerID() }

// LocalSubscriptions returns the demand subscriptions keyed by remote
// consumer id.
func (b *Bridge) LocalSubscriptions() map[command.ConsumerID]*DemandSubscription {
	return b.registry.Snapshot()
}

// ClearDownSubscriptions forgets every demand subscription without
// notifying the local broker.
func (b *Bridge) ClearDownSubscriptions() { b.registry.Clear() }
