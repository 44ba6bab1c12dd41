package bridge

import (
	"context"
	"crypto/x509"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/filter"
	"github.com/glimte/mmate-netbridge/transport"
)

type pendingRequest struct {
	cmd command.Command
	cb  transport.ResponseCallback
}

// fakeTransport records what the bridge sends. Tests inject inbound
// commands with deliver.
type fakeTransport struct {
	name string

	mu       sync.Mutex
	listener transport.Listener
	sent     []command.Command
	pending  []pendingRequest
	started  bool
	stopped  bool
	certs    []*x509.Certificate

	onOneway func(ctx context.Context, cmd command.Command) error
	response func(cmd command.Command) (command.Command, error)
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name}
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, p := range pending {
		p.cb(nil, transport.ErrDisposed)
	}
	return nil
}

func (f *fakeTransport) Oneway(ctx context.Context, cmd command.Command) error {
	f.mu.Lock()
	hook := f.onOneway
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, cmd); err != nil {
			return err
		}
	}
	f.record(cmd)
	return nil
}

func (f *fakeTransport) Request(_ context.Context, cmd command.Command) (command.Command, error) {
	f.record(cmd)
	f.mu.Lock()
	respond := f.response
	f.mu.Unlock()
	if respond != nil {
		return respond(cmd)
	}
	return &command.Response{CorrelationID: cmd.Header().CommandID}, nil
}

func (f *fakeTransport) AsyncRequest(_ context.Context, cmd command.Command, cb transport.ResponseCallback) error {
	f.record(cmd)
	f.mu.Lock()
	f.pending = append(f.pending, pendingRequest{cmd: cmd, cb: cb})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetListener(l transport.Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}

func (f *fakeTransport) RemoteAddress() string { return "fake://" + f.name }

func (f *fakeTransport) PeerCertificates() []*x509.Certificate { return f.certs }

func (f *fakeTransport) record(cmd command.Command) {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(cmd command.Command) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnCommand(cmd)
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnError(err)
}

func (f *fakeTransport) sentKind(kind command.Kind) []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command.Command
	for _, c := range f.sent {
		if c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) requests() []pendingRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pendingRequest(nil), f.pending...)
}

func (f *fakeTransport) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type regionSub struct {
	info   *command.ConsumerInfo
	active bool
}

func (r regionSub) Info() *command.ConsumerInfo { return r.info }
func (r regionSub) Active() bool                { return r.active }

type fakeBroker struct {
	id command.BrokerID

	mu         sync.Mutex
	admission  sync.Mutex
	peers      []*command.BrokerInfo
	removed    []*command.BrokerInfo
	started    int
	stopped    int
	queueSubs  []RegionSubscription
	topicSubs  []RegionSubscription
	factory    filter.Factory
	connectors []DemandRemover
}

func newFakeBroker(id command.BrokerID) *fakeBroker {
	return &fakeBroker{id: id}
}

func (f *fakeBroker) BrokerID() command.BrokerID { return f.id }
func (f *fakeBroker) BrokerName() string         { return string(f.id) }

func (f *fakeBroker) AddPeerBroker(info *command.BrokerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = append(f.peers, info)
}

func (f *fakeBroker) RemovePeerBroker(info *command.BrokerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, info)
}

func (f *fakeBroker) NetworkBridgeStarted(*command.BrokerInfo, bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeBroker) NetworkBridgeStopped(*command.BrokerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeBroker) Subscriptions(topics bool) []RegionSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topics {
		return append([]RegionSubscription(nil), f.topicSubs...)
	}
	return append([]RegionSubscription(nil), f.queueSubs...)
}

func (f *fakeBroker) FilterFactory(command.Destination) filter.Factory { return f.factory }
func (f *fakeBroker) AdmissionLock() sync.Locker                       { return &f.admission }

func (f *fakeBroker) NetworkConnectors() []DemandRemover {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DemandRemover(nil), f.connectors...)
}

func (f *fakeBroker) counts() (started, stopped, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped, len(f.removed)
}

// eventRecorder counts listener callbacks without retaining the bridge.
type eventRecorder struct {
	starts   atomic.Int32
	stops    atomic.Int32
	failures atomic.Int32
	started  atomic.Pointer[Bridge]
}

func (r *eventRecorder) OnStart(b *Bridge) {
	r.started.Store(b)
	r.starts.Add(1)
}

func (r *eventRecorder) OnStop(*Bridge) { r.stops.Add(1) }

func (r *eventRecorder) OnBridgeFailed(*Bridge) { r.failures.Add(1) }

type mockRemover struct {
	mock.Mock
}

func (m *mockRemover) RemoveDemandSubscription(id command.ConsumerID) bool {
	return m.Called(id).Bool(0)
}

type harness struct {
	bridge   *Bridge
	local    *fakeTransport
	remote   *fakeTransport
	broker   *fakeBroker
	listener *eventRecorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BrokerName = "local"
	cfg.BrokerURL = "vm://local"
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		local:    newFakeTransport("local"),
		remote:   newFakeTransport("remote"),
		broker:   newFakeBroker("local"),
		listener: &eventRecorder{},
	}
	b, err := New(cfg, h.local, h.remote, h.broker, WithListener(h.listener))
	require.NoError(t, err)
	h.bridge = b
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return h
}

// establish starts the bridge and completes both handshakes.
func (h *harness) establish(t *testing.T) {
	t.Helper()
	require.NoError(t, h.bridge.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.remote.sentKind(command.KindConsumerInfo)) == 1
	}, time.Second, time.Millisecond)
	h.remote.deliver(&command.BrokerInfo{BrokerID: "remote", BrokerName: "remote-broker"})
	require.Eventually(t, func() bool {
		return h.bridge.State() == StateEstablished
	}, time.Second, time.Millisecond)
}

func (h *harness) demandID() command.ConsumerID {
	return h.bridge.demandConsumer.Load().ConsumerID
}

// advise delivers a consumer advisory carrying data.
func (h *harness) advise(data command.Command) {
	topic := command.NewTopic(command.ConsumerAdvisoryPrefix + "Queue.orders")
	h.remote.deliver(&command.MessageDispatch{
		ConsumerID:  h.demandID(),
		Destination: topic,
		Message:     &command.Message{MessageID: "ID:advisory", Destination: topic, DataStructure: data},
	})
}

func remoteConsumer(value int64, dest command.Destination, path ...command.BrokerID) *command.ConsumerInfo {
	session := command.SessionID{ConnectionID: "remote-conn", Value: 1}
	return &command.ConsumerInfo{
		ConsumerID:   command.NewConsumerID(session, value),
		Destination:  dest,
		PrefetchSize: 10,
		BrokerPath:   path,
	}
}
