// Package broker provides an in-memory broker: the peer and subscription
// tables a network bridge consults, and endpoints that serve broker
// connections over any transport.
package broker

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/glimte/mmate-netbridge/bridge"
	"github.com/glimte/mmate-netbridge/command"
	"github.com/glimte/mmate-netbridge/filter"
)

// PolicyEntry installs a network filter factory for the destinations
// matching Destination.
type PolicyEntry struct {
	Destination   command.Destination
	FilterFactory filter.Factory
}

// BridgeRecord describes a bridge the broker was told about.
type BridgeRecord struct {
	Remote          *command.BrokerInfo
	CreatedByDuplex bool
	RemoteAddress   string
	Since           time.Time
}

// Subscription is a consumer registered on the broker.
type Subscription struct {
	info      *command.ConsumerInfo
	predicate command.MessagePredicate
	endpoint  *Endpoint

	mu     sync.Mutex
	active bool
}

// Info returns the consumer. Callers must not modify it.
func (s *Subscription) Info() *command.ConsumerInfo { return s.info }

// Active reports whether a consumer is attached.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive marks a durable subscription as attached or detached.
func (s *Subscription) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

func (s *Subscription) accepts(msg *command.Message) bool {
	if s.info.Browser || s.info.Destination.IsTopic() != msg.Destination.IsTopic() {
		return false
	}
	if !filter.Parse(s.info.Destination).Matches(msg.Destination) {
		return false
	}
	return s.predicate == nil || s.predicate.Matches(msg)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithBrokerName sets the broker name. It defaults to the broker id.
func WithBrokerName(name string) Option {
	return func(s *Service) { s.name = name }
}

// WithPolicy adds destination policy entries. The first matching entry
// wins.
func WithPolicy(entries ...PolicyEntry) Option {
	return func(s *Service) { s.policies = append(s.policies, entries...) }
}

// WithNetworkTTL sets the hop budget applied to network subscriptions that
// arrive without a dispatch filter. Default 1.
func WithNetworkTTL(ttl int) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.networkTTL = ttl
		}
	}
}

// Service is an in-memory broker. It implements bridge.BrokerService.
type Service struct {
	id         command.BrokerID
	name       string
	logger     *slog.Logger
	policies   []PolicyEntry
	networkTTL int

	admission sync.Mutex

	mu         sync.RWMutex
	peers      map[command.BrokerID]*command.BrokerInfo
	bridges    map[command.BrokerID]BridgeRecord
	subs       []*Subscription
	connectors []bridge.DemandRemover
	endpoints  map[*Endpoint]struct{}
}

var _ bridge.BrokerService = (*Service)(nil)

// New creates a broker. An empty id is replaced by a random one.
func New(id command.BrokerID, opts ...Option) *Service {
	if id == "" {
		id = command.BrokerID("ID:" + uuid.NewString())
	}
	s := &Service{
		id:         id,
		name:       string(id),
		logger:     slog.Default(),
		networkTTL: 1,
		peers:      make(map[command.BrokerID]*command.BrokerInfo),
		bridges:    make(map[command.BrokerID]BridgeRecord),
		endpoints:  make(map[*Endpoint]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("broker", s.name)
	return s
}

func (s *Service) BrokerID() command.BrokerID { return s.id }
func (s *Service) BrokerName() string         { return s.name }

// AddPeerBroker records a broker reachable over the network.
func (s *Service) AddPeerBroker(info *command.BrokerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[info.BrokerID] = info
	s.logger.Debug("peer broker added", "remoteBroker", info.BrokerName, "brokerId", info.BrokerID)
}

// RemovePeerBroker forgets a peer.
func (s *Service) RemovePeerBroker(info *command.BrokerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, info.BrokerID)
}

// Peers returns the known peer brokers.
func (s *Service) Peers() []*command.BrokerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*command.BrokerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *command.BrokerInfo) int { return cmp.Compare(a.BrokerID, b.BrokerID) })
	return out
}

func (s *Service) NetworkBridgeStarted(remote *command.BrokerInfo, createdByDuplex bool, remoteAddress string) {
	if remote == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges[remote.BrokerID] = BridgeRecord{
		Remote:          remote,
		CreatedByDuplex: createdByDuplex,
		RemoteAddress:   remoteAddress,
		Since:           time.Now(),
	}
	s.logger.Info("network bridge started", "remoteBroker", remote.BrokerName, "address", remoteAddress)
}

func (s *Service) NetworkBridgeStopped(remote *command.BrokerInfo) {
	if remote == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bridges, remote.BrokerID)
	s.logger.Info("network bridge stopped", "remoteBroker", remote.BrokerName)
}

// Bridges returns the running bridges keyed by remote broker id.
func (s *Service) Bridges() map[command.BrokerID]BridgeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[command.BrokerID]BridgeRecord, len(s.bridges))
	for id, r := range s.bridges {
		out[id] = r
	}
	return out
}

// Subscriptions implements bridge.BrokerService.
func (s *Service) Subscriptions(topics bool) []bridge.RegionSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []bridge.RegionSubscription
	for _, sub := range s.subs {
		if sub.info.Destination.IsTopic() == topics {
			out = append(out, sub)
		}
	}
	return out
}

// FilterFactory returns the factory of the first policy entry matching
// dest.
func (s *Service) FilterFactory(dest command.Destination) filter.Factory {
	for _, p := range s.policies {
		if p.Destination.IsTopic() == dest.IsTopic() && filter.Parse(p.Destination).Matches(dest) {
			return p.FilterFactory
		}
	}
	return nil
}

func (s *Service) AdmissionLock() sync.Locker { return &s.admission }

// RegisterConnector makes c take part in duplicate removal.
func (s *Service) RegisterConnector(c bridge.DemandRemover) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors = append(s.connectors, c)
}

// UnregisterConnector reverses RegisterConnector.
func (s *Service) UnregisterConnector(c bridge.DemandRemover) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors = slices.DeleteFunc(s.connectors, func(x bridge.DemandRemover) bool { return x == c })
}

func (s *Service) NetworkConnectors() []bridge.DemandRemover {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.connectors)
}

// AddSubscription registers a consumer and publishes its advisory. A new
// advisory consumer is sent the advisories of every existing consumer it
// matches. ep is nil for consumers without a connection.
func (s *Service) AddSubscription(info *command.ConsumerInfo, ep *Endpoint) *Subscription {
	sub := &Subscription{info: info, endpoint: ep, active: true, predicate: info.AdditionalPredicate}
	if sub.predicate == nil && info.NetworkSubscription && info.BrokerPath.Len() > 0 {
		// The dispatch filter does not survive the wire; rebuild it
		// against the neighbour the subscription came from.
		neighbour := command.BrokerPath{info.BrokerPath[info.BrokerPath.Len()-1]}
		factory := s.FilterFactory(info.Destination)
		if factory == nil {
			factory = filter.DefaultFactory
		}
		sub.predicate = factory.Create(info, neighbour, s.networkTTL)
	}

	s.mu.Lock()
	s.subs = slices.DeleteFunc(s.subs, func(x *Subscription) bool { return x.info.ConsumerID == info.ConsumerID })
	s.subs = append(s.subs, sub)
	existing := slices.Clone(s.subs)
	s.mu.Unlock()

	s.logger.Debug("subscription added", "consumerId", info.ConsumerID, "destination", info.Destination,
		"networkSubscription", info.NetworkSubscription)

	if command.IsAdvisoryTopic(info.Destination) {
		for _, other := range existing {
			if other == sub || command.IsAdvisoryTopic(other.info.Destination) {
				continue
			}
			s.advise(other.info.Destination, other.info, sub)
		}
		return sub
	}
	s.advise(info.Destination, info, nil)
	return sub
}

// RemoveSubscription unregisters a consumer and publishes its removal.
func (s *Service) RemoveSubscription(id command.ConsumerID) bool {
	s.mu.Lock()
	var removed *Subscription
	s.subs = slices.DeleteFunc(s.subs, func(x *Subscription) bool {
		if x.info.ConsumerID == id {
			removed = x
			return true
		}
		return false
	})
	s.mu.Unlock()
	if removed == nil {
		return false
	}
	s.logger.Debug("subscription removed", "consumerId", id)
	if !command.IsAdvisoryTopic(removed.info.Destination) {
		s.advise(removed.info.Destination, removed.info.CreateRemoveCommand(), nil)
	}
	return true
}

// Subscription looks a consumer up.
func (s *Service) Subscription(id command.ConsumerID) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.info.ConsumerID == id {
			return sub, true
		}
	}
	return nil, false
}

// advise publishes data on the consumer advisory topic of dest. With only
// set, the advisory goes to that subscription alone.
func (s *Service) advise(dest command.Destination, data command.Command, only *Subscription) {
	if ci, ok := data.(*command.ConsumerInfo); ok {
		data = ci.Clone()
		data.(*command.ConsumerInfo).AdditionalPredicate = nil
	}
	msg := &command.Message{
		MessageID:     "ID:" + uuid.NewString(),
		Destination:   command.ConsumerAdvisoryTopic(dest),
		DataStructure: data,
	}
	if only != nil {
		if only.accepts(msg) {
			only.dispatch(msg)
		}
		return
	}
	s.Publish(msg)
}

// Publish routes msg to the matching subscriptions: every match of a
// topic, the highest priority match of a queue. It returns the number of
// dispatches.
func (s *Service) Publish(msg *command.Message) int {
	s.mu.RLock()
	var targets []*Subscription
	for _, sub := range s.subs {
		if sub.Active() && sub.endpoint != nil && sub.accepts(msg) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		s.logger.Debug("no consumer for message", "messageId", msg.MessageID, "destination", msg.Destination)
		return 0
	}
	if msg.Destination.IsQueue() {
		best := targets[0]
		for _, sub := range targets[1:] {
			if sub.info.Priority > best.info.Priority {
				best = sub
			}
		}
		targets = targets[:0]
		targets = append(targets, best)
	}
	n := 0
	for _, sub := range targets {
		if sub.dispatch(msg) {
			n++
		}
	}
	return n
}

func (sub *Subscription) dispatch(msg *command.Message) bool {
	md := &command.MessageDispatch{
		ConsumerID:  sub.info.ConsumerID,
		Destination: msg.Destination,
		Message:     msg.Clone(),
	}
	md.Message.Base = command.Base{}
	if err := sub.endpoint.send(md); err != nil {
		sub.endpoint.logger.Warn("failed to dispatch message", "consumerId", sub.info.ConsumerID, "error", err)
		return false
	}
	return true
}

func (s *Service) attach(ep *Endpoint) {
	s.mu.Lock()
	s.endpoints[ep] = struct{}{}
	s.mu.Unlock()
}

// detach removes an endpoint and every subscription it registered.
func (s *Service) detach(ep *Endpoint) {
	s.mu.Lock()
	delete(s.endpoints, ep)
	var ids []command.ConsumerID
	for _, sub := range s.subs {
		if sub.endpoint == ep {
			ids = append(ids, sub.info.ConsumerID)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.RemoveSubscription(id)
	}
}

// Endpoints returns the number of attached endpoints.
func (s *Service) Endpoints() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// Stop stops every attached endpoint.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.RLock()
	eps := make([]*Endpoint, 0, len(s.endpoints))
	for ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.RUnlock()
	var err error
	for _, ep := range eps {
		err = multierr.Append(err, ep.Stop(ctx))
	}
	return err
}
