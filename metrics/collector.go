// Package metrics exposes network bridge statistics to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-netbridge/bridge"
	"github.com/glimte/mmate-netbridge/command"
)

const namespace = "netbridge"

// Source is a connector whose bridge is reported.
type Source interface {
	Name() string
	Bridge() *bridge.Bridge
	Attempts() int64
	Restarts() int64
}

// PeerSource reports the peers known to a broker.
type PeerSource interface {
	Peers() []*command.BrokerInfo
}

// Collector is a prometheus.Collector over a set of connectors.
type Collector struct {
	mu      sync.RWMutex
	sources []Source
	peers   PeerSource

	up            *prometheus.Desc
	state         *prometheus.Desc
	enqueued      *prometheus.Desc
	dequeued      *prometheus.Desc
	subscriptions *prometheus.Desc
	attempts      *prometheus.Desc
	restarts      *prometheus.Desc
	peerBrokers   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector. peers may be nil.
func NewCollector(peers PeerSource, sources ...Source) *Collector {
	labels := []string{"connector"}
	return &Collector{
		sources: sources,
		peers:   peers,
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bridge", "up"),
			"Whether the bridge of the connector is established.", []string{"connector", "remote_broker"}, nil),
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bridge", "state"),
			"Lifecycle state of the bridge (0 created, 1 starting, 2 established, 3 stopping, 4 stopped).", labels, nil),
		enqueued: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bridge", "messages_enqueued_total"),
			"Messages dispatched to the bridge by the local broker.", labels, nil),
		dequeued: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bridge", "messages_dequeued_total"),
			"Messages forwarded and acknowledged by the bridge.", labels, nil),
		subscriptions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "bridge", "demand_subscriptions"),
			"Demand subscriptions held by the bridge.", labels, nil),
		attempts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connector", "connect_attempts_total"),
			"Bridge establishment attempts.", labels, nil),
		restarts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "connector", "restarts_total"),
			"Bridges replaced after stopping.", labels, nil),
		peerBrokers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "broker", "peers"),
			"Peer brokers known to the local broker.", nil, nil),
	}
}

// Add reports another connector.
func (c *Collector) Add(s Source) {
	c.mu.Lock()
	c.sources = append(c.sources, s)
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.state
	ch <- c.enqueued
	ch <- c.dequeued
	ch <- c.subscriptions
	ch <- c.attempts
	ch <- c.restarts
	ch <- c.peerBrokers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sources := append([]Source(nil), c.sources...)
	c.mu.RUnlock()

	for _, s := range sources {
		name := s.Name()
		ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(s.Attempts()), name)
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(s.Restarts()), name)

		b := s.Bridge()
		if b == nil {
			ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, name, "")
			continue
		}
		up := 0.0
		if b.State() == bridge.StateEstablished {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, name, b.RemoteBrokerName())
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(b.State()), name)
		ch <- prometheus.MustNewConstMetric(c.enqueued, prometheus.CounterValue, float64(b.EnqueueCounter()), name)
		ch <- prometheus.MustNewConstMetric(c.dequeued, prometheus.CounterValue, float64(b.DequeueCounter()), name)
		ch <- prometheus.MustNewConstMetric(c.subscriptions, prometheus.GaugeValue, float64(len(b.LocalSubscriptions())), name)
	}

	if c.peers != nil {
		ch <- prometheus.MustNewConstMetric(c.peerBrokers, prometheus.GaugeValue, float64(len(c.peers.Peers())))
	}
}
