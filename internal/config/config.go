// Package config loads the YAML configuration of the netbridge command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-netbridge/bridge"
	"github.com/glimte/mmate-netbridge/command"
)

// Transport kinds.
const (
	TransportAMQP = "amqp"
	TransportNATS = "nats"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// File is the configuration file.
type File struct {
	Broker     Broker      `yaml:"broker"`
	Log        Log         `yaml:"log"`
	Metrics    Metrics     `yaml:"metrics"`
	Listeners  []Endpoint  `yaml:"listeners"`
	Connectors []Connector `yaml:"connectors"`
}

// Broker identifies the embedded broker.
type Broker struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// NetworkTTL bounds the hops of messages dispatched to network
	// subscriptions.
	NetworkTTL int `yaml:"networkTTL"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	// Addr serves /metrics, /healthz and /readyz when set.
	Addr string `yaml:"addr"`
}

// Endpoint is one end of a transport between two nodes. Node is the inbox
// of this side, Peer the inbox of the other.
type Endpoint struct {
	Transport string `yaml:"transport"`
	URL       string `yaml:"url"`
	Node      string `yaml:"node"`
	Peer      string `yaml:"peer"`
}

// Connector configures one outbound bridge.
type Connector struct {
	Name     string `yaml:"name"`
	Endpoint `yaml:",inline"`
	Bridge   Bridge  `yaml:"bridge"`
	Retry    Retry   `yaml:"retry"`
	Breaker  Breaker `yaml:"breaker"`
}

// Bridge overrides bridge.DefaultConfig. Unset fields keep the default.
type Bridge struct {
	UserName                            string        `yaml:"userName,omitempty"`
	Password                            string        `yaml:"password,omitempty"`
	NetworkTTL                          *int          `yaml:"networkTTL,omitempty"`
	PrefetchSize                        *int          `yaml:"prefetchSize,omitempty"`
	Duplex                              *bool         `yaml:"duplex,omitempty"`
	DispatchAsync                       *bool         `yaml:"dispatchAsync,omitempty"`
	AlwaysSyncSend                      *bool         `yaml:"alwaysSyncSend,omitempty"`
	StaticBridge                        *bool         `yaml:"staticBridge,omitempty"`
	DecreaseNetworkConsumerPriority     *bool         `yaml:"decreaseNetworkConsumerPriority,omitempty"`
	ConsumerPriorityBase                *int          `yaml:"consumerPriorityBase,omitempty"`
	SuppressDuplicateQueueSubscriptions *bool         `yaml:"suppressDuplicateQueueSubscriptions,omitempty"`
	SuppressDuplicateTopicSubscriptions *bool         `yaml:"suppressDuplicateTopicSubscriptions,omitempty"`
	BridgeTempDestinations              *bool         `yaml:"bridgeTempDestinations,omitempty"`
	DestinationFilter                   string        `yaml:"destinationFilter,omitempty"`
	ExcludedDestinations                []string      `yaml:"excludedDestinations,omitempty"`
	DynamicallyIncludedDestinations     []string      `yaml:"dynamicallyIncludedDestinations,omitempty"`
	StaticallyIncludedDestinations      []string      `yaml:"staticallyIncludedDestinations,omitempty"`
	AdvisoryAckPercentage               *int          `yaml:"advisoryAckPercentage,omitempty"`
	ShutdownTimeout                     time.Duration `yaml:"shutdownTimeout,omitempty"`
	MaxOutstandingResponses             *int          `yaml:"maxOutstandingResponses,omitempty"`
}

// Retry is the exponential backoff between connection attempts.
type Retry struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	// RestartDelay is the pause after a running bridge stopped.
	RestartDelay time.Duration `yaml:"restartDelay"`
}

type Breaker struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Redacted returns a copy of f with connector passwords masked.
func (f File) Redacted() File {
	out := f
	out.Connectors = make([]Connector, len(f.Connectors))
	for i, c := range f.Connectors {
		if c.Bridge.Password != "" {
			c.Bridge.Password = "****"
		}
		out.Connectors[i] = c
	}
	return out
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a configuration. Unknown keys are errors.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Broker.Name == "" {
		f.Broker.Name = f.Broker.ID
	}
	if f.Broker.NetworkTTL == 0 {
		f.Broker.NetworkTTL = 1
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "text"
	}
	for i := range f.Connectors {
		c := &f.Connectors[i]
		if c.Node == "" {
			c.Node = f.Broker.Name + "." + c.Name
		}
		if c.Retry.Initial == 0 {
			c.Retry.Initial = time.Second
		}
		if c.Retry.Max == 0 {
			c.Retry.Max = 30 * time.Second
		}
		if c.Retry.Multiplier == 0 {
			c.Retry.Multiplier = 2
		}
		if c.Retry.RestartDelay == 0 {
			c.Retry.RestartDelay = time.Second
		}
		if c.Breaker.FailureThreshold == 0 {
			c.Breaker.FailureThreshold = 5
		}
		if c.Breaker.Timeout == 0 {
			c.Breaker.Timeout = time.Minute
		}
	}
}

// Validate reports every problem of the file.
func (f *File) Validate() error {
	var err error
	if f.Broker.ID == "" {
		err = multierr.Append(err, fmt.Errorf("%w: broker.id is required", ErrInvalid))
	}
	switch f.Log.Format {
	case "text", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalid, f.Log.Format))
	}
	for i, l := range f.Listeners {
		err = multierr.Append(err, l.validate(fmt.Sprintf("listeners[%d]", i)))
	}
	names := make(map[string]bool)
	for i, c := range f.Connectors {
		where := fmt.Sprintf("connectors[%d]", i)
		if c.Name == "" {
			err = multierr.Append(err, fmt.Errorf("%w: %s.name is required", ErrInvalid, where))
		} else if names[c.Name] {
			err = multierr.Append(err, fmt.Errorf("%w: %s.name %q is not unique", ErrInvalid, where, c.Name))
		}
		names[c.Name] = true
		err = multierr.Append(err, c.Endpoint.validate(where))
		if _, bErr := c.BridgeConfig(f.Broker); bErr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %s.bridge: %v", ErrInvalid, where, bErr))
		}
	}
	return err
}

func (e Endpoint) validate(where string) error {
	var err error
	switch e.Transport {
	case TransportAMQP, TransportNATS:
	default:
		err = multierr.Append(err, fmt.Errorf("%w: %s.transport must be %s or %s, got %q",
			ErrInvalid, where, TransportAMQP, TransportNATS, e.Transport))
	}
	if e.URL == "" {
		err = multierr.Append(err, fmt.Errorf("%w: %s.url is required", ErrInvalid, where))
	}
	if e.Node == "" || e.Peer == "" {
		err = multierr.Append(err, fmt.Errorf("%w: %s.node and %s.peer are required", ErrInvalid, where, where))
	}
	return err
}

// BridgeConfig returns the bridge settings of the connector.
func (c Connector) BridgeConfig(b Broker) (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	cfg.Name = c.Name
	cfg.BrokerName = b.Name
	cfg.BrokerURL = c.URL
	cfg.UserName = c.Bridge.UserName
	cfg.Password = c.Bridge.Password

	setInt(&cfg.NetworkTTL, c.Bridge.NetworkTTL)
	setInt(&cfg.PrefetchSize, c.Bridge.PrefetchSize)
	setInt(&cfg.ConsumerPriorityBase, c.Bridge.ConsumerPriorityBase)
	setInt(&cfg.AdvisoryAckPercentage, c.Bridge.AdvisoryAckPercentage)
	setInt(&cfg.MaxOutstandingResponses, c.Bridge.MaxOutstandingResponses)
	setBool(&cfg.Duplex, c.Bridge.Duplex)
	setBool(&cfg.DispatchAsync, c.Bridge.DispatchAsync)
	setBool(&cfg.AlwaysSyncSend, c.Bridge.AlwaysSyncSend)
	setBool(&cfg.StaticBridge, c.Bridge.StaticBridge)
	setBool(&cfg.DecreaseNetworkConsumerPriority, c.Bridge.DecreaseNetworkConsumerPriority)
	setBool(&cfg.SuppressDuplicateQueueSubscriptions, c.Bridge.SuppressDuplicateQueueSubscriptions)
	setBool(&cfg.SuppressDuplicateTopicSubscriptions, c.Bridge.SuppressDuplicateTopicSubscriptions)
	setBool(&cfg.BridgeTempDestinations, c.Bridge.BridgeTempDestinations)
	if c.Bridge.DestinationFilter != "" {
		cfg.DestinationFilter = c.Bridge.DestinationFilter
	}
	if c.Bridge.ShutdownTimeout != 0 {
		cfg.ShutdownTimeout = c.Bridge.ShutdownTimeout
	}

	var err error
	cfg.ExcludedDestinations, err = destinations(err, c.Bridge.ExcludedDestinations)
	cfg.DynamicallyIncludedDestinations, err = destinations(err, c.Bridge.DynamicallyIncludedDestinations)
	cfg.StaticallyIncludedDestinations, err = destinations(err, c.Bridge.StaticallyIncludedDestinations)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func destinations(err error, raw []string) ([]command.Destination, error) {
	var out []command.Destination
	for _, s := range raw {
		d, pErr := command.ParseDestination(s)
		if pErr != nil {
			err = multierr.Append(err, pErr)
			continue
		}
		out = append(out, d)
	}
	return out, err
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
