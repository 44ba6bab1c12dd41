package bridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glimte/mmate-netbridge/command"
)

// Config holds the settings of one bridge. A bridge copies its Config on
// construction and never modifies the caller's value.
type Config struct {
	// Name identifies the connector that owns the bridge.
	Name       string
	BrokerName string
	BrokerURL  string
	UserName   string
	Password   string

	// NetworkTTL is the longest broker path a subscription may carry.
	NetworkTTL   int
	PrefetchSize int
	Duplex       bool
	// DispatchAsync is requested on every consumer the bridge creates.
	DispatchAsync bool
	// AlwaysSyncSend forwards non-persistent messages as requests too.
	AlwaysSyncSend bool
	// StaticBridge skips the demand advisory subscription.
	StaticBridge bool

	DecreaseNetworkConsumerPriority bool
	ConsumerPriorityBase            int

	SuppressDuplicateQueueSubscriptions bool
	SuppressDuplicateTopicSubscriptions bool

	BridgeTempDestinations bool
	// DestinationFilter is the advisory topic watched for remote demand.
	DestinationFilter string

	ExcludedDestinations            []command.Destination
	DynamicallyIncludedDestinations []command.Destination
	StaticallyIncludedDestinations  []command.Destination

	// AdvisoryAckPercentage of the demand prefetch that may be dispatched
	// before the bridge acknowledges the advisories.
	AdvisoryAckPercentage int
	// ShutdownTimeout bounds the wait for shutdown notices during Stop.
	ShutdownTimeout time.Duration
	// MaxOutstandingResponses caps in-flight forwards per demand
	// subscription. Zero means no cap.
	MaxOutstandingResponses int
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		Name:                                "bridge",
		NetworkTTL:                          1,
		PrefetchSize:                        1000,
		DispatchAsync:                       true,
		ConsumerPriorityBase:                -5,
		SuppressDuplicateTopicSubscriptions: true,
		BridgeTempDestinations:              true,
		DestinationFilter:                   command.DefaultDemandAdvisory,
		AdvisoryAckPercentage:               75,
		ShutdownTimeout:                     10 * time.Second,
	}
}

// Validate reports settings the bridge cannot run with.
func (c Config) Validate() error {
	switch {
	case c.BrokerName == "":
		return fmt.Errorf("%w: broker name is required", ErrInvalidConfig)
	case c.NetworkTTL < 1:
		return fmt.Errorf("%w: network TTL must be at least 1, got %d", ErrInvalidConfig, c.NetworkTTL)
	case c.PrefetchSize < 1:
		return fmt.Errorf("%w: prefetch size must be at least 1, got %d", ErrInvalidConfig, c.PrefetchSize)
	case c.AdvisoryAckPercentage <= 0 || c.AdvisoryAckPercentage > 100:
		return fmt.Errorf("%w: advisory ack percentage must be in (0,100], got %d", ErrInvalidConfig, c.AdvisoryAckPercentage)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: shutdown timeout must not be negative", ErrInvalidConfig)
	case c.MaxOutstandingResponses < 0:
		return fmt.Errorf("%w: max outstanding responses must not be negative", ErrInvalidConfig)
	case c.DestinationFilter == "" && !c.StaticBridge:
		return fmt.Errorf("%w: destination filter is required unless the bridge is static", ErrInvalidConfig)
	}
	return nil
}

// Network property keys exchanged in BrokerInfo.
const (
	PropNetworkTTL                          = "networkTTL"
	PropPrefetchSize                        = "prefetchSize"
	PropDispatchAsync                       = "dispatchAsync"
	PropAlwaysSyncSend                      = "alwaysSyncSend"
	PropDecreaseNetworkConsumerPriority     = "decreaseNetworkConsumerPriority"
	PropConsumerPriorityBase                = "consumerPriorityBase"
	PropSuppressDuplicateQueueSubscriptions = "suppressDuplicateQueueSubscriptions"
	PropSuppressDuplicateTopicSubscriptions = "suppressDuplicateTopicSubscriptions"
	PropBridgeTempDestinations              = "bridgeTempDestinations"
	PropExcludedDestinations                = "excludedDestinations"
	PropDynamicallyIncludedDestinations     = "dynamicallyIncludedDestinations"
	PropStaticallyIncludedDestinations      = "staticallyIncludedDestinations"
)

func (c Config) properties() map[string]string {
	return map[string]string{
		PropNetworkTTL:                          strconv.Itoa(c.NetworkTTL),
		PropPrefetchSize:                        strconv.Itoa(c.PrefetchSize),
		PropDispatchAsync:                       strconv.FormatBool(c.DispatchAsync),
		PropAlwaysSyncSend:                      strconv.FormatBool(c.AlwaysSyncSend),
		PropDecreaseNetworkConsumerPriority:     strconv.FormatBool(c.DecreaseNetworkConsumerPriority),
		PropConsumerPriorityBase:                strconv.Itoa(c.ConsumerPriorityBase),
		PropSuppressDuplicateQueueSubscriptions: strconv.FormatBool(c.SuppressDuplicateQueueSubscriptions),
		PropSuppressDuplicateTopicSubscriptions: strconv.FormatBool(c.SuppressDuplicateTopicSubscriptions),
		PropBridgeTempDestinations:              strconv.FormatBool(c.BridgeTempDestinations),
		PropExcludedDestinations:                command.FormatDestinations(c.ExcludedDestinations),
		PropDynamicallyIncludedDestinations:     command.FormatDestinations(c.DynamicallyIncludedDestinations),
		PropStaticallyIncludedDestinations:      command.FormatDestinations(c.StaticallyIncludedDestinations),
	}
}

// NetworkProperties renders the negotiable settings in the form carried by
// BrokerInfo. Identity and credentials are never included.
func (c Config) NetworkProperties() string {
	return command.EncodeProperties(c.properties())
}

// ApplyNetworkProperties returns a copy of c with the negotiable settings
// advertised by a peer applied. Unknown keys are ignored. On error c is
// returned unchanged together with the first malformed value.
func (c Config) ApplyNetworkProperties(encoded string) (Config, error) {
	props, err := command.DecodeProperties(encoded)
	if err != nil {
		return c, err
	}
	out := c
	for key, value := range props {
		if err := out.apply(key, value); err != nil {
			return c, fmt.Errorf("network property %s: %w", key, err)
		}
	}
	return out, nil
}

func (c *Config) apply(key, value string) error {
	var err error
	switch key {
	case PropNetworkTTL:
		c.NetworkTTL, err = strconv.Atoi(value)
	case PropPrefetchSize:
		c.PrefetchSize, err = strconv.Atoi(value)
	case PropConsumerPriorityBase:
		c.ConsumerPriorityBase, err = strconv.Atoi(value)
	case PropDispatchAsync:
		c.DispatchAsync, err = strconv.ParseBool(value)
	case PropAlwaysSyncSend:
		c.AlwaysSyncSend, err = strconv.ParseBool(value)
	case PropDecreaseNetworkConsumerPriority:
		c.DecreaseNetworkConsumerPriority, err = strconv.ParseBool(value)
	case PropSuppressDuplicateQueueSubscriptions:
		c.SuppressDuplicateQueueSubscriptions, err = strconv.ParseBool(value)
	case PropSuppressDuplicateTopicSubscriptions:
		c.SuppressDuplicateTopicSubscriptions, err = strconv.ParseBool(value)
	case PropBridgeTempDestinations:
		c.BridgeTempDestinations, err = strconv.ParseBool(value)
	case PropExcludedDestinations:
		c.ExcludedDestinations, err = command.ParseDestinations(value)
	case PropDynamicallyIncludedDestinations:
		c.DynamicallyIncludedDestinations, err = command.ParseDestinations(value)
	case PropStaticallyIncludedDestinations:
		c.StaticallyIncludedDestinations, err = command.ParseDestinations(value)
	}
	return err
}

func (c Config) clone() Config {
	out := c
	out.ExcludedDestinations = append([]command.Destination(nil), c.ExcludedDestinations...)
	out.DynamicallyIncludedDestinations = append([]command.Destination(nil), c.DynamicallyIncludedDestinations...)
	out.StaticallyIncludedDestinations = append([]command.Destination(nil), c.StaticallyIncludedDestinations...)
	return out
}
