package command

import "strings"

// Advisory topic names published by brokers for metadata events.
const (
	AdvisoryPrefix            = "ActiveMQ.Advisory."
	ConsumerAdvisoryPrefix    = AdvisoryPrefix + "Consumer."
	DestinationAdvisoryPrefix = AdvisoryPrefix + "Destination."

	// DefaultDemandAdvisory matches every consumer advisory topic.
	DefaultDemandAdvisory = ConsumerAdvisoryPrefix + ">"

	TempQueueAdvisoryTopic = AdvisoryPrefix + "TempQueue"
	TempTopicAdvisoryTopic = AdvisoryPrefix + "TempTopic"
	// TempDestinationCompositeAdvisoryTopic covers creation and removal
	// of both kinds of temporary destination.
	TempDestinationCompositeAdvisoryTopic = TempQueueAdvisoryTopic + "," + TempTopicAdvisoryTopic
)

// IsAdvisoryTopic reports whether dest is any advisory topic.
func IsAdvisoryTopic(dest Destination) bool {
	for _, d := range dest.Composite() {
		if d.IsTopic() && strings.HasPrefix(d.Name, AdvisoryPrefix) {
			return true
		}
	}
	return false
}

// IsConsumerAdvisoryTopic reports whether dest carries consumer advisories.
func IsConsumerAdvisoryTopic(dest Destination) bool {
	for _, d := range dest.Composite() {
		if d.IsTopic() && strings.HasPrefix(d.Name, ConsumerAdvisoryPrefix) {
			return true
		}
	}
	return false
}

// IsDestinationAdvisoryTopic reports whether dest carries destination
// creation or removal advisories, including the temporary ones.
func IsDestinationAdvisoryTopic(dest Destination) bool {
	for _, d := range dest.Composite() {
		if !d.IsTopic() {
			continue
		}
		switch {
		case strings.HasPrefix(d.Name, DestinationAdvisoryPrefix),
			d.Name == TempQueueAdvisoryTopic,
			d.Name == TempTopicAdvisoryTopic:
			return true
		}
	}
	return false
}

// ConsumerAdvisoryTopic returns the topic on which consumer events for
// dest are published.
func ConsumerAdvisoryTopic(dest Destination) Destination {
	kind := "Queue."
	if dest.IsTopic() {
		kind = "Topic."
	}
	return NewTopic(ConsumerAdvisoryPrefix + kind + dest.Name)
}
