package command

import (
	"errors"
	"fmt"
	"strings"
)

// DestinationType distinguishes queues from topics and temporary variants.
type DestinationType int

const (
	Queue DestinationType = iota + 1
	Topic
	TempQueue
	TempTopic
)

var destinationSchemes = map[DestinationType]string{
	Queue:     "queue",
	Topic:     "topic",
	TempQueue: "temp-queue",
	TempTopic: "temp-topic",
}

func (t DestinationType) String() string {
	if s, ok := destinationSchemes[t]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler. The zero type, used by
// commands that carry no destination, encodes as an empty string.
func (t DestinationType) MarshalText() ([]byte, error) {
	if t == 0 {
		return []byte{}, nil
	}
	s, ok := destinationSchemes[t]
	if !ok {
		return nil, fmt.Errorf("%w: type %d", ErrInvalidDestination, int(t))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *DestinationType) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*t = 0
		return nil
	}
	for k, v := range destinationSchemes {
		if v == string(b) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("%w: type %q", ErrInvalidDestination, string(b))
}

// ErrInvalidDestination is returned when a destination cannot be parsed.
var ErrInvalidDestination = errors.New("command: invalid destination")

// Destination is a queue or topic, possibly temporary. Names are
// hierarchical with '.' separators; a name containing ',' is a composite
// of several destinations.
type Destination struct {
	Type DestinationType `json:"type"`
	Name string          `json:"name"`
	// ConnectionID is the owning connection of a temporary destination.
	ConnectionID ConnectionID `json:"connectionId,omitempty"`
}

// NewQueue returns a queue destination.
func NewQueue(name string) Destination { return Destination{Type: Queue, Name: name} }

// NewTopic returns a topic destination.
func NewTopic(name string) Destination { return Destination{Type: Topic, Name: name} }

// IsQueue reports whether the destination is a queue or temporary queue.
func (d Destination) IsQueue() bool { return d.Type == Queue || d.Type == TempQueue }

// IsTopic reports whether the destination is a topic or temporary topic.
func (d Destination) IsTopic() bool { return d.Type == Topic || d.Type == TempTopic }

// IsTemporary reports whether the destination is temporary.
func (d Destination) IsTemporary() bool { return d.Type == TempQueue || d.Type == TempTopic }

// IsComposite reports whether the name lists several destinations.
func (d Destination) IsComposite() bool { return strings.Contains(d.Name, ",") }

// IsZero reports whether the destination is unset.
func (d Destination) IsZero() bool { return d.Type == 0 && d.Name == "" }

// Composite splits a composite destination into its members. A member may
// carry its own scheme ("queue://a,topic://b"); otherwise it inherits the
// type of d. A non-composite destination returns itself.
func (d Destination) Composite() []Destination {
	if !d.IsComposite() {
		return []Destination{d}
	}
	parts := strings.Split(d.Name, ",")
	out := make([]Destination, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if member, err := ParseDestination(p); err == nil {
			out = append(out, member)
			continue
		}
		out = append(out, Destination{Type: d.Type, Name: p, ConnectionID: d.ConnectionID})
	}
	return out
}

// Paths returns the '.'-separated elements of the name.
func (d Destination) Paths() []string {
	return strings.Split(d.Name, ".")
}

func (d Destination) String() string {
	return d.Type.String() + "://" + d.Name
}

// ParseDestination parses the "scheme://name" form produced by String.
func ParseDestination(s string) (Destination, error) {
	scheme, name, ok := strings.Cut(strings.TrimSpace(s), "://")
	if !ok {
		return Destination{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidDestination, s)
	}
	var t DestinationType
	if scheme == "" {
		return Destination{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidDestination, s)
	}
	if err := t.UnmarshalText([]byte(scheme)); err != nil {
		return Destination{}, err
	}
	if name == "" && t != TempQueue && t != TempTopic {
		return Destination{}, fmt.Errorf("%w: %q has no name", ErrInvalidDestination, s)
	}
	return Destination{Type: t, Name: name}, nil
}

// ParseDestinations parses a comma separated list of destinations where
// every member carries a scheme.
func ParseDestinations(s string) ([]Destination, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []Destination
	for _, p := range strings.Split(s, ",") {
		d, err := ParseDestination(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// FormatDestinations is the inverse of ParseDestinations.
func FormatDestinations(dests []Destination) string {
	parts := make([]string, len(dests))
	for i, d := range dests {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}
