package command

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// BrokerID identifies a broker node in the network.
type BrokerID string

// ConnectionID identifies a client connection on a broker.
type ConnectionID string

// TransactionID identifies a local or XA transaction.
type TransactionID string

// SessionID identifies a session within a connection.
type SessionID struct {
	ConnectionID ConnectionID `json:"connectionId"`
	Value        int64        `json:"value"`
}

func (id SessionID) String() string {
	return fmt.Sprintf("%s:%d", id.ConnectionID, id.Value)
}

// ProducerID identifies a producer within a session.
type ProducerID struct {
	ConnectionID ConnectionID `json:"connectionId"`
	SessionValue int64        `json:"sessionValue"`
	Value        int64        `json:"value"`
}

// NewProducerID returns the producer id value within the given session.
func NewProducerID(session SessionID, value int64) ProducerID {
	return ProducerID{ConnectionID: session.ConnectionID, SessionValue: session.Value, Value: value}
}

func (id ProducerID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.ConnectionID, id.SessionValue, id.Value)
}

// ConsumerID identifies a consumer within a session. It is comparable and
// used directly as a map key.
type ConsumerID struct {
	ConnectionID ConnectionID `json:"connectionId"`
	SessionValue int64        `json:"sessionValue"`
	Value        int64        `json:"value"`
}

// NewConsumerID returns the consumer id value within the given session.
func NewConsumerID(session SessionID, value int64) ConsumerID {
	return ConsumerID{ConnectionID: session.ConnectionID, SessionValue: session.Value, Value: value}
}

// IsZero reports whether the id is unset.
func (id ConsumerID) IsZero() bool {
	return id == ConsumerID{}
}

// SessionID returns the session the consumer belongs to.
func (id ConsumerID) SessionID() SessionID {
	return SessionID{ConnectionID: id.ConnectionID, Value: id.SessionValue}
}

func (id ConsumerID) String() string {
	return fmt.Sprintf("%s:%d:%d", id.ConnectionID, id.SessionValue, id.Value)
}

// IDGenerator hands out connection ids that are unique across processes.
// The prefix is fixed per generator and a counter distinguishes ids.
type IDGenerator struct {
	prefix string
	seq    atomic.Int64
}

// NewIDGenerator creates a generator with a random prefix.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{prefix: "ID:" + uuid.New().String()}
}

// ConnectionID returns the next connection id.
func (g *IDGenerator) ConnectionID() ConnectionID {
	return ConnectionID(fmt.Sprintf("%s:%d", g.prefix, g.seq.Add(1)))
}

// Sequence is a monotonically increasing counter starting at 1.
type Sequence struct {
	n atomic.Int64
}

// Next returns the next value.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}
