package command

import (
	"crypto/x509"
	"errors"
	"maps"
)

// Kind tags the concrete type of a Command.
type Kind int

const (
	KindConnectionInfo Kind = iota + 1
	KindSessionInfo
	KindProducerInfo
	KindConsumerInfo
	KindRemoveInfo
	KindMessage
	KindMessageDispatch
	KindMessageAck
	KindBrokerInfo
	KindDestinationInfo
	KindShutdownInfo
	KindKeepAliveInfo
	KindWireFormatInfo
	KindConnectionError
	KindResponse
	KindExceptionResponse
)

var kindNames = map[Kind]string{
	KindConnectionInfo:    "ConnectionInfo",
	KindSessionInfo:       "SessionInfo",
	KindProducerInfo:      "ProducerInfo",
	KindConsumerInfo:      "ConsumerInfo",
	KindRemoveInfo:        "RemoveInfo",
	KindMessage:           "Message",
	KindMessageDispatch:   "MessageDispatch",
	KindMessageAck:        "MessageAck",
	KindBrokerInfo:        "BrokerInfo",
	KindDestinationInfo:   "DestinationInfo",
	KindShutdownInfo:      "ShutdownInfo",
	KindKeepAliveInfo:     "KeepAliveInfo",
	KindWireFormatInfo:    "WireFormatInfo",
	KindConnectionError:   "ConnectionError",
	KindResponse:          "Response",
	KindExceptionResponse: "ExceptionResponse",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Base is the header shared by every command. Transports stamp CommandID
// when sending; ResponseRequired asks the receiver for a Response.
type Base struct {
	CommandID        int32 `json:"commandId,omitempty"`
	ResponseRequired bool  `json:"responseRequired,omitempty"`
}

// Header returns the shared header.
func (b *Base) Header() *Base { return b }

// Command is implemented by every value of the broker command vocabulary.
type Command interface {
	Kind() Kind
	Header() *Base
}

// MessagePredicate decides whether a message is delivered to a consumer.
type MessagePredicate interface {
	Matches(*Message) bool
}

// ConnectionInfo registers a connection.
type ConnectionInfo struct {
	Base
	ConnectionID ConnectionID `json:"connectionId"`
	ClientID     string       `json:"clientId,omitempty"`
	UserName     string       `json:"userName,omitempty"`
	Password     string       `json:"password,omitempty"`
	// TransportContext carries the peer certificates of the transport the
	// connection was established over. It never leaves the process.
	TransportContext []*x509.Certificate `json:"-"`
}

func (*ConnectionInfo) Kind() Kind { return KindConnectionInfo }

// CreateRemoveCommand returns the command that unregisters the connection.
func (c *ConnectionInfo) CreateRemoveCommand() *RemoveInfo {
	id := c.ConnectionID
	return &RemoveInfo{Connection: &id}
}

// SessionInfo registers a session.
type SessionInfo struct {
	Base
	SessionID SessionID `json:"sessionId"`
}

func (*SessionInfo) Kind() Kind { return KindSessionInfo }

// NewSessionInfo returns a session registration on the connection.
func NewSessionInfo(conn ConnectionID, value int64) *SessionInfo {
	return &SessionInfo{SessionID: SessionID{ConnectionID: conn, Value: value}}
}

// ProducerInfo registers a producer.
type ProducerInfo struct {
	Base
	ProducerID ProducerID `json:"producerId"`
}

func (*ProducerInfo) Kind() Kind { return KindProducerInfo }

// NewProducerInfo returns a producer registration in the session.
func NewProducerInfo(session SessionID, value int64) *ProducerInfo {
	return &ProducerInfo{ProducerID: NewProducerID(session, value)}
}

// ConsumerInfo registers a consumer. Consumers created by a bridge set
// NetworkSubscription and carry the network consumer ids of every
// subscription they stand in for.
type ConsumerInfo struct {
	Base
	ConsumerID          ConsumerID   `json:"consumerId"`
	Destination         Destination  `json:"destination"`
	Selector            string       `json:"selector,omitempty"`
	PrefetchSize        int          `json:"prefetchSize"`
	DispatchAsync       bool         `json:"dispatchAsync,omitempty"`
	Priority            int          `json:"priority,omitempty"`
	Browser             bool         `json:"browser,omitempty"`
	SubscriptionName    string       `json:"subscriptionName,omitempty"`
	BrokerPath          BrokerPath   `json:"brokerPath,omitempty"`
	NetworkSubscription bool         `json:"networkSubscription,omitempty"`
	NetworkConsumerIDs  []ConsumerID `json:"networkConsumerIds,omitempty"`
	// AdditionalPredicate is applied by the local broker on top of the
	// selector. Only set on subscriptions created in-process.
	AdditionalPredicate MessagePredicate `json:"-"`
}

func (*ConsumerInfo) Kind() Kind { return KindConsumerInfo }

// Durable reports whether the consumer is a durable topic subscription.
func (c *ConsumerInfo) Durable() bool { return c.SubscriptionName != "" }

// HasNetworkConsumerID reports whether id is among the network consumer ids.
func (c *ConsumerInfo) HasNetworkConsumerID(id ConsumerID) bool {
	for _, n := range c.NetworkConsumerIDs {
		if n == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with c.
func (c *ConsumerInfo) Clone() *ConsumerInfo {
	out := *c
	out.BrokerPath = c.BrokerPath.Clone()
	if c.NetworkConsumerIDs != nil {
		out.NetworkConsumerIDs = append([]ConsumerID(nil), c.NetworkConsumerIDs...)
	}
	return &out
}

// CreateRemoveCommand returns the command that unregisters the consumer.
func (c *ConsumerInfo) CreateRemoveCommand() *RemoveInfo {
	id := c.ConsumerID
	return &RemoveInfo{Consumer: &id}
}

// RemoveInfo unregisters exactly one of a connection, session, producer or
// consumer.
type RemoveInfo struct {
	Base
	Connection *ConnectionID `json:"connection,omitempty"`
	Session    *SessionID    `json:"session,omitempty"`
	Producer   *ProducerID   `json:"producer,omitempty"`
	Consumer   *ConsumerID   `json:"consumer,omitempty"`
}

func (*RemoveInfo) Kind() Kind { return KindRemoveInfo }

// ConsumerID returns the removed consumer, if the command removes one.
func (r *RemoveInfo) ConsumerID() (ConsumerID, bool) {
	if r.Consumer == nil {
		return ConsumerID{}, false
	}
	return *r.Consumer, true
}

// Message is an application or advisory message.
type Message struct {
	Base
	MessageID             string            `json:"messageId"`
	ProducerID            ProducerID        `json:"producerId"`
	Destination           Destination       `json:"destination"`
	TransactionID         TransactionID     `json:"transactionId,omitempty"`
	OriginalTransactionID TransactionID     `json:"originalTransactionId,omitempty"`
	BrokerPath            BrokerPath        `json:"brokerPath,omitempty"`
	Persistent            bool              `json:"persistent,omitempty"`
	Priority              int               `json:"priority,omitempty"`
	Properties            map[string]string `json:"properties,omitempty"`
	Body                  []byte            `json:"body,omitempty"`
	// DataStructure is the embedded command of an advisory message.
	DataStructure Command `json:"-"`
}

func (*Message) Kind() Kind { return KindMessage }

// Advisory reports whether the message is published on an advisory topic.
func (m *Message) Advisory() bool {
	return m.Destination.IsTopic() && IsAdvisoryTopic(m.Destination)
}

// Clone returns a copy sharing no mutable state with m. The body and the
// embedded data structure are shared; neither is rewritten in flight.
func (m *Message) Clone() *Message {
	out := *m
	out.BrokerPath = m.BrokerPath.Clone()
	if m.Properties != nil {
		out.Properties = maps.Clone(m.Properties)
	}
	return &out
}

// MessageDispatch delivers a message to a consumer.
type MessageDispatch struct {
	Base
	ConsumerID        ConsumerID  `json:"consumerId"`
	Destination       Destination `json:"destination"`
	Message           *Message    `json:"message,omitempty"`
	RedeliveryCounter int         `json:"redeliveryCounter,omitempty"`
}

func (*MessageDispatch) Kind() Kind { return KindMessageDispatch }

// AckType selects the acknowledgement mode.
type AckType int

const (
	// StandardAck acknowledges every message up to LastMessageID.
	StandardAck AckType = iota + 2
	// IndividualAck acknowledges a single message.
	IndividualAck AckType = 4
)

func (t AckType) String() string {
	switch t {
	case StandardAck:
		return "standard"
	case IndividualAck:
		return "individual"
	default:
		return "unknown"
	}
}

// MessageAck acknowledges one or more dispatched messages.
type MessageAck struct {
	Base
	AckType        AckType     `json:"ackType"`
	ConsumerID     ConsumerID  `json:"consumerId"`
	Destination    Destination `json:"destination"`
	FirstMessageID string      `json:"firstMessageId,omitempty"`
	LastMessageID  string      `json:"lastMessageId,omitempty"`
	MessageCount   int         `json:"messageCount"`
}

func (*MessageAck) Kind() Kind { return KindMessageAck }

// NewMessageAck acknowledges count messages ending with the dispatched one.
func NewMessageAck(md *MessageDispatch, ackType AckType, count int) *MessageAck {
	ack := &MessageAck{
		AckType:      ackType,
		ConsumerID:   md.ConsumerID,
		Destination:  md.Destination,
		MessageCount: count,
	}
	if md.Message != nil {
		ack.FirstMessageID = md.Message.MessageID
		ack.LastMessageID = md.Message.MessageID
	}
	return ack
}

// Clone returns a copy of the ack.
func (a *MessageAck) Clone() *MessageAck {
	out := *a
	return &out
}

// BrokerInfo announces a broker's identity to a peer.
type BrokerInfo struct {
	Base
	BrokerID          BrokerID `json:"brokerId"`
	BrokerName        string   `json:"brokerName"`
	BrokerURL         string   `json:"brokerUrl,omitempty"`
	NetworkConnection bool     `json:"networkConnection,omitempty"`
	DuplexConnection  bool     `json:"duplexConnection,omitempty"`
	// NetworkProperties holds the sender's bridge policy as key=value lines.
	NetworkProperties string `json:"networkProperties,omitempty"`
}

func (*BrokerInfo) Kind() Kind { return KindBrokerInfo }

// DestinationOperation is the operation of a DestinationInfo.
type DestinationOperation int

const (
	DestinationAdd    DestinationOperation = 0
	DestinationRemove DestinationOperation = 1
)

// DestinationInfo announces creation or removal of a destination.
type DestinationInfo struct {
	Base
	ConnectionID  ConnectionID         `json:"connectionId"`
	Destination   Destination          `json:"destination"`
	OperationType DestinationOperation `json:"operationType"`
	BrokerPath    BrokerPath           `json:"brokerPath,omitempty"`
}

func (*DestinationInfo) Kind() Kind { return KindDestinationInfo }

// IsAdd reports whether the destination is being created.
func (d *DestinationInfo) IsAdd() bool { return d.OperationType == DestinationAdd }

// Clone returns a copy sharing no slices with d.
func (d *DestinationInfo) Clone() *DestinationInfo {
	out := *d
	out.BrokerPath = d.BrokerPath.Clone()
	return &out
}

// ShutdownInfo announces an orderly close of the sender.
type ShutdownInfo struct {
	Base
}

func (*ShutdownInfo) Kind() Kind { return KindShutdownInfo }

// KeepAliveInfo is a heartbeat.
type KeepAliveInfo struct {
	Base
}

func (*KeepAliveInfo) Kind() Kind { return KindKeepAliveInfo }

// WireFormatInfo negotiates the wire format.
type WireFormatInfo struct {
	Base
	Version int `json:"version"`
}

func (*WireFormatInfo) Kind() Kind { return KindWireFormatInfo }

// ConnectionError reports an asynchronous connection failure.
type ConnectionError struct {
	Base
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (*ConnectionError) Kind() Kind { return KindConnectionError }

// Err returns the failure as an error.
func (c *ConnectionError) Err() error {
	if c.Cause != nil {
		return c.Cause
	}
	return errors.New(c.Message)
}

// Response completes a request.
type Response struct {
	Base
	CorrelationID int32 `json:"correlationId"`
}

func (*Response) Kind() Kind { return KindResponse }

// ExceptionResponse completes a request with a failure.
type ExceptionResponse struct {
	Response
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (*ExceptionResponse) Kind() Kind { return KindExceptionResponse }

// Err returns the failure as an error.
func (r *ExceptionResponse) Err() error {
	if r.Cause != nil {
		return r.Cause
	}
	return errors.New(r.Message)
}

// NewExceptionResponse builds a failed response to the given command id.
func NewExceptionResponse(correlationID int32, err error) *ExceptionResponse {
	return &ExceptionResponse{
		Response: Response{CorrelationID: correlationID},
		Message:  err.Error(),
		Cause:    err,
	}
}

// CorrelationOf returns the correlation id of a Response or
// ExceptionResponse.
func CorrelationOf(c Command) (int32, bool) {
	switch r := c.(type) {
	case *Response:
		return r.CorrelationID, true
	case *ExceptionResponse:
		return r.CorrelationID, true
	}
	return 0, false
}
