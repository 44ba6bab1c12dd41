package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when decoding an envelope of an unknown type.
var ErrUnknownKind = errors.New("command: unknown command type")

// Envelope wraps a command for transport.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

var factories = map[string]func() Command{
	KindConnectionInfo.String():    func() Command { return &ConnectionInfo{} },
	KindSessionInfo.String():       func() Command { return &SessionInfo{} },
	KindProducerInfo.String():      func() Command { return &ProducerInfo{} },
	KindConsumerInfo.String():      func() Command { return &ConsumerInfo{} },
	KindRemoveInfo.String():        func() Command { return &RemoveInfo{} },
	KindMessage.String():           func() Command { return &Message{} },
	KindMessageDispatch.String():   func() Command { return &MessageDispatch{} },
	KindMessageAck.String():        func() Command { return &MessageAck{} },
	KindBrokerInfo.String():        func() Command { return &BrokerInfo{} },
	KindDestinationInfo.String():   func() Command { return &DestinationInfo{} },
	KindShutdownInfo.String():      func() Command { return &ShutdownInfo{} },
	KindKeepAliveInfo.String():     func() Command { return &KeepAliveInfo{} },
	KindWireFormatInfo.String():    func() Command { return &WireFormatInfo{} },
	KindConnectionError.String():   func() Command { return &ConnectionError{} },
	KindResponse.String():          func() Command { return &Response{} },
	KindExceptionResponse.String(): func() Command { return &ExceptionResponse{} },
}

// Wrap places c in an envelope.
func Wrap(c Command) (*Envelope, error) {
	if c == nil {
		return nil, errors.New("command: nil command")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("command: failed to marshal %s: %w", c.Kind(), err)
	}
	return &Envelope{Type: c.Kind().String(), Body: body}, nil
}

// Unwrap decodes the command held by the envelope.
func (e *Envelope) Unwrap() (Command, error) {
	factory, ok := factories[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	c := factory()
	if err := json.Unmarshal(e.Body, c); err != nil {
		return nil, fmt.Errorf("command: failed to unmarshal %s: %w", e.Type, err)
	}
	return c, nil
}

// Marshal encodes a command with its type tag.
func Marshal(c Command) ([]byte, error) {
	env, err := Wrap(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal decodes a command produced by Marshal.
func Unmarshal(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("command: invalid envelope: %w", err)
	}
	return env.Unwrap()
}

type messageAlias Message

type messageJSON struct {
	*messageAlias
	DataStructure *Envelope `json:"dataStructure,omitempty"`
}

// MarshalJSON encodes the embedded data structure with its type tag.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{messageAlias: (*messageAlias)(m)}
	if m.DataStructure != nil {
		env, err := Wrap(m.DataStructure)
		if err != nil {
			return nil, err
		}
		out.DataStructure = env
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a message and its embedded data structure.
func (m *Message) UnmarshalJSON(data []byte) error {
	in := messageJSON{messageAlias: (*messageAlias)(m)}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.DataStructure = nil
	if in.DataStructure != nil {
		ds, err := in.DataStructure.Unwrap()
		if err != nil {
			return err
		}
		m.DataStructure = ds
	}
	return nil
}
