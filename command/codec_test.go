package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	t.Run("advisory message keeps its embedded consumer info", func(t *testing.T) {
		session := SessionID{ConnectionID: "ID:remote:1", Value: 1}
		info := &ConsumerInfo{
			ConsumerID:   NewConsumerID(session, 7),
			Destination:  NewQueue("orders"),
			PrefetchSize: 1000,
			BrokerPath:   BrokerPath{"broker-b"},
		}
		dispatch := &MessageDispatch{
			ConsumerID: NewConsumerID(session, 1),
			Message: &Message{
				MessageID:     "ID:remote:1:1:1",
				Destination:   ConsumerAdvisoryTopic(info.Destination),
				DataStructure: info,
			},
		}

		data, err := Marshal(dispatch)
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		md, ok := decoded.(*MessageDispatch)
		require.True(t, ok)
		require.NotNil(t, md.Message)

		got, ok := md.Message.DataStructure.(*ConsumerInfo)
		require.True(t, ok, "embedded data structure should decode as ConsumerInfo")
		assert.Equal(t, info.ConsumerID, got.ConsumerID)
		assert.Equal(t, info.BrokerPath, got.BrokerPath)
		assert.Equal(t, Queue, got.Destination.Type)
	})

	t.Run("commands without a destination round trip", func(t *testing.T) {
		session := SessionID{ConnectionID: "ID:local:1", Value: 1}
		ack := &MessageAck{AckType: StandardAck, ConsumerID: NewConsumerID(session, 3), MessageCount: 1}
		data, err := Marshal(ack)
		require.NoError(t, err)
		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		gotAck, ok := decoded.(*MessageAck)
		require.True(t, ok)
		assert.Equal(t, ack.ConsumerID, gotAck.ConsumerID)
		assert.Equal(t, 1, gotAck.MessageCount)
		assert.Equal(t, Destination{}, gotAck.Destination)

		data, err = Marshal(&MessageDispatch{ConsumerID: NewConsumerID(session, 4)})
		require.NoError(t, err)
		decoded, err = Unmarshal(data)
		require.NoError(t, err)
		md, ok := decoded.(*MessageDispatch)
		require.True(t, ok)
		assert.Equal(t, NewConsumerID(session, 4), md.ConsumerID)
		assert.Equal(t, Destination{}, md.Destination)
	})

	t.Run("exception responses expose correlation and error text", func(t *testing.T) {
		data, err := Marshal(NewExceptionResponse(42, assert.AnError))
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err)

		id, ok := CorrelationOf(decoded)
		assert.True(t, ok)
		assert.Equal(t, int32(42), id)
		assert.EqualError(t, decoded.(*ExceptionResponse).Err(), assert.AnError.Error())
	})

	t.Run("unknown types are rejected", func(t *testing.T) {
		data, _ := json.Marshal(Envelope{Type: "Bogus", Body: json.RawMessage(`{}`)})
		_, err := Unmarshal(data)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("destination types encode as scheme names", func(t *testing.T) {
		data, err := json.Marshal(NewTopic("x"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"topic","name":"x"}`, string(data))
	})
}

func TestProperties(t *testing.T) {
	props := map[string]string{"networkTTL": "3", "note": "two\nlines", "path": `c:\tmp`}
	encoded := EncodeProperties(props)
	assert.Equal(t, "networkTTL=3\nnote=two\\nlines\npath=c:\\\\tmp\n", encoded)

	decoded, err := DecodeProperties(encoded)
	require.NoError(t, err)
	assert.Equal(t, props, decoded)

	_, err = DecodeProperties("novalue")
	assert.Error(t, err)

	decoded, err = DecodeProperties("# comment\n\n a = b ")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, decoded)
}

func TestMessageClone(t *testing.T) {
	m := &Message{BrokerPath: BrokerPath{"a"}, Properties: map[string]string{"k": "v"}}
	c := m.Clone()
	c.BrokerPath = c.BrokerPath.Append("b")
	c.Properties["k"] = "changed"
	c.ResponseRequired = true

	assert.Equal(t, BrokerPath{"a"}, m.BrokerPath)
	assert.Equal(t, "v", m.Properties["k"])
	assert.False(t, m.ResponseRequired)
}
