package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateClientMessage(t *testing.T) {
	t.Run("valid session.message", func(t *testing.T) {
		raw := []byte(`{"type":"session.message","payload":{"sessionId":"s1","content":"hi"}}`)
		msg, err := ValidateClientMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, TypeSessionMessage, msg.Type)
	})

	t.Run("valid session.create with empty payload fields", func(t *testing.T) {
		// Both name and workingDir are optional; defaults apply server-side.
		raw := []byte(`{"type":"session.create","payload":{}}`)
		_, err := ValidateClientMessage(raw)
		assert.NoError(t, err)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := ValidateClientMessage([]byte(`{nope`))
		assert.Error(t, err)
	})

	t.Run("rejects missing type", func(t *testing.T) {
		_, err := ValidateClientMessage([]byte(`{"payload":{}}`))
		assert.ErrorContains(t, err, "missing 'type'")
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := ValidateClientMessage([]byte(`{"type":"session.reboot","payload":{}}`))
		assert.ErrorContains(t, err, "unknown message type")
	})

	t.Run("rejects server-originated types from clients", func(t *testing.T) {
		_, err := ValidateClientMessage([]byte(`{"type":"session.output","payload":{}}`))
		assert.Error(t, err)
	})

	t.Run("rejects missing payload", func(t *testing.T) {
		_, err := ValidateClientMessage([]byte(`{"type":"session.message"}`))
		assert.ErrorContains(t, err, "missing 'payload'")
	})

	t.Run("rejects message without sessionId", func(t *testing.T) {
		raw := []byte(`{"type":"session.message","payload":{"content":"hi"}}`)
		_, err := ValidateClientMessage(raw)
		assert.ErrorContains(t, err, "sessionId")
	})

	t.Run("rejects message without content", func(t *testing.T) {
		raw := []byte(`{"type":"session.message","payload":{"sessionId":"s1"}}`)
		_, err := ValidateClientMessage(raw)
		assert.ErrorContains(t, err, "content")
	})

	t.Run("rejects oversized content", func(t *testing.T) {
		big := strings.Repeat("x", maxContentBytes+1)
		payload, _ := json.Marshal(SessionMessagePayload{SessionID: "s1", Content: big})
		raw, _ := json.Marshal(Message{Type: TypeSessionMessage, Payload: payload})
		_, err := ValidateClientMessage(raw)
		assert.ErrorContains(t, err, "exceeds")
	})

	t.Run("rejects destroy without sessionId", func(t *testing.T) {
		raw := []byte(`{"type":"session.destroy","payload":{}}`)
		_, err := ValidateClientMessage(raw)
		assert.ErrorContains(t, err, "sessionId")
	})

	t.Run("rejects zero-sized resize", func(t *testing.T) {
		raw := []byte(`{"type":"session.resize","payload":{"sessionId":"s1","cols":0,"rows":24}}`)
		_, err := ValidateClientMessage(raw)
		assert.ErrorContains(t, err, "cols and rows")
	})
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeSessionStatus, SessionStatusPayload{SessionID: "s1", Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, TypeSessionStatus, msg.Type)
	assert.False(t, msg.Timestamp.IsZero())

	data, err := msg.Encode()
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeSessionStatus, decoded.Type)

	var p SessionStatusPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "running", p.Status)
}
