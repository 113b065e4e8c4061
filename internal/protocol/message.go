// Package protocol defines the WebSocket message envelope and payloads
// exchanged between the server and browser clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Encode renders the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate = "session.update"
	TypeSessionStatus = "session.status"
	TypeSessionOutput = "session.output"
	TypeSessionGone   = "session.gone"
	TypeFileChange    = "files.change"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate  = "session.create"
	TypeSessionMessage = "session.message"
	TypeSessionDestroy = "session.destroy"
	TypeSessionResize  = "session.resize"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrCreateFailed    = "CREATE_FAILED"
)

// Server → Client payloads.

// SessionUpdatePayload mirrors one session's current record.
type SessionUpdatePayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	WorkingDir string `json:"workingDir"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// SessionStatusPayload announces a status transition.
type SessionStatusPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// SessionOutputPayload carries one classified unit of process output.
type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"` // "raw" | "parsed"
	Content   string `json:"content"`
	Event     string `json:"event,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// SessionGonePayload announces a destroyed session.
type SessionGonePayload struct {
	SessionID string `json:"sessionId"`
}

// FileChangePayload announces filesystem activity in a session's
// working directory.
type FileChangePayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Op        string `json:"op"`
}

// ErrorPayload carries a server-side failure to the client.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

type SessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type SessionDestroyPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}
