package protocol

import (
	"encoding/json"
	"fmt"
)

// maxContentBytes bounds a single message payload's content field.
const maxContentBytes = 1 << 20

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:  true,
	TypeSessionMessage: true,
	TypeSessionDestroy: true,
	TypeSessionResize:  true,
}

// ValidateClientMessage validates a raw JSON message from a client and
// returns the parsed envelope.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}

	case TypeSessionMessage:
		var p SessionMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s payload", msg.Type)
		}
		if len(p.Content) > maxContentBytes {
			return nil, fmt.Errorf("content exceeds %d bytes", maxContentBytes)
		}

	case TypeSessionDestroy:
		var p SessionDestroyPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}

	case TypeSessionResize:
		var p SessionResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Cols == 0 || p.Rows == 0 {
			return nil, fmt.Errorf("cols and rows must be positive in %s payload", msg.Type)
		}
	}

	return &msg, nil
}
