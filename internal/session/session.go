// Package session contains the orchestration core: the session model,
// the output parser that classifies assistant process output, and the
// Manager that ties sessions, processes, and persistence together.
package session

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusIdle means no message is in flight.
	StatusIdle Status = "idle"
	// StatusRunning means a message has been written to the process and
	// its turn has not completed.
	StatusRunning Status = "running"
	// StatusError means the backing process failed to spawn or exited
	// with a non-zero code.
	StatusError Status = "error"
)

// Session is one conversation context bound to a working directory.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	WorkingDir string     `json:"workingDir"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Message is one user or assistant message belonging to a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputRecord is one unit of process output awaiting (or retrieved
// from) durable storage.
type OutputRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Type      string    `json:"type"`            // "raw" or "parsed"
	Content   string    `json:"content"`
	Event     string    `json:"event,omitempty"` // structured event kind, empty for raw
	Timestamp time.Time `json:"timestamp"`
}

// History bundles a session's persisted messages and outputs.
type History struct {
	Messages []Message      `json:"messages"`
	Outputs  []OutputRecord `json:"outputs"`
}
