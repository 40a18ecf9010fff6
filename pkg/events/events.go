// Package events implements the engine's fan-out hub. Components publish
// typed domain events into a Bridge; any number of subscribers receive them
// in emission order, optionally filtered by category. The bridge is a pure
// router: it holds no connection- or session-specific state.
package events

import (
	"time"
)

// Category identifies the kind of domain event
type Category string

const (
	CategoryConnection Category = "connection"
	CategorySession    Category = "session"
	CategoryMessage    Category = "message"
	CategoryStream     Category = "stream"
	CategoryError      Category = "error"
)

// Event is the single wire format crossing the bridge boundary
type Event struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Payload      Payload   `json:"payload"`
}

// Payload is implemented by every event payload type
type Payload interface {
	EventCategory() Category
}

// ConnectionEventType enumerates connection lifecycle transitions
type ConnectionEventType string

const (
	ConnectionConnecting   ConnectionEventType = "connecting"
	ConnectionConnected    ConnectionEventType = "connected"
	ConnectionDisconnected ConnectionEventType = "disconnected"
	ConnectionError        ConnectionEventType = "error"
	ConnectionHealthCheck  ConnectionEventType = "health_check"
)

// ConnectionPayload carries connection lifecycle data
type ConnectionPayload struct {
	Type          ConnectionEventType `json:"type"`
	URL           string              `json:"url,omitempty"`
	ServerName    string              `json:"server_name,omitempty"`
	ServerVersion string              `json:"server_version,omitempty"`
	Latency       time.Duration       `json:"latency,omitempty"`
	Message       string              `json:"message,omitempty"`
}

func (ConnectionPayload) EventCategory() Category { return CategoryConnection }

// SessionEventType enumerates session store mutations
type SessionEventType string

const (
	SessionCreated  SessionEventType = "created"
	SessionRenamed  SessionEventType = "renamed"
	SessionDeleted  SessionEventType = "deleted"
	SessionSelected SessionEventType = "selected"
)

// SessionPayload carries session mutation data
type SessionPayload struct {
	Type  SessionEventType `json:"type"`
	Title string           `json:"title,omitempty"`
}

func (SessionPayload) EventCategory() Category { return CategorySession }

// MessageEventType enumerates message mutations
type MessageEventType string

const (
	// MessageSent is a locally appended user turn accepted for delivery
	MessageSent MessageEventType = "sent"
	// MessageStarted is the beginning of a streamed assistant turn
	MessageStarted MessageEventType = "started"
	// MessageUpdated is a partial content update for an in-flight turn
	MessageUpdated MessageEventType = "updated"
	// MessageCompleted finalizes a turn with its authoritative content
	MessageCompleted MessageEventType = "completed"
)

// MessagePayload carries message data. MessageID is the deduplication key:
// consumers must update an existing record with the same id in place rather
// than appending a second one.
type MessagePayload struct {
	Type      MessageEventType `json:"type"`
	MessageID string           `json:"message_id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Streaming bool             `json:"streaming"`
}

func (MessagePayload) EventCategory() Category { return CategoryMessage }

// StreamEventType enumerates stream handle transitions
type StreamEventType string

const (
	StreamStarted      StreamEventType = "started"
	StreamActive       StreamEventType = "active"
	StreamReconnecting StreamEventType = "reconnecting"
	StreamStopped      StreamEventType = "stopped"
	StreamClosed       StreamEventType = "closed"
)

// StreamPayload carries stream lifecycle data
type StreamPayload struct {
	Type       StreamEventType `json:"type"`
	RetryCount int             `json:"retry_count,omitempty"`
	Message    string          `json:"message,omitempty"`
}

func (StreamPayload) EventCategory() Category { return CategoryStream }

// ErrorPayload carries a surfaced failure. Message is user-facing;
// Detail is the technical context and belongs in logs.
type ErrorPayload struct {
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (ErrorPayload) EventCategory() Category { return CategoryError }
