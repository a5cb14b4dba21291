package agent

import (
	"errors"

	"codeforge/internal/patch"
)

// EventType tags an outbound session message.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventStatus        EventType = "status"
	EventFileUpdate    EventType = "fileUpdate"
	EventAgentResponse EventType = "agentResponse"
	EventError         EventType = "error"
	EventPong          EventType = "pong"
)

const (
	PhaseThinking   = "thinking"
	PhaseGenerating = "generating"
)

// Event is the single outbound wire shape; Type selects which fields are
// set.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"sessionId,omitempty"`
	Paths       []string  `json:"paths,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	Path        string    `json:"path,omitempty"`
	Body        string    `json:"body,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	Text        string    `json:"text,omitempty"`
	FollowUps   []string  `json:"followUps,omitempty"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Inbound is a client message. Type is "message" or "ping".
type Inbound struct {
	Type         string   `json:"type"`
	Text         string   `json:"text,omitempty"`
	ContextPaths []string `json:"contextPaths,omitempty"`
}

func rejectionCode(err error) string {
	switch {
	case errors.Is(err, patch.ErrConflict):
		return "conflict"
	case errors.Is(err, patch.ErrNotFound):
		return "not_found"
	case errors.Is(err, patch.ErrCreateExisting):
		return "already_exists"
	default:
		return "invalid_proposal"
	}
}
