// ABOUTME: Agent backend interface, stream event types, and turn results
// ABOUTME: Shared by the turn controller, the CLI backend, and test fakes

package turn

import (
	"context"
	"encoding/json"
	"errors"
)

// Errors returned at the controller boundary.
var (
	ErrEmptyPrompt = errors.New("prompt is empty")
	ErrNoContext   = errors.New("agent has no context")
)

// Cancellation causes attached to a turn context.
var (
	errSuperseded = errors.New("turn superseded by a new prompt")
	errPaused     = errors.New("turn paused")
	errReset      = errors.New("turn reset")
)

// EventType identifies the kind of chunk an agent stream produced.
type EventType string

const (
	EventSystem     EventType = "system"
	EventUser       EventType = "user"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
	EventUnknown    EventType = "unknown"
)

// ParseEventType maps a wire tag onto the closed EventType set.
func ParseEventType(s string) EventType {
	switch t := EventType(s); t {
	case EventSystem, EventUser, EventAssistant, EventToolUse, EventToolResult, EventResult, EventError:
		return t
	default:
		return EventUnknown
	}
}

// Event is one chunk of an agent turn.
type Event struct {
	Type      EventType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ContextID string          `json:"context_id,omitempty"` // set when the backend assigns or renames the context
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Agent is an external agent service that runs turns inside a context.
type Agent interface {
	// StartContext creates a fresh conversation context.
	StartContext(ctx context.Context) (string, error)
	// Stream runs one turn. The returned channel is closed when the turn
	// is exhausted. Cancelling ctx must stop the stream promptly.
	Stream(ctx context.Context, contextID, prompt string) (<-chan *Event, error)
}

// Status is the resolution of a controller operation.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
	StatusPaused  Status = "paused"
	StatusIdle    Status = "idle"
	StatusReset   Status = "reset"
)

// Result describes how an operation resolved.
type Result struct {
	Status        Status `json:"status"`
	Agent         string `json:"agent"`
	TurnID        string `json:"turn_id,omitempty"`
	ContextID     string `json:"context_id,omitempty"`
	FinalResponse string `json:"final_response,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of a controller.
type Snapshot struct {
	Name      string `json:"name"`
	ContextID string `json:"context_id,omitempty"`
	TurnCount int    `json:"turn_count"`
	Busy      bool   `json:"busy"`
	Memory    string `json:"memory,omitempty"`
}

type turnKind string

const (
	kindPrompt  turnKind = "prompt"
	kindCompact turnKind = "compact"
)

// activeTurn is the controller's single unresolved turn.
type activeTurn struct {
	id         string
	kind       turnKind
	generation uint64
	cancel     context.CancelCauseFunc
	done       chan struct{} // closed when this turn returns
	settled    chan struct{} // closed when this turn and every turn it superseded have returned
	after      <-chan struct{}
}
