// ABOUTME: Session value type and the payloads the manager publishes
// ABOUTME: A Session is created by a handshake and destroyed only by CloseSession

package upstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// State is the manager's session state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
)

// Session is one upstream session.
type Session struct {
	ID       string
	OpenedAt time.Time

	conn Conn

	// ctx scopes tool dispatches; cancelled when the session closes.
	ctx    context.Context
	cancel context.CancelFunc

	terminated chan struct{} // closed on a terminal transport state
	termOnce   sync.Once
}

func (s *Session) terminate() {
	s.termOnce.Do(func() { close(s.terminated) })
}

// Info describes the manager's session for the API.
type Info struct {
	State     State      `json:"state"`
	SessionID string     `json:"session_id,omitempty"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	Listeners int        `json:"listeners"`
}

// StatusPayload accompanies session lifecycle events.
type StatusPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TranscriptPayload accompanies transcript_delta and transcript_final.
type TranscriptPayload struct {
	SessionID string `json:"session_id"`
	ItemID    string `json:"item_id,omitempty"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

// ToolCallPayload accompanies tool_call_started and tool_call_completed.
type ToolCallPayload struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UpstreamEventPayload accompanies upstream_event and upstream_error.
type UpstreamEventPayload struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}
