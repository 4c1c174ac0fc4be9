// ABOUTME: Event record and the event type names shared by all producers
// ABOUTME: Events are immutable once published and serialize to JSON for clients

package events

import "time"

// Event types published by the turn controller.
const (
	TypeTurnStarted      = "turn_started"
	TypeMessage          = "message"
	TypeTurnCompleted    = "turn_completed"
	TypeTurnPaused       = "turn_paused"
	TypeTurnAborted      = "turn_aborted"
	TypeTurnError        = "turn_error"
	TypeCompactStarted   = "compact_started"
	TypeCompactCompleted = "compact_completed"
	TypeCompactFailed    = "compact_failed"
	TypeReset            = "reset"
)

// Event types published by the upstream session manager.
const (
	TypeTranscriptDelta   = "transcript_delta"
	TypeTranscriptFinal   = "transcript_final"
	TypeSessionConnecting = "session_connecting"
	TypeSessionOpened     = "session_opened"
	TypeSessionClosed     = "session_closed"
	TypeSessionFailed     = "session_failed"
	TypeToolCallStarted   = "tool_call_started"
	TypeToolCallCompleted = "tool_call_completed"
	TypeUpstreamError     = "upstream_error"
	TypeUpstreamEvent     = "upstream_event"
)

// Event types published by the client leg registry and the gateway.
const (
	TypeLegJoined      = "leg_joined"
	TypeLegLeft        = "leg_left"
	TypeVerboseChanged = "verbose_changed"
)

// Event is a single published record.
type Event struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
