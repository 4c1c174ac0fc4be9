// ABOUTME: Payload shapes the controller publishes on its hub
// ABOUTME: Every payload carries the agent name and the turn ID so stale events can be ignored

package turn

// TurnPayload accompanies turn_started and the terminal turn events.
type TurnPayload struct {
	Agent     string `json:"agent"`
	TurnID    string `json:"turn_id"`
	ContextID string `json:"context_id,omitempty"`
	Turn      int    `json:"turn,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Response  string `json:"response,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// MessagePayload carries one raw chunk of a turn's stream.
type MessagePayload struct {
	Agent  string `json:"agent"`
	TurnID string `json:"turn_id"`
	Phase  string `json:"phase"` // prompt, summarize or seed
	Event  *Event `json:"event"`
}

// CompactPayload accompanies the compact_* events.
type CompactPayload struct {
	Agent        string `json:"agent"`
	TurnID       string `json:"turn_id"`
	OldContextID string `json:"old_context_id"`
	NewContextID string `json:"new_context_id,omitempty"`
	SummaryChars int    `json:"summary_chars,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ResetPayload accompanies the reset event.
type ResetPayload struct {
	Agent             string `json:"agent"`
	PreviousContextID string `json:"previous_context_id,omitempty"`
	InterruptedTurnID string `json:"interrupted_turn_id,omitempty"`
}
