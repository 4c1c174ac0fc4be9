// ABOUTME: Client events sent to the upstream service and the session configuration shape
// ABOUTME: Every constructor stamps a unique event_id used to correlate errors

package realtime

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Client event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// ClientEvent is any event sent to the service.
type ClientEvent interface {
	EventType() string
	EventID() string
}

type header struct {
	Type string `json:"type"`
	ID   string `json:"event_id,omitempty"`
}

func newHeader(eventType string) header {
	return header{Type: eventType, ID: "evt_" + uuid.New().String()}
}

func (h header) EventType() string { return h.Type }
func (h header) EventID() string   { return h.ID }

// SessionConfig is the session object of a session.update.
type SessionConfig struct {
	Type         string       `json:"type"`
	Model        string       `json:"model,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Audio        *AudioConfig `json:"audio,omitempty"`
	Tools        []Tool       `json:"tools,omitempty"`
	ToolChoice   string       `json:"tool_choice,omitempty"`
}

// AudioConfig groups the input and output audio settings.
type AudioConfig struct {
	Input  *AudioInput  `json:"input,omitempty"`
	Output *AudioOutput `json:"output,omitempty"`
}

type AudioInput struct {
	Transcription *Transcription `json:"transcription,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

type AudioOutput struct {
	Voice string `json:"voice,omitempty"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionTool builds a function tool declaration.
func FunctionTool(name, description string, parameters map[string]any) Tool {
	return Tool{Type: "function", Name: name, Description: description, Parameters: parameters}
}

// SessionUpdate reconfigures the session.
type SessionUpdate struct {
	header
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate builds a session.update. An empty cfg.Type defaults to "realtime".
func NewSessionUpdate(cfg SessionConfig) *SessionUpdate {
	if cfg.Type == "" {
		cfg.Type = "realtime"
	}
	return &SessionUpdate{header: newHeader(TypeSessionUpdate), Session: cfg}
}

// ConversationItem is an item added to the conversation by the client.
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ConversationItemCreate adds an item to the conversation.
type ConversationItemCreate struct {
	header
	Item ConversationItem `json:"item"`
}

// NewFunctionCallOutput returns a tool result for callID.
func NewFunctionCallOutput(callID, output string) *ConversationItemCreate {
	return &ConversationItemCreate{
		header: newHeader(TypeConversationItemCreate),
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate asks the model to respond.
type ResponseCreate struct {
	header
}

func NewResponseCreate() *ResponseCreate {
	return &ResponseCreate{header: newHeader(TypeResponseCreate)}
}

// ResponseCancel interrupts the current model response.
type ResponseCancel struct {
	header
}

func NewResponseCancel() *ResponseCancel {
	return &ResponseCancel{header: newHeader(TypeResponseCancel)}
}

// Marshal encodes a client event for the wire.
func Marshal(ev ClientEvent) ([]byte, error) {
	return json.Marshal(ev)
}
