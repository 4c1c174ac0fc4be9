// ABOUTME: Typed server events decoded from the upstream control channel
// ABOUTME: Parse dispatches on the "type" field and falls back to Unknown

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server event types.
const (
	TypeSessionCreated                = "session.created"
	TypeSessionUpdated                = "session.updated"
	TypeInputTranscriptionDelta       = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptionCompleted   = "conversation.item.input_audio_transcription.completed"
	TypeResponseAudioTranscriptDelta  = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone   = "response.audio_transcript.done"
	TypeResponseOutputTranscriptDelta = "response.output_audio_transcript.delta"
	TypeResponseOutputTranscriptDone  = "response.output_audio_transcript.done"
	TypeResponseFunctionCallArgsDone  = "response.function_call_arguments.done"
	TypeResponseOutputItemDone        = "response.output_item.done"
	TypeResponseDone                  = "response.done"
	TypeError                         = "error"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrMissingType is returned for a JSON object without a "type" field.
var ErrMissingType = errors.New("event has no type")

// ServerEvent is any event received from the service.
type ServerEvent interface {
	EventType() string
}

// SessionCreated confirms the session exists.
type SessionCreated struct {
	EventID string          `json:"event_id"`
	Session json.RawMessage `json:"session"`
}

func (e *SessionCreated) EventType() string { return TypeSessionCreated }

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	EventID string          `json:"event_id"`
	Session json.RawMessage `json:"session"`
}

func (e *SessionUpdated) EventType() string { return TypeSessionUpdated }

// TranscriptDelta is an incremental transcript of user or assistant speech.
type TranscriptDelta struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
	Role   string `json:"-"`
	Delta  string `json:"delta"`
}

func (e *TranscriptDelta) EventType() string { return e.Type }

// TranscriptDone is the finalized transcript of one conversation item.
type TranscriptDone struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Role       string `json:"-"`
	Transcript string `json:"transcript"`
}

func (e *TranscriptDone) EventType() string { return e.Type }

// FunctionCall asks the client to run a tool.
type FunctionCall struct {
	Type      string `json:"type"`
	ItemID    string `json:"item_id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (e *FunctionCall) EventType() string { return e.Type }

// ResponseDone marks the end of a model response.
type ResponseDone struct {
	ResponseID string
	Status     string
}

func (e *ResponseDone) EventType() string { return TypeResponseDone }

// ErrorEvent reports a failure. EventID names the client event that
// caused it, when the service knows.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

func (e *ErrorEvent) EventType() string { return TypeError }

func (e *ErrorEvent) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unknown is any event type this package does not model.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e *Unknown) EventType() string { return e.Type }

type envelope struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// Parse decodes one server event.
func Parse(data []byte) (ServerEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case TypeSessionCreated:
		return decode(data, &SessionCreated{})
	case TypeSessionUpdated:
		return decode(data, &SessionUpdated{})

	case TypeInputTranscriptionDelta:
		return decodeDelta(data, RoleUser)
	case TypeResponseAudioTranscriptDelta, TypeResponseOutputTranscriptDelta:
		return decodeDelta(data, RoleAssistant)
	case TypeInputTranscriptionCompleted:
		return decodeDone(data, RoleUser)
	case TypeResponseAudioTranscriptDone, TypeResponseOutputTranscriptDone:
		return decodeDone(data, RoleAssistant)

	case TypeResponseFunctionCallArgsDone:
		return decode(data, &FunctionCall{})
	case TypeResponseOutputItemDone:
		return decodeOutputItem(data)

	case TypeResponseDone:
		var wire struct {
			Response struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
		}
		return &ResponseDone{ResponseID: wire.Response.ID, Status: wire.Response.Status}, nil

	case TypeError:
		var wire struct {
			Error ErrorEvent `json:"error"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
		}
		return &wire.Error, nil
	}

	return &Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

func decode[T ServerEvent](data []byte, ev T) (ServerEvent, error) {
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ev.EventType(), err)
	}
	return ev, nil
}

func decodeDelta(data []byte, role string) (ServerEvent, error) {
	ev := &TranscriptDelta{Role: role}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding transcript delta: %w", err)
	}
	return ev, nil
}

func decodeDone(data []byte, role string) (ServerEvent, error) {
	ev := &TranscriptDone{Role: role}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding transcript: %w", err)
	}
	return ev, nil
}

// decodeOutputItem yields a FunctionCall for function_call items and
// Unknown for every other item type.
func decodeOutputItem(data []byte) (ServerEvent, error) {
	var wire struct {
		Item struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"item"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decoding output item: %w", err)
	}
	if wire.Item.Type != "function_call" {
		return &Unknown{Type: TypeResponseOutputItemDone, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	return &FunctionCall{
		Type:      TypeResponseOutputItemDone,
		ItemID:    wire.Item.ID,
		CallID:    wire.Item.CallID,
		Name:      wire.Item.Name,
		Arguments: wire.Item.Arguments,
	}, nil
}
