// ABOUTME: Tests for server event parsing and client event encoding
// ABOUTME: Covers every modelled type plus the Unknown fallback

package realtime

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Transcripts(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		role  string
		text  string
		final bool
	}{
		{
			name: "user delta",
			raw:  `{"type":"conversation.item.input_audio_transcription.delta","item_id":"item_1","delta":"hel"}`,
			role: RoleUser, text: "hel",
		},
		{
			name: "user completed",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"hello"}`,
			role: RoleUser, text: "hello", final: true,
		},
		{
			name: "assistant delta",
			raw:  `{"type":"response.audio_transcript.delta","item_id":"item_2","delta":"hi"}`,
			role: RoleAssistant, text: "hi",
		},
		{
			name: "assistant done alias",
			raw:  `{"type":"response.output_audio_transcript.done","item_id":"item_2","transcript":"hi there"}`,
			role: RoleAssistant, text: "hi there", final: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			if tt.final {
				done, ok := ev.(*TranscriptDone)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, tt.role, done.Role)
				assert.Equal(t, tt.text, done.Transcript)
				assert.NotEmpty(t, done.ItemID)
				return
			}
			delta, ok := ev.(*TranscriptDelta)
			require.True(t, ok, "got %T", ev)
			assert.Equal(t, tt.role, delta.Role)
			assert.Equal(t, tt.text, delta.Delta)
		})
	}
}

func TestParse_FunctionCalls(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"response.function_call_arguments.done","item_id":"item_3","call_id":"call_1","name":"ask_coder","arguments":"{\"prompt\":\"hi\"}"}`))
	require.NoError(t, err)
	fc, ok := ev.(*FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "call_1", fc.CallID)
	assert.Equal(t, "ask_coder", fc.Name)
	assert.JSONEq(t, `{"prompt":"hi"}`, fc.Arguments)

	ev, err = Parse([]byte(`{"type":"response.output_item.done","item":{"id":"item_3","type":"function_call","call_id":"call_1","name":"ask_coder","arguments":"{}"}}`))
	require.NoError(t, err)
	fc, ok = ev.(*FunctionCall)
	require.True(t, ok)
	assert.Equal(t, "call_1", fc.CallID)
	assert.Equal(t, TypeResponseOutputItemDone, fc.EventType())

	ev, err = Parse([]byte(`{"type":"response.output_item.done","item":{"id":"item_4","type":"message"}}`))
	require.NoError(t, err)
	_, ok = ev.(*Unknown)
	assert.True(t, ok)
}

func TestParse_ErrorAndSession(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"bad_param","message":"nope","event_id":"evt_9"}}`))
	require.NoError(t, err)
	e, ok := ev.(*ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "evt_9", e.EventID)
	assert.Equal(t, "bad_param: nope", e.Error())

	ev, err = Parse([]byte(`{"type":"session.updated","event_id":"srv_1","session":{"type":"realtime"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSessionUpdated, ev.EventType())

	ev, err = Parse([]byte(`{"type":"session.created","session":{}}`))
	require.NoError(t, err)
	assert.IsType(t, &SessionCreated{}, ev)

	ev, err = Parse([]byte(`{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`))
	require.NoError(t, err)
	done := ev.(*ResponseDone)
	assert.Equal(t, "resp_1", done.ResponseID)
	assert.Equal(t, "completed", done.Status)
}

func TestParse_UnknownAndInvalid(t *testing.T) {
	raw := `{"type":"input_audio_buffer.speech_started","audio_start_ms":120}`
	ev, err := Parse([]byte(raw))
	require.NoError(t, err)
	u, ok := ev.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "input_audio_buffer.speech_started", u.EventType())
	assert.JSONEq(t, raw, string(u.Raw))

	_, err = Parse([]byte(`{"event_id":"x"}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestClientEvents_Encode(t *testing.T) {
	out := NewFunctionCallOutput("call_1", `{"status":"ok"}`)
	assert.True(t, strings.HasPrefix(out.EventID(), "evt_"))

	data, err := Marshal(out)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeConversationItemCreate, decoded["type"])
	assert.Equal(t, out.EventID(), decoded["event_id"])
	item := decoded["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])

	upd := NewSessionUpdate(SessionConfig{
		Instructions: "be brief",
		Audio:        &AudioConfig{Output: &AudioOutput{Voice: "marin"}},
		Tools:        []Tool{FunctionTool("ask_coder", "Ask the coder", map[string]any{"type": "object"})},
	})
	data, err = Marshal(upd)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"session.update"`)
	assert.Contains(t, string(data), `"session":{"type":"realtime"`)
	assert.Contains(t, string(data), `"voice":"marin"`)

	assert.NotEqual(t, NewResponseCreate().EventID(), NewResponseCreate().EventID())
	assert.Equal(t, TypeResponseCancel, NewResponseCancel().EventType())
}
