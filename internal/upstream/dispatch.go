// ABOUTME: Control-channel demultiplexer routing decoded server events
// ABOUTME: Handles transcripts, deduplicated tool calls, errors, and pass-through events

package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/realtime"
	"github.com/2389/coven-voice/internal/store"
)

// accepts reports whether control traffic from s should be processed.
func (m *Manager) accepts(s *Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session == s || m.handshaking == s
}

func (m *Manager) onControl(s *Session, data []byte) {
	if !m.accepts(s) {
		return
	}

	ev, err := realtime.Parse(data)
	if err != nil {
		m.logger.Warn("undecodable control event", "session_id", s.ID, "error", err)
		return
	}

	if e, ok := ev.(*realtime.ErrorEvent); ok {
		m.onError(s, e, data)
		return
	}
	m.pending.resolve(ev)

	switch e := ev.(type) {
	case *realtime.TranscriptDelta:
		m.transcriptHub.Publish(events.TypeTranscriptDelta, TranscriptPayload{
			SessionID: s.ID,
			ItemID:    e.ItemID,
			Role:      e.Role,
			Text:      e.Delta,
		})
	case *realtime.TranscriptDone:
		m.onTranscript(s, e)
	case *realtime.FunctionCall:
		m.onFunctionCall(s, e)
	default:
		m.statusHub.Publish(events.TypeUpstreamEvent, UpstreamEventPayload{
			SessionID: s.ID,
			Type:      ev.EventType(),
			Raw:       json.RawMessage(data),
		})
	}
}

func (m *Manager) onError(s *Session, e *realtime.ErrorEvent, data []byte) {
	m.logger.Warn("upstream error", "session_id", s.ID, "code", e.Code, "message", e.Message, "event_id", e.EventID)
	m.statusHub.Publish(events.TypeUpstreamError, UpstreamEventPayload{
		SessionID: s.ID,
		Type:      e.Type,
		Code:      e.Code,
		Message:   e.Message,
		EventID:   e.EventID,
		Raw:       json.RawMessage(data),
	})

	err := fmt.Errorf("%w: %s", ErrUpstreamError, e.Error())
	if e.EventID != "" {
		m.pending.failByID(e.EventID, err)
		return
	}
	m.pending.failAll(err)
}

func (m *Manager) onTranscript(s *Session, e *realtime.TranscriptDone) {
	if e.ItemID != "" && m.seenTranscripts.Seen(e.Role+":"+e.ItemID) {
		m.logger.Debug("duplicate transcript", "item_id", e.ItemID)
		return
	}

	m.transcriptHub.Publish(events.TypeTranscriptFinal, TranscriptPayload{
		SessionID: s.ID,
		ItemID:    e.ItemID,
		Role:      e.Role,
		Text:      e.Transcript,
	})

	if m.store == nil || e.Transcript == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := m.store.AppendTranscript(ctx, &store.Transcript{
		SessionID: s.ID,
		ItemID:    e.ItemID,
		Role:      e.Role,
		Text:      e.Transcript,
	})
	if err != nil {
		m.logger.Warn("failed to persist transcript", "item_id", e.ItemID, "error", err)
	}
}

// onFunctionCall dispatches a tool call once per call ID, then returns
// its output to the model and asks for a response.
func (m *Manager) onFunctionCall(s *Session, fc *realtime.FunctionCall) {
	if fc.CallID == "" {
		m.logger.Warn("function call without call_id", "name", fc.Name)
		return
	}
	if m.seenCalls.Seen(fc.CallID) {
		m.logger.Debug("duplicate function call", "call_id", fc.CallID)
		return
	}

	m.statusHub.Publish(events.TypeToolCallStarted, ToolCallPayload{
		SessionID: s.ID,
		CallID:    fc.CallID,
		Name:      fc.Name,
		Arguments: fc.Arguments,
	})
	m.logger.Info("tool call", "call_id", fc.CallID, "name", fc.Name)

	go m.runToolCall(s, fc)
}

func (m *Manager) runToolCall(s *Session, fc *realtime.FunctionCall) {
	var (
		output string
		err    error
	)
	if m.tools == nil {
		err = fmt.Errorf("no tools configured")
	} else {
		output, err = m.tools.Dispatch(s.ctx, fc.Name, fc.Arguments)
	}

	completed := ToolCallPayload{SessionID: s.ID, CallID: fc.CallID, Name: fc.Name, Status: "ok"}
	if err != nil {
		completed.Status = "error"
		completed.Error = err.Error()
		output = errorOutput(err)
		m.logger.Warn("tool call failed", "call_id", fc.CallID, "name", fc.Name, "error", err)
	}
	m.statusHub.Publish(events.TypeToolCallCompleted, completed)

	if s.ctx.Err() != nil {
		return
	}
	if err := m.sendOn(s, realtime.NewFunctionCallOutput(fc.CallID, output)); err != nil {
		m.logger.Warn("failed to return tool output", "call_id", fc.CallID, "error", err)
		return
	}
	if err := m.sendOn(s, realtime.NewResponseCreate()); err != nil {
		m.logger.Warn("failed to request response", "call_id", fc.CallID, "error", err)
	}
}

func errorOutput(err error) string {
	data, _ := json.Marshal(map[string]string{"status": "error", "error": err.Error()})
	return string(data)
}
