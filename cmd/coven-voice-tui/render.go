// ABOUTME: Renders gateway events and turn results as colored terminal lines
// ABOUTME: Unknown event types render generically so new producers stay visible

package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"

	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/turn"
)

var (
	dim       = color.New(color.Faint).SprintFunc()
	errorText = color.New(color.FgRed).SprintFunc()
	warnText  = color.New(color.FgYellow).SprintFunc()
	okText    = color.New(color.FgGreen).SprintFunc()
	nameText  = color.New(color.FgCyan).SprintFunc()
)

// envelope mirrors events.Event with the payload left encoded.
type envelope struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// payload is the union of fields the renderer reads from event payloads.
type payload struct {
	Agent     string      `json:"agent"`
	SessionID string      `json:"session_id"`
	LegID     string      `json:"leg_id"`
	Legs      int         `json:"legs"`
	Reason    string      `json:"reason"`
	Error     string      `json:"error"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	Name      string      `json:"name"`
	Message   string      `json:"message"`
	Verbose   bool        `json:"verbose"`
	Event     *turn.Event `json:"event"`
}

// describe renders one SSE event. It returns "" for events not worth a line.
func describe(eventType string, data []byte) string {
	var ev envelope
	if err := json.Unmarshal(data, &ev); err != nil {
		return dim(fmt.Sprintf("[%s] %s", eventType, truncate(string(data), 100)))
	}
	var p payload
	_ = json.Unmarshal(ev.Payload, &p)

	switch eventType {
	case events.TypeSessionConnecting:
		return dim("[session] connecting " + p.SessionID)
	case events.TypeSessionOpened:
		return okText("[session] open " + p.SessionID)
	case events.TypeSessionClosed:
		return warnText("[session] closed (" + p.Reason + ")")
	case events.TypeSessionFailed:
		return errorText("[session] failed: " + p.Error)
	case events.TypeLegJoined:
		return dim(fmt.Sprintf("[leg] joined %s (%d connected)", p.LegID, p.Legs))
	case events.TypeLegLeft:
		return dim(fmt.Sprintf("[leg] left %s: %s (%d connected)", p.LegID, p.Reason, p.Legs))
	case events.TypeTranscriptFinal:
		return fmt.Sprintf("%s %s", nameText(p.Role+":"), p.Text)
	case events.TypeTranscriptDelta:
		return ""
	case events.TypeToolCallStarted:
		return warnText("[tool] " + p.Name)
	case events.TypeToolCallCompleted:
		if p.Error != "" {
			return errorText("[tool error] " + p.Name + ": " + p.Error)
		}
		return okText("[tool done] " + p.Name)
	case events.TypeTurnStarted:
		return dim(fmt.Sprintf("[%s] turn started", p.Agent))
	case events.TypeTurnCompleted:
		return okText(fmt.Sprintf("[%s] turn completed", p.Agent))
	case events.TypeTurnPaused, events.TypeTurnAborted:
		return warnText(fmt.Sprintf("[%s] %s", p.Agent, eventType))
	case events.TypeTurnError:
		return errorText(fmt.Sprintf("[%s] turn error: %s", p.Agent, p.Error))
	case events.TypeMessage:
		if p.Event == nil {
			return ""
		}
		return dim(fmt.Sprintf("[%s %s] %s", p.Agent, p.Event.Type, truncate(p.Event.Text, 80)))
	case events.TypeCompactStarted, events.TypeCompactCompleted:
		return dim(fmt.Sprintf("[%s] %s", p.Agent, eventType))
	case events.TypeCompactFailed:
		return errorText(fmt.Sprintf("[%s] compaction failed: %s", p.Agent, p.Error))
	case events.TypeReset:
		return warnText(fmt.Sprintf("[%s] context reset", p.Agent))
	case events.TypeUpstreamError:
		return errorText("[upstream] " + p.Message)
	case events.TypeVerboseChanged:
		return dim(fmt.Sprintf("[verbose] %t", p.Verbose))
	default:
		return dim(fmt.Sprintf("[%s] %s", eventType, truncate(string(ev.Payload), 100)))
	}
}

func formatResult(res *turn.Result) string {
	switch res.Status {
	case turn.StatusOK:
		if res.FinalResponse == "" {
			return okText(string(res.Status))
		}
		return res.FinalResponse
	case turn.StatusError:
		return errorText("error: " + res.Error)
	default:
		return warnText(string(res.Status))
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
