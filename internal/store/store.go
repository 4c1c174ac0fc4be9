// ABOUTME: Store interface and data types for transcript and agent context persistence
// ABOUTME: Consumed by the upstream manager (transcripts) and turn controllers (contexts)

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Transcript roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Transcript is one finalized utterance from the voice session.
type Transcript struct {
	ID        string
	SessionID string
	ItemID    string // Upstream conversation item ID; unique when set
	Role      string // "user" or "assistant"
	Text      string
	CreatedAt time.Time
}

// AgentContext is the durable conversation identity of one agent.
type AgentContext struct {
	Agent     string
	ContextID string
	TurnCount int
	Memory    string // Summary carried over from the last compaction
	UpdatedAt time.Time
}

// TranscriptStore records and lists transcripts.
type TranscriptStore interface {
	AppendTranscript(ctx context.Context, t *Transcript) error
	ListTranscripts(ctx context.Context, limit int) ([]*Transcript, error)
}

// ContextStore loads and replaces agent contexts.
type ContextStore interface {
	LoadAgentContext(ctx context.Context, agent string) (*AgentContext, error)
	SaveAgentContext(ctx context.Context, c *AgentContext) error
	DeleteAgentContext(ctx context.Context, agent string) error
}

// Store is the full persistence surface.
type Store interface {
	TranscriptStore
	ContextStore
	Close() error
}
