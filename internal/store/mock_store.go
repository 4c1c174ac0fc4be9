// ABOUTME: In-memory Store implementation for testing
// ABOUTME: Allows tests in other packages to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu          sync.RWMutex
	transcripts []*Transcript
	items       map[string]bool          // item IDs already stored
	contexts    map[string]*AgentContext // keyed by agent name
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]bool),
		contexts: make(map[string]*AgentContext),
	}
}

// AppendTranscript stores a copy of the transcript.
func (m *MemoryStore) AppendTranscript(ctx context.Context, t *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ItemID != "" && m.items[t.ItemID] {
		return nil
	}
	cp := *t
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.transcripts = append(m.transcripts, &cp)
	if cp.ItemID != "" {
		m.items[cp.ItemID] = true
	}
	return nil
}

// ListTranscripts returns the most recent transcripts in insertion order.
func (m *MemoryStore) ListTranscripts(ctx context.Context, limit int) ([]*Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultTranscriptLimit
	}
	start := max(len(m.transcripts)-limit, 0)
	out := make([]*Transcript, 0, len(m.transcripts)-start)
	for _, t := range m.transcripts[start:] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// LoadAgentContext returns a copy of the agent's context.
func (m *MemoryStore) LoadAgentContext(ctx context.Context, agent string) (*AgentContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contexts[agent]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SaveAgentContext stores a copy of the context.
func (m *MemoryStore) SaveAgentContext(ctx context.Context, c *AgentContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.contexts[c.Agent] = &cp
	return nil
}

// DeleteAgentContext removes the agent's context.
func (m *MemoryStore) DeleteAgentContext(ctx context.Context, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, agent)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
