// ABOUTME: Synchronous fan-out hub with per-subscriber failure isolation
// ABOUTME: Serializes publishes so each producer's events arrive in FIFO order

package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-voice/internal/metrics"
)

// Handler receives published events. A returned error is logged and does
// not affect delivery to other handlers.
type Handler func(Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Hub delivers published events to its current subscribers.
type Hub struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	publishMu sync.Mutex // serializes Publish

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:   name,
		logger: logger.With("component", "hub", "hub", name),
		now:    time.Now,
	}
}

// WithMetrics attaches a metrics recorder and returns the hub.
func (h *Hub) WithMetrics(m *metrics.Metrics) *Hub {
	h.metrics = m
	return h
}

// Name returns the hub name, used as the Source of its events.
func (h *Hub) Name() string {
	return h.name
}

// Subscribe registers handler and returns a function that removes it.
// The returned function is safe to call more than once.
func (h *Hub) Subscribe(handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, handler: handler})
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", id, "subscribers", count)

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.subs {
		if s.id == id {
			// Copy-on-write: snapshots taken by in-flight publishes keep
			// their own backing array.
			next := make([]subscription, 0, len(h.subs)-1)
			next = append(next, h.subs[:i]...)
			next = append(next, h.subs[i+1:]...)
			h.subs = next
			h.logger.Debug("subscriber removed", "sub_id", id, "subscribers", len(next))
			return
		}
	}
}

// Publish delivers an event to every current subscriber before returning.
func (h *Hub) Publish(eventType string, payload any) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	ev := Event{
		Type:      eventType,
		Source:    h.name,
		Payload:   payload,
		Timestamp: h.now(),
	}

	h.mu.RLock()
	targets := h.subs
	h.mu.RUnlock()

	h.metrics.EventPublished(h.name)

	for _, s := range targets {
		if err := h.deliver(s, ev); err != nil {
			h.logger.Warn("subscriber failed",
				"sub_id", s.id,
				"event_type", eventType,
				"error", err)
		}
	}
}

// deliver invokes one handler, converting a panic into an error.
func (h *Hub) deliver(s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ev)
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
