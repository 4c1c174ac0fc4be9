// ABOUTME: Multiplexes several hubs into one filtered channel per subscriber
// ABOUTME: Backs the SSE and WebSocket event endpoints with live-only delivery

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each stream subscriber.
const subscriberBufferSize = 64

// Stream merges the events of several hubs and filters them through a
// Policy for each subscriber.
type Stream struct {
	hubs   []*Hub
	policy *Policy
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*streamSub
	closed bool
}

type streamSub struct {
	id     string
	mu     sync.Mutex
	ch     chan Event
	closed bool
	unsubs []func()
}

// NewStream creates a stream over hubs. Pass nil logger for default.
func NewStream(policy *Policy, logger *slog.Logger, hubs ...*Hub) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = NewPolicy(nil)
	}
	return &Stream{
		hubs:   hubs,
		policy: policy,
		logger: logger.With("component", "event-stream"),
		subs:   make(map[string]*streamSub),
	}
}

// Policy returns the visibility policy applied to subscribers.
func (s *Stream) Policy() *Policy {
	return s.policy
}

// Subscribe returns a channel of events from all hubs that pass the policy.
// The channel is closed when ctx is cancelled or the stream is closed.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	sub := &streamSub{
		id: uuid.New().String(),
		ch: make(chan Event, subscriberBufferSize),
	}

	// Hub subscriptions are complete before the sub becomes visible to
	// Close and remove.
	for _, hub := range s.hubs {
		sub.unsubs = append(sub.unsubs, hub.Subscribe(func(ev Event) error {
			if !s.policy.Allows(ev.Type) {
				return nil
			}
			if !sub.offer(ev) {
				s.logger.Debug("dropped event for slow subscriber",
					"sub_id", sub.id,
					"event_type", ev.Type)
			}
			return nil
		}))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.close()
		return sub.ch
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	s.logger.Debug("stream subscriber added", "sub_id", sub.id)

	go func() {
		<-ctx.Done()
		s.remove(sub.id)
	}()

	return sub.ch
}

// offer performs a non-blocking send; false means the event was dropped.
func (sub *streamSub) offer(ev Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return true
	}
	select {
	case sub.ch <- ev:
		return true
	default:
		return false
	}
}

func (sub *streamSub) close() {
	for _, unsub := range sub.unsubs {
		unsub()
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

func (s *Stream) remove(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if ok {
		sub.close()
		s.logger.Debug("stream subscriber removed", "sub_id", id)
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close closes every subscriber channel. Later Subscribe calls return an
// already-closed channel.
func (s *Stream) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*streamSub)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	s.logger.Debug("event stream closed")
}
