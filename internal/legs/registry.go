// ABOUTME: Registry admitting, tracking, and dropping client legs
// ABOUTME: Wires each leg's audio to the upstream session and publishes join/leave events

package legs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/metrics"
	"github.com/2389/coven-voice/internal/upstream"
)

// Config holds registry dependencies.
type Config struct {
	Factory   EndpointFactory
	Session   SessionLink
	StatusHub *events.Hub
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Leg is one admitted client connection.
type Leg struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	endpoint    Endpoint
	unsubscribe func()

	mu    sync.Mutex
	state State
}

func (l *Leg) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Leg) currentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LegInfo describes a leg for the API.
type LegInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Admission is the result of a successful AdmitOffer.
type Admission struct {
	LegID  string `json:"leg_id"`
	Answer string `json:"sdp"`
}

// LegPayload accompanies leg_joined and leg_left.
type LegPayload struct {
	LegID     string `json:"leg_id"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Legs      int    `json:"legs"`
}

// Registry tracks admitted legs.
type Registry struct {
	factory   EndpointFactory
	session   SessionLink
	statusHub *events.Hub
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu   sync.Mutex
	legs map[string]*Leg
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.StatusHub
	if hub == nil {
		hub = events.NewHub("legs", logger)
	}
	r := &Registry{
		factory:   cfg.Factory,
		session:   cfg.Session,
		statusHub: hub,
		logger:    logger.With("component", "legs"),
		metrics:   cfg.Metrics,
		legs:      make(map[string]*Leg),
	}
	if r.session != nil {
		r.session.OnSessionClosed(r.dropSession)
	}
	return r
}

// dropSession drops every leg attached to the given session. Their audio
// listeners went with it, so they would never hear the session again.
func (r *Registry) dropSession(sessionID string) {
	r.mu.Lock()
	var ids []string
	for id, leg := range r.legs {
		if leg.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.drop(id, "session_closed")
	}
}

// AdmitOffer answers a client offer and attaches the new leg to the
// upstream session.
func (r *Registry) AdmitOffer(ctx context.Context, offer string) (*Admission, error) {
	if strings.TrimSpace(offer) == "" {
		return nil, ErrEmptyOffer
	}

	sess, err := r.session.AwaitSession(ctx)
	if errors.Is(err, upstream.ErrNoSession) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("waiting for upstream session: %w", err)
	}

	leg := &Leg{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		CreatedAt: time.Now(),
		state:     StateNew,
	}
	logger := r.logger.With("leg_id", leg.ID)

	endpoint, err := r.factory.NewEndpoint(EndpointCallbacks{
		OnAudio: r.session.SendLocalAudio,
		OnState: func(s State) { r.onState(leg, s) },
	})
	if err != nil {
		return nil, fmt.Errorf("creating endpoint: %w", err)
	}
	leg.endpoint = endpoint
	leg.unsubscribe = r.session.AddAudioListener(leg.ID, func(f media.Frame) {
		if err := endpoint.WriteAudio(f); err != nil {
			logger.Debug("writing audio to leg", "error", err)
		}
	})

	answer, err := endpoint.Answer(ctx, offer)
	if err != nil {
		leg.unsubscribe()
		endpoint.Close()
		return nil, fmt.Errorf("negotiating answer: %w", err)
	}

	r.mu.Lock()
	r.legs[leg.ID] = leg
	count := len(r.legs)
	r.mu.Unlock()

	r.metrics.LegAdmitted()
	r.statusHub.Publish(events.TypeLegJoined, LegPayload{LegID: leg.ID, SessionID: sess.ID, Legs: count})
	logger.Info("leg admitted", "session_id", sess.ID, "legs", count)

	// The transport may have died while the answer was negotiated, and the
	// session may have closed before the leg was stored.
	if st := leg.currentState(); st.Terminal() {
		go r.drop(leg.ID, string(st))
	} else if cur := r.session.Session(); cur == nil || cur.ID != sess.ID {
		go r.drop(leg.ID, "session_closed")
	}

	return &Admission{LegID: leg.ID, Answer: answer}, nil
}

func (r *Registry) onState(leg *Leg, s State) {
	leg.setState(s)
	r.logger.Debug("leg state", "leg_id", leg.ID, "state", s)
	if s.Terminal() {
		// Close may report the state synchronously from inside DropLeg.
		go r.drop(leg.ID, string(s))
	}
}

// DropLeg detaches and closes a leg. It reports false when the leg is
// already gone.
func (r *Registry) DropLeg(id string) bool {
	return r.drop(id, "dropped")
}

func (r *Registry) drop(id, reason string) bool {
	r.mu.Lock()
	leg, ok := r.legs[id]
	delete(r.legs, id)
	count := len(r.legs)
	r.mu.Unlock()

	if !ok {
		return false
	}

	leg.unsubscribe()
	if err := leg.endpoint.Close(); err != nil {
		r.logger.Debug("closing leg endpoint", "leg_id", id, "error", err)
	}

	r.metrics.LegDropped()
	r.statusHub.Publish(events.TypeLegLeft, LegPayload{LegID: id, SessionID: leg.SessionID, Reason: reason, Legs: count})
	r.logger.Info("leg dropped", "leg_id", id, "reason", reason, "legs", count)
	return true
}

// DropAll drops every leg and returns how many were dropped.
func (r *Registry) DropAll() int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.legs))
	for id := range r.legs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.drop(id, "shutdown") {
			n++
		}
	}
	return n
}

// List returns the admitted legs, oldest first.
func (r *Registry) List() []LegInfo {
	r.mu.Lock()
	out := make([]LegInfo, 0, len(r.legs))
	for _, leg := range r.legs {
		out = append(out, LegInfo{
			ID:        leg.ID,
			SessionID: leg.SessionID,
			State:     leg.currentState(),
			CreatedAt: leg.CreatedAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of admitted legs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.legs)
}
