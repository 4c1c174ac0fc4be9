// ABOUTME: Upstream session manager: lazy coalesced handshake, audio fan-out and fan-in
// ABOUTME: Owns the single session and the listener set scoped to its life

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-voice/internal/dedupe"
	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/metrics"
	"github.com/2389/coven-voice/internal/realtime"
	"github.com/2389/coven-voice/internal/store"
)

const (
	// DefaultReadyTimeout bounds the wait for the control channel.
	DefaultReadyTimeout = 10 * time.Second

	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 4096
	storeTimeout  = 5 * time.Second
)

// Config holds manager dependencies.
type Config struct {
	Dialer        Dialer
	ReadyTimeout  time.Duration
	StatusHub     *events.Hub
	TranscriptHub *events.Hub
	Tools         ToolDispatcher          // optional
	Store         store.TranscriptStore   // optional
	SessionUpdate *realtime.SessionConfig // sent after the control channel opens, when set
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type listener struct {
	id string
	fn func(media.Frame)
}

// Manager owns the upstream session.
type Manager struct {
	dialer        Dialer
	readyTimeout  time.Duration
	statusHub     *events.Hub
	transcriptHub *events.Hub
	tools         ToolDispatcher
	store         store.TranscriptStore
	sessionUpdate *realtime.SessionConfig
	logger        *slog.Logger
	metrics       *metrics.Metrics

	group   singleflight.Group
	pending *pendingSet

	seenCalls       *dedupe.Cache
	seenTranscripts *dedupe.Cache

	mu            sync.RWMutex
	session       *Session
	handshaking   *Session
	inflight      chan struct{} // closed when the current handshake finishes
	listeners     map[string]*listener
	listenerOrder []*listener // copy-on-write snapshot for audio delivery
	closeHooks    []func(sessionID string)
}

// NewManager creates a manager. The session is not opened until
// GetOrCreateSession is called.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "upstream")

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	statusHub := cfg.StatusHub
	if statusHub == nil {
		statusHub = events.NewHub("upstream", logger)
	}
	transcriptHub := cfg.TranscriptHub
	if transcriptHub == nil {
		transcriptHub = statusHub
	}

	return &Manager{
		dialer:          cfg.Dialer,
		readyTimeout:    readyTimeout,
		statusHub:       statusHub,
		transcriptHub:   transcriptHub,
		tools:           cfg.Tools,
		store:           cfg.Store,
		sessionUpdate:   cfg.SessionUpdate,
		logger:          logger,
		metrics:         cfg.Metrics,
		pending:         newPendingSet(),
		seenCalls:       dedupe.New(dedupeTTL, dedupeMaxSize),
		seenTranscripts: dedupe.New(dedupeTTL, dedupeMaxSize),
		listeners:       make(map[string]*listener),
	}
}

// Session returns the open session, or nil.
func (m *Manager) Session() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// OnSessionClosed registers fn to run after a session is torn down, for
// explicit closes and transport failures alike. fn runs without the
// manager's lock held.
func (m *Manager) OnSessionClosed(fn func(sessionID string)) {
	m.mu.Lock()
	m.closeHooks = append(m.closeHooks, fn)
	m.mu.Unlock()
}

// State returns idle, connecting or open.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.session != nil:
		return StateOpen
	case m.handshaking != nil:
		return StateConnecting
	default:
		return StateIdle
	}
}

// Info returns a snapshot of the session state.
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := Info{State: StateIdle, Listeners: len(m.listeners)}
	switch {
	case m.session != nil:
		info.State = StateOpen
		info.SessionID = m.session.ID
		opened := m.session.OpenedAt
		info.OpenedAt = &opened
	case m.handshaking != nil:
		info.State = StateConnecting
		info.SessionID = m.handshaking.ID
	}
	return info
}

// GetOrCreateSession returns the open session, joining or starting the
// handshake when there is none. The handshake outlives a cancelled caller;
// each caller waits only as long as its own ctx allows.
func (m *Manager) GetOrCreateSession(ctx context.Context) (*Session, error) {
	if s := m.Session(); s != nil {
		return s, nil
	}

	ch := m.group.DoChan("session", func() (any, error) {
		if s := m.Session(); s != nil {
			return s, nil
		}
		return m.handshake(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// AwaitSession returns the open session or waits for a handshake already
// in flight. It never starts one.
func (m *Manager) AwaitSession(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	s := m.session
	inflight := m.inflight
	m.mu.RUnlock()

	if s != nil {
		return s, nil
	}
	if inflight == nil {
		return nil, ErrNoSession
	}

	select {
	case <-inflight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s := m.Session(); s != nil {
		return s, nil
	}
	return nil, ErrNoSession
}

func (m *Manager) handshake(ctx context.Context) (*Session, error) {
	ctx, span := tracer.Start(ctx, "upstream handshake", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:         uuid.New().String(),
		ctx:        sessCtx,
		cancel:     cancel,
		terminated: make(chan struct{}),
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	done := make(chan struct{})
	m.mu.Lock()
	m.handshaking = sess
	m.inflight = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.handshaking == sess {
			m.handshaking = nil
		}
		m.inflight = nil
		m.mu.Unlock()
		close(done)
	}()

	m.statusHub.Publish(events.TypeSessionConnecting, StatusPayload{SessionID: sess.ID})
	m.logger.Info("opening upstream session", "session_id", sess.ID)

	fail := func(result string, err error) (*Session, error) {
		cancel()
		if sess.conn != nil {
			sess.conn.Close()
		}
		m.pending.failAll(err)
		m.metrics.Handshake(result)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.statusHub.Publish(events.TypeSessionFailed, StatusPayload{SessionID: sess.ID, Error: err.Error()})
		m.logger.Warn("upstream handshake failed", "session_id", sess.ID, "error", err)
		return nil, err
	}

	deadline := time.Now().Add(m.readyTimeout)
	conn, err := m.dialer.Dial(ctx, Callbacks{
		OnAudio:   func(f media.Frame) { m.onAudio(sess, f) },
		OnControl: func(data []byte) { m.onControl(sess, data) },
		OnState:   func(st ConnState) { m.onConnState(sess, st) },
	})
	if err != nil {
		return fail("dial_error", fmt.Errorf("dialing upstream: %w", err))
	}
	sess.conn = conn

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-conn.Ready():
	case <-timer.C:
		return fail("timeout", ErrControlChannelTimeout)
	case <-sess.terminated:
		return fail("transport_error", errors.New("upstream transport closed during handshake"))
	}

	if m.sessionUpdate != nil {
		rctx, rcancel := context.WithDeadline(ctx, deadline)
		_, err := m.request(rctx, sess, realtime.NewSessionUpdate(*m.sessionUpdate), realtime.TypeSessionUpdated)
		rcancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return fail("timeout", ErrControlChannelTimeout)
		}
		if err != nil {
			return fail("update_error", fmt.Errorf("configuring session: %w", err))
		}
	}

	m.mu.Lock()
	sess.OpenedAt = time.Now()
	m.session = sess
	m.handshaking = nil
	m.mu.Unlock()

	m.metrics.Handshake("ok")
	m.statusHub.Publish(events.TypeSessionOpened, StatusPayload{SessionID: sess.ID})
	m.logger.Info("upstream session open", "session_id", sess.ID)
	return sess, nil
}

// CloseSession tears the session down. It is a no-op without one.
func (m *Manager) CloseSession() error {
	s := m.Session()
	if s == nil {
		return nil
	}
	return m.teardown(s, "closed")
}

// teardown closes s if it is still the current session.
func (m *Manager) teardown(s *Session, reason string) error {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return nil
	}
	m.session = nil
	m.listeners = make(map[string]*listener)
	m.listenerOrder = nil
	hooks := m.closeHooks
	m.mu.Unlock()

	s.cancel()
	failed := m.pending.failAll(ErrSessionClosed)
	err := s.conn.Close()

	m.statusHub.Publish(events.TypeSessionClosed, StatusPayload{SessionID: s.ID, Reason: reason})
	m.logger.Info("upstream session closed", "session_id", s.ID, "reason", reason, "pending_failed", failed)
	for _, fn := range hooks {
		fn(s.ID)
	}
	if err != nil {
		return fmt.Errorf("closing upstream connection: %w", err)
	}
	return nil
}

// Close closes any session and releases background resources.
func (m *Manager) Close() error {
	err := m.CloseSession()
	m.seenCalls.Close()
	m.seenTranscripts.Close()
	return err
}

func (m *Manager) onConnState(s *Session, st ConnState) {
	m.logger.Debug("upstream transport state", "session_id", s.ID, "state", st)
	if !st.Terminal() {
		return
	}
	s.terminate()
	if err := m.teardown(s, string(st)); err != nil {
		m.logger.Debug("closing failed upstream connection", "error", err)
	}
}

// AddAudioListener registers fn for inbound session audio under id. The
// returned function removes this registration only, and is safe to call
// more than once.
func (m *Manager) AddAudioListener(id string, fn func(media.Frame)) (unsubscribe func()) {
	l := &listener{id: id, fn: fn}

	m.mu.Lock()
	m.listeners[id] = l
	m.rebuildListenersLocked()
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.listeners[id] == l {
				delete(m.listeners, id)
				m.rebuildListenersLocked()
			}
		})
	}
}

func (m *Manager) rebuildListenersLocked() {
	order := make([]*listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		order = append(order, l)
	}
	m.listenerOrder = order
}

// ListenerCount returns the number of registered audio listeners.
func (m *Manager) ListenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

func (m *Manager) onAudio(s *Session, f media.Frame) {
	m.mu.RLock()
	if m.session != s {
		m.mu.RUnlock()
		return
	}
	targets := m.listenerOrder
	m.mu.RUnlock()

	for _, l := range targets {
		m.deliverAudio(l, f)
	}
	m.metrics.FrameFannedOut(len(targets))
}

func (m *Manager) deliverAudio(l *listener, f media.Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.ListenerPanic()
			m.logger.Error("audio listener panicked", "listener_id", l.id, "panic", r)
		}
	}()
	l.fn(f)
}

// SendLocalAudio forwards a frame to the session. Frames are dropped when
// no session is open.
func (m *Manager) SendLocalAudio(f media.Frame) {
	s := m.Session()
	if s == nil {
		m.metrics.FrameDropped()
		return
	}
	if err := s.conn.SendAudio(f); err != nil {
		m.metrics.FrameDropped()
		m.logger.Debug("dropping upstream audio frame", "error", err)
		return
	}
	m.metrics.FrameUpstream()
}

// Send writes a control event to the open session.
func (m *Manager) Send(ev realtime.ClientEvent) error {
	s := m.Session()
	if s == nil {
		return ErrNoSession
	}
	return m.sendOn(s, ev)
}

// Request sends ev and waits for the next server event of awaitType.
func (m *Manager) Request(ctx context.Context, ev realtime.ClientEvent, awaitType string) (realtime.ServerEvent, error) {
	s := m.Session()
	if s == nil {
		return nil, ErrNoSession
	}
	return m.request(ctx, s, ev, awaitType)
}

func (m *Manager) request(ctx context.Context, s *Session, ev realtime.ClientEvent, awaitType string) (realtime.ServerEvent, error) {
	req := m.pending.add(ev.EventID(), awaitType)
	if err := m.sendOn(s, ev); err != nil {
		m.pending.remove(req)
		return nil, err
	}

	select {
	case res := <-req.ch:
		return res.ev, res.err
	case <-ctx.Done():
		if !m.pending.remove(req) {
			// Resolved concurrently; the result is already buffered.
			res := <-req.ch
			return res.ev, res.err
		}
		return nil, ctx.Err()
	}
}

func (m *Manager) sendOn(s *Session, ev realtime.ClientEvent) error {
	data, err := realtime.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.EventType(), err)
	}
	if err := s.conn.SendControl(data); err != nil {
		return fmt.Errorf("sending %s: %w", ev.EventType(), err)
	}
	return nil
}
