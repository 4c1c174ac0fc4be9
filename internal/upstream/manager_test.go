// ABOUTME: Tests for the upstream session manager
// ABOUTME: Covers handshake coalescing, audio fan-out, demux, and correlation

package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/realtime"
	"github.com/2389/coven-voice/internal/store"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func watch(hub *events.Hub) *eventLog {
	l := &eventLog{}
	hub.Subscribe(func(ev events.Event) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
		return nil
	})
	return l
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, d *fakeDialer, mutate func(*Config)) (*Manager, *eventLog, *eventLog) {
	t.Helper()
	status := events.NewHub("upstream", nil)
	transcripts := events.NewHub("transcripts", nil)
	cfg := Config{
		Dialer:        d,
		ReadyTimeout:  time.Second,
		StatusHub:     status,
		TranscriptHub: transcripts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })
	return m, watch(status), watch(transcripts)
}

func TestGetOrCreateSession_CoalescesConcurrentCallers(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m, status, _ := newTestManager(t, d, nil)

	const callers = 10
	var wg sync.WaitGroup
	sessions := make([]*Session, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.GetOrCreateSession(t.Context())
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}

	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, 5*time.Millisecond)
	close(d.gate)
	wg.Wait()

	assert.Equal(t, int32(1), d.dials.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, []string{events.TypeSessionConnecting, events.TypeSessionOpened}, status.types())
}

func TestGetOrCreateSession_SurvivesCallerCancellation(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m, _, _ := newTestManager(t, d, nil)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		_, err := m.GetOrCreateSession(ctx)
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(d.gate)
	s, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestGetOrCreateSession_ReadyTimeoutThenRetry(t *testing.T) {
	d := &fakeDialer{neverOpen: true}
	m, status, _ := newTestManager(t, d, func(c *Config) { c.ReadyTimeout = 30 * time.Millisecond })

	_, err := m.GetOrCreateSession(t.Context())
	assert.ErrorIs(t, err, ErrControlChannelTimeout)
	assert.True(t, d.last().isClosed())
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Session())
	assert.Equal(t, 1, status.count(events.TypeSessionFailed))

	_, err = m.GetOrCreateSession(t.Context())
	assert.ErrorIs(t, err, ErrControlChannelTimeout)
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestGetOrCreateSession_DialError(t *testing.T) {
	d := &fakeDialer{err: errors.New("sdp exchange: 401")}
	m, _, _ := newTestManager(t, d, nil)

	_, err := m.GetOrCreateSession(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, StateIdle, m.State())
}

func TestGetOrCreateSession_SessionUpdateAcknowledged(t *testing.T) {
	d := &fakeDialer{}
	d.onControl = func(c *fakeConn, msg map[string]any) {
		if msg["type"] == realtime.TypeSessionUpdate {
			c.server(`{"type":"session.updated","session":{}}`)
		}
	}
	m, _, _ := newTestManager(t, d, func(c *Config) {
		c.SessionUpdate = &realtime.SessionConfig{Instructions: "be brief"}
	})

	s, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, []string{realtime.TypeSessionUpdate}, d.last().sentTypes())
}

func TestGetOrCreateSession_SessionUpdateRejected(t *testing.T) {
	d := &fakeDialer{}
	d.onControl = func(c *fakeConn, msg map[string]any) {
		c.server(`{"type":"error","error":{"code":"invalid_value","message":"bad voice","event_id":"` + msg["event_id"].(string) + `"}}`)
	}
	m, _, _ := newTestManager(t, d, func(c *Config) {
		c.SessionUpdate = &realtime.SessionConfig{}
	})

	_, err := m.GetOrCreateSession(t.Context())
	assert.ErrorIs(t, err, ErrUpstreamError)
	assert.Equal(t, StateIdle, m.State())
}

func TestAwaitSession(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	m, _, _ := newTestManager(t, d, nil)

	_, err := m.AwaitSession(t.Context())
	assert.ErrorIs(t, err, ErrNoSession)

	go m.GetOrCreateSession(context.Background())
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	got := make(chan *Session, 1)
	go func() {
		s, err := m.AwaitSession(t.Context())
		assert.NoError(t, err)
		got <- s
	}()
	close(d.gate)

	s := <-got
	require.NotNil(t, s)
	assert.Same(t, m.Session(), s)
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestAudioFanOut_IsolatesPanickingListener(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, nil)
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	var mu sync.Mutex
	got := map[string]int{}
	for _, id := range []string{"a", "b"} {
		m.AddAudioListener(id, func(f media.Frame) {
			mu.Lock()
			got[id]++
			mu.Unlock()
		})
	}
	m.AddAudioListener("bad", func(f media.Frame) { panic("boom") })

	d.last().cb.OnAudio(media.NewFrame([]byte{1, 2, 3}))
	d.last().cb.OnAudio(media.NewFrame([]byte{4}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, got["a"])
	assert.Equal(t, 2, got["b"])
}

func TestAddAudioListener_UnsubscribeIsIdempotentAndScoped(t *testing.T) {
	m, _, _ := newTestManager(t, &fakeDialer{}, nil)

	first := m.AddAudioListener("leg-1", func(media.Frame) {})
	assert.Equal(t, 1, m.ListenerCount())

	// Re-registering the same id replaces the entry; the stale handle must
	// not remove the new one.
	second := m.AddAudioListener("leg-1", func(media.Frame) {})
	first()
	first()
	assert.Equal(t, 1, m.ListenerCount())

	second()
	second()
	assert.Equal(t, 0, m.ListenerCount())
}

func TestSendLocalAudio(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, nil)

	// No session: silently dropped.
	m.SendLocalAudio(media.NewFrame([]byte{1}))

	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	m.SendLocalAudio(media.NewFrame([]byte{1}))
	m.SendLocalAudio(media.NewFrame([]byte{2}))
	assert.Equal(t, 2, d.last().audioCount())
}

func TestCloseSession(t *testing.T) {
	d := &fakeDialer{}
	m, status, _ := newTestManager(t, d, nil)
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	m.AddAudioListener("leg", func(media.Frame) {})

	errc := make(chan error, 1)
	go func() {
		_, err := m.Request(t.Context(), realtime.NewResponseCreate(), realtime.TypeResponseDone)
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.pending.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.CloseSession())
	assert.ErrorIs(t, <-errc, ErrSessionClosed)
	assert.True(t, d.last().isClosed())
	assert.Equal(t, 0, m.ListenerCount())
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, status.count(events.TypeSessionClosed))

	require.NoError(t, m.CloseSession())
	assert.Equal(t, 1, status.count(events.TypeSessionClosed))
	assert.ErrorIs(t, m.Send(realtime.NewResponseCancel()), ErrNoSession)
}

func TestTerminalTransportStateTearsDown(t *testing.T) {
	d := &fakeDialer{}
	m, status, _ := newTestManager(t, d, nil)
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	conn := d.last()
	conn.cb.OnState(ConnConnected)
	assert.Equal(t, StateOpen, m.State())

	conn.cb.OnState(ConnFailed)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, status.count(events.TypeSessionClosed))

	// Late traffic from the dead connection is ignored.
	conn.server(`{"type":"response.done","response":{}}`)
	assert.Equal(t, 0, status.count(events.TypeUpstreamEvent))
}

func TestOnSessionClosed_RunsForEveryTeardown(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, nil)

	var closed []string
	m.OnSessionClosed(func(id string) {
		assert.Nil(t, m.Session(), "hook runs after the session is cleared")
		closed = append(closed, id)
	})

	first, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	d.last().cb.OnState(ConnFailed)

	second, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	require.NoError(t, m.CloseSession())
	require.NoError(t, m.CloseSession())

	assert.Equal(t, []string{first.ID, second.ID}, closed)
}

func TestFunctionCall_DedupedAndAnswered(t *testing.T) {
	d := &fakeDialer{}
	tools := &fakeTools{out: `{"status":"ok"}`}
	m, status, _ := newTestManager(t, d, func(c *Config) { c.Tools = tools })
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	conn := d.last()
	conn.server(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"ask_coder","arguments":"{\"prompt\":\"hi\"}"}`)
	conn.server(`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"call_1","name":"ask_coder","arguments":"{\"prompt\":\"hi\"}"}}`)

	require.Eventually(t, func() bool { return len(conn.sentTypes()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tools.count())
	assert.Equal(t, []string{realtime.TypeConversationItemCreate, realtime.TypeResponseCreate}, conn.sentTypes())
	assert.Equal(t, 1, status.count(events.TypeToolCallStarted))
	require.Eventually(t, func() bool { return status.count(events.TypeToolCallCompleted) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFunctionCall_DispatchErrorStillAnswers(t *testing.T) {
	d := &fakeDialer{}
	tools := &fakeTools{err: errors.New("agent not found")}
	m, _, _ := newTestManager(t, d, func(c *Config) { c.Tools = tools })
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	conn := d.last()
	conn.server(`{"type":"response.function_call_arguments.done","call_id":"call_9","name":"ask_nobody","arguments":"{}"}`)
	require.Eventually(t, func() bool { return len(conn.sentTypes()) == 2 }, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	first := string(conn.control[0])
	conn.mu.Unlock()
	assert.Contains(t, first, "agent not found")
}

func TestTranscripts_PublishedAndPersistedOnce(t *testing.T) {
	d := &fakeDialer{}
	st := store.NewMemoryStore()
	m, _, transcripts := newTestManager(t, d, func(c *Config) { c.Store = st })
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	conn := d.last()
	conn.server(`{"type":"conversation.item.input_audio_transcription.delta","item_id":"item_1","delta":"hel"}`)
	conn.server(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"hello"}`)
	conn.server(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"item_1","transcript":"hello"}`)
	conn.server(`{"type":"response.audio_transcript.done","item_id":"item_2","transcript":"hi there"}`)

	assert.Equal(t, []string{
		events.TypeTranscriptDelta,
		events.TypeTranscriptFinal,
		events.TypeTranscriptFinal,
	}, transcripts.types())

	saved, err := st.ListTranscripts(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, store.RoleUser, saved[0].Role)
	assert.Equal(t, "hello", saved[0].Text)
	assert.Equal(t, store.RoleAssistant, saved[1].Role)
	assert.Equal(t, m.Session().ID, saved[1].SessionID)
}

func TestRequest_ErrorCorrelation(t *testing.T) {
	d := &fakeDialer{}
	m, status, _ := newTestManager(t, d, nil)
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)
	conn := d.last()

	targeted := realtime.NewResponseCreate()
	other := realtime.NewResponseCreate()
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() {
		_, err := m.Request(t.Context(), targeted, realtime.TypeResponseDone)
		errA <- err
	}()
	go func() {
		_, err := m.Request(t.Context(), other, realtime.TypeResponseDone)
		errB <- err
	}()
	require.Eventually(t, func() bool { return m.pending.len() == 2 }, time.Second, 5*time.Millisecond)

	conn.server(`{"type":"error","error":{"code":"x","message":"nope","event_id":"` + targeted.EventID() + `"}}`)
	assert.ErrorIs(t, <-errA, ErrUpstreamError)
	assert.Equal(t, 1, m.pending.len())

	conn.server(`{"type":"response.done","response":{"id":"resp_1","status":"completed"}}`)
	assert.NoError(t, <-errB)
	assert.Equal(t, 1, status.count(events.TypeUpstreamError))
	assert.Equal(t, 1, status.count(events.TypeUpstreamEvent))
}

func TestRequest_UntargetedErrorFailsAll(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, nil)
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	errc := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := m.Request(t.Context(), realtime.NewResponseCreate(), realtime.TypeResponseDone)
			errc <- err
		}()
	}
	require.Eventually(t, func() bool { return m.pending.len() == 2 }, time.Second, 5*time.Millisecond)

	d.last().server(`{"type":"error","error":{"message":"server overloaded"}}`)
	assert.ErrorIs(t, <-errc, ErrUpstreamError)
	assert.ErrorIs(t, <-errc, ErrUpstreamError)
}

func TestRequest_ContextCancelRemovesEntry(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, nil)
	_, err := m.GetOrCreateSession(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Request(ctx, realtime.NewResponseCreate(), realtime.TypeResponseDone)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.pending.len())
}
