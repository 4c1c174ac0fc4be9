// ABOUTME: Tests for the gateway HTTP API and live event endpoints
// ABOUTME: Drives the real managers over fake transports and a scripted agent backend

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/store"
	"github.com/2389/coven-voice/internal/turn"
	"github.com/2389/coven-voice/internal/upstream"
)

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady_RequiresOpenSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestSession_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	before := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, upstream.StateIdle, before.State)
	assert.Empty(t, before.SessionID)

	rec = env.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, upstream.StateOpen, created.State)
	assert.NotEmpty(t, created.SessionID)

	// A second create reuses the open session.
	rec = env.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, created.SessionID, again.SessionID)
}

func TestSession_DialFailureIsBadGateway(t *testing.T) {
	env := newTestEnvWith(t, testConfig(), &fakeDialer{err: errors.New("sdp exchange refused")})

	rec := env.do(t, http.MethodPost, "/api/session", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "sdp exchange refused")
}

func TestLegs_AdmitRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/legs", `{"sdp":"v=0 offer"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/legs", `{"sdp":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/legs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegs_AdmitListDrop(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/session", "").Code)

	rec := env.do(t, http.MethodPost, "/api/legs", `{"sdp":"v=0 offer"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	answer := decodeBody[AnswerResponse](t, rec)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, "v=0 answer", answer.SDP)
	require.NotEmpty(t, answer.LegID)

	rec = env.do(t, http.MethodGet, "/api/legs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), answer.LegID)

	rec = env.do(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, 1, decodeBody[SessionResponse](t, rec).Legs)

	rec = env.do(t, http.MethodDelete, "/api/legs/"+answer.LegID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dropped", decodeBody[DropLegResponse](t, rec).Status)

	rec = env.do(t, http.MethodDelete, "/api/legs/"+answer.LegID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[DropLegResponse](t, rec).Status)
}

func TestLegs_DroppedWhenUpstreamFails(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/session", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/legs", `{"sdp":"v=0 offer"}`).Code)
	require.Equal(t, 1, env.gw.Legs().Count())

	env.dialer.last().cb.OnState(upstream.ConnFailed)

	assert.Equal(t, upstream.StateIdle, env.gw.Upstream().State())
	assert.Equal(t, 0, env.gw.Legs().Count())

	rec := env.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[SessionResponse](t, rec)
	assert.Equal(t, upstream.StateOpen, info.State)
	assert.Equal(t, 0, info.Legs)
	assert.Equal(t, 0, info.Listeners)
}

func TestSession_CloseDropsLegs(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/session", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/legs", `{"sdp":"a"}`).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/legs", `{"sdp":"b"}`).Code)

	rec := env.do(t, http.MethodDelete, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	closed := decodeBody[CloseSessionResponse](t, rec)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, 2, closed.LegsDropped)

	assert.True(t, env.dialer.last().isClosed())
	assert.Equal(t, upstream.StateIdle, env.gw.Upstream().State())
	assert.Equal(t, 0, env.gw.Legs().Count())
}

func TestAgents_ListAndPrompt(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"coder"`)

	rec = env.do(t, http.MethodPost, "/api/agents/coder/prompt", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[turn.Result](t, rec)
	assert.Equal(t, turn.StatusOK, res.Status)
	assert.Equal(t, "echo: hello", res.FinalResponse)
	assert.Equal(t, "ctx-echo", res.ContextID)
}

func TestAgents_StatusMapping(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown agent prompt", http.MethodPost, "/api/agents/ghost/prompt", `{"text":"hi"}`, http.StatusNotFound},
		{"unknown agent pause", http.MethodPost, "/api/agents/ghost/pause", "", http.StatusNotFound},
		{"empty prompt", http.MethodPost, "/api/agents/coder/prompt", `{"text":"  "}`, http.StatusBadRequest},
		{"malformed prompt", http.MethodPost, "/api/agents/coder/prompt", `{"text":`, http.StatusBadRequest},
		{"compact without context", http.MethodPost, "/api/agents/coder/compact", "", http.StatusConflict},
		{"pause idle agent", http.MethodPost, "/api/agents/coder/pause", "", http.StatusOK},
		{"reset idle agent", http.MethodPost, "/api/agents/coder/reset", "", http.StatusOK},
		{"wrong method", http.MethodGet, "/api/agents/coder/prompt", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, "body: %s", rec.Body.String())
		})
	}
}

func TestAgents_FailedTurnIsReportedInBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agents/coder/prompt", `{"text":"explode"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[turn.Result](t, rec)
	assert.Equal(t, turn.StatusError, res.Status)
	assert.Contains(t, res.Error, "backend unavailable")
}

func TestAgents_CompactAfterPrompt(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/agents/coder/prompt", `{"text":"hello"}`).Code)

	rec := env.do(t, http.MethodPost, "/api/agents/coder/compact", "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[turn.Result](t, rec)
	assert.Equal(t, turn.StatusOK, res.Status)

	rec = env.do(t, http.MethodPost, "/api/agents/coder/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, turn.StatusReset, decodeBody[turn.Result](t, rec).Status)
}

func TestVerbose_GetAndSet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/verbose", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[VerboseRequest](t, rec).Verbose)

	rec = env.do(t, http.MethodPut, "/api/verbose", `{"verbose":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[VerboseRequest](t, rec).Verbose)

	rec = env.do(t, http.MethodGet, "/api/verbose", "")
	assert.True(t, decodeBody[VerboseRequest](t, rec).Verbose)

	rec = env.do(t, http.MethodPut, "/api/verbose", `nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscripts(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, text := range []string{"hi there", "hello", "what's up"} {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		require.NoError(t, env.store.AppendTranscript(ctx, &store.Transcript{
			SessionID: "sess-1",
			ItemID:    "item-" + text,
			Role:      role,
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	rec := env.do(t, http.MethodGet, "/api/transcripts?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string][]TranscriptResponse](t, rec)
	require.Len(t, body["transcripts"], 2)
	assert.Equal(t, "hello", body["transcripts"][0].Text)
	assert.Equal(t, "what's up", body["transcripts"][1].Text)

	rec = env.do(t, http.MethodGet, "/api/transcripts?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrowserClient(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coven-voice")

	rec = env.do(t, http.MethodGet, "/static/app.js", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/session", "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coven_voice_upstream_handshakes_total")
}

func TestEvents_SSE(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go env.do(t, http.MethodPost, "/api/session", "")

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.Equal(t, events.TypeSessionConnecting, eventLine)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, events.TypeSessionConnecting, ev.Type)
	assert.Equal(t, "upstream", ev.Source)
}

func TestEvents_WebSocketHonoursVerbosity(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Detailed message events stay hidden until verbose mode is on, so the
	// first frame received is turn_started.
	go env.do(t, http.MethodPost, "/api/agents/coder/prompt", `{"text":"hi"}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var types []string
	for len(types) < 2 {
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{events.TypeTurnStarted, events.TypeTurnCompleted}, types)
}

func TestShutdown_ReleasesEverything(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/session", "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/legs", `{"sdp":"a"}`).Code)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))
	require.NoError(t, env.gw.Shutdown(ctx))

	assert.Equal(t, 0, env.gw.Legs().Count())
	assert.Equal(t, upstream.StateIdle, env.gw.Upstream().State())
	assert.True(t, env.dialer.last().isClosed())
}

func TestSessionConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.TranscriptionModel = "gpt-4o-mini-transcribe"

	sc := sessionConfig(cfg.Upstream, nil)
	assert.Empty(t, sc.ToolChoice)
	require.NotNil(t, sc.Audio)
	assert.Equal(t, "marin", sc.Audio.Output.Voice)
	assert.Equal(t, "gpt-4o-mini-transcribe", sc.Audio.Input.Transcription.Model)

	env := newTestEnv(t)
	sc = sessionConfig(cfg.Upstream, env.gw.Agents().Tools())
	assert.Equal(t, "auto", sc.ToolChoice)
	assert.NotEmpty(t, sc.Tools)
}
