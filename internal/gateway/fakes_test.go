// ABOUTME: Fake transports and agent backend for gateway HTTP tests
// ABOUTME: The fake upstream answers session.update so handshakes complete in-process

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-voice/internal/config"
	"github.com/2389/coven-voice/internal/legs"
	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/metrics"
	"github.com/2389/coven-voice/internal/store"
	"github.com/2389/coven-voice/internal/turn"
	"github.com/2389/coven-voice/internal/upstream"
)

type fakeConn struct {
	cb    upstream.Callbacks
	ready chan struct{}

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Ready() <-chan struct{}         { return c.ready }
func (c *fakeConn) SendAudio(f media.Frame) error { return nil }

func (c *fakeConn) SendControl(data []byte) error {
	var msg struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &msg)
	if msg.Type == "session.update" {
		go c.cb.OnControl([]byte(`{"type":"session.updated","session":{}}`))
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	err error

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, cb upstream.Callbacks) (upstream.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{cb: cb, ready: make(chan struct{})}
	close(c.ready)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeEndpoint struct {
	mu     sync.Mutex
	closed bool
}

func (e *fakeEndpoint) Answer(ctx context.Context, offer string) (string, error) {
	return "v=0 answer", nil
}

func (e *fakeEndpoint) WriteAudio(f media.Frame) error { return nil }

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type fakeFactory struct{}

func (fakeFactory) NewEndpoint(cb legs.EndpointCallbacks) (legs.Endpoint, error) {
	return &fakeEndpoint{}, nil
}

// echoAgent answers every prompt with a single result event.
type echoAgent struct {
	mu      sync.Mutex
	started int
}

func (a *echoAgent) StartContext(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
	return "ctx-echo", nil
}

func (a *echoAgent) Stream(ctx context.Context, contextID, prompt string) (<-chan *turn.Event, error) {
	if prompt == "explode" {
		return nil, errors.New("backend unavailable")
	}
	ch := make(chan *turn.Event, 2)
	ch <- &turn.Event{Type: turn.EventAssistant, Text: "thinking"}
	ch <- &turn.Event{Type: turn.EventResult, Text: "echo: " + prompt}
	close(ch)
	return ch, nil
}

type testEnv struct {
	gw     *Gateway
	dialer *fakeDialer
	store  *store.MemoryStore
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Upstream: config.UpstreamConfig{
			Model:        config.DefaultUpstreamModel,
			Voice:        "marin",
			ReadyTimeout: 2 * time.Second,
		},
		Agents: map[string]config.AgentConfig{
			"coder": {Command: "fake-agent", ToolName: "ask_coder"},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: config.DefaultMetricsPath},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testConfig(), &fakeDialer{})
}

func newTestEnvWith(t *testing.T, cfg *config.Config, dialer *fakeDialer) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	gw, err := NewWithComponents(cfg, Components{
		Store:     st,
		Dialer:    dialer,
		Endpoints: fakeFactory{},
		Agents:    map[string]turn.Agent{"coder": &echoAgent{}},
		Metrics:   metrics.New(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testEnv{gw: gw, dialer: dialer, store: st}
}
