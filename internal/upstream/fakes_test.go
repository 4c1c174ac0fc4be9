// ABOUTME: Fake Dialer and Conn used by the upstream manager tests
// ABOUTME: Lets tests gate dialing, control readiness, and inject server events

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-voice/internal/media"
)

type fakeConn struct {
	cb    Callbacks
	ready chan struct{}

	mu      sync.Mutex
	control [][]byte
	audio   []media.Frame
	closed  bool

	// onControl, when set, runs for every control message the manager sends.
	onControl func(c *fakeConn, msg map[string]any)
}

func newFakeConn(cb Callbacks) *fakeConn {
	return &fakeConn{cb: cb, ready: make(chan struct{})}
}

func (c *fakeConn) Ready() <-chan struct{} { return c.ready }

func (c *fakeConn) SendAudio(f media.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.audio = append(c.audio, f)
	return nil
}

func (c *fakeConn) SendControl(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("closed")
	}
	c.control = append(c.control, data)
	hook := c.onControl
	c.mu.Unlock()

	if hook != nil {
		var msg map[string]any
		_ = json.Unmarshal(data, &msg)
		go hook(c, msg)
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

// sentTypes returns the "type" of every control message sent so far.
func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, data := range c.control {
		var msg struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &msg)
		out = append(out, msg.Type)
	}
	return out
}

func (c *fakeConn) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

// server delivers a raw server event to the manager.
func (c *fakeConn) server(raw string) {
	c.cb.OnControl([]byte(raw))
}

type fakeDialer struct {
	dials atomic.Int32

	gate      chan struct{} // when set, Dial blocks until closed
	err       error
	neverOpen bool
	onControl func(c *fakeConn, msg map[string]any)

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, cb Callbacks) (Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	c := newFakeConn(cb)
	c.onControl = d.onControl
	if !d.neverOpen {
		close(c.ready)
	}
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

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	out   string
	err   error
}

func (f *fakeTools) Dispatch(ctx context.Context, name, arguments string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+arguments)
	return f.out, f.err
}

func (f *fakeTools) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
