// ABOUTME: Transport abstractions for the upstream session: Dialer, Conn, and callbacks
// ABOUTME: Implemented by package rtc over pion/webrtc and by fakes in tests

package upstream

import (
	"context"
	"errors"

	"github.com/2389/coven-voice/internal/media"
)

// Errors returned by the manager.
var (
	ErrNoSession             = errors.New("no upstream session")
	ErrControlChannelTimeout = errors.New("upstream control channel did not open in time")
	ErrSessionClosed         = errors.New("upstream session closed")
	ErrUpstreamError         = errors.New("upstream reported an error")
)

// ConnState is the transport state reported by a Conn.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Terminal reports whether the state ends the connection.
func (s ConnState) Terminal() bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// Callbacks receive inbound traffic from a Conn. They may be called from
// transport goroutines and must not block for long.
type Callbacks struct {
	OnAudio   func(media.Frame)
	OnControl func([]byte)
	OnState   func(ConnState)
}

// Dialer negotiates a new upstream connection.
type Dialer interface {
	Dial(ctx context.Context, cb Callbacks) (Conn, error)
}

// Conn is an established upstream connection.
type Conn interface {
	// Ready is closed once the control channel is open.
	Ready() <-chan struct{}
	SendAudio(f media.Frame) error
	SendControl(data []byte) error
	Close() error
}

// ToolDispatcher runs a tool call issued by the voice model and returns
// the output handed back to it.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name, arguments string) (string, error)
}
