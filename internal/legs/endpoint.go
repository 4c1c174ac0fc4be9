// ABOUTME: Transport abstractions for client legs and the session surface they need
// ABOUTME: Implemented by package rtc (pion) and the upstream manager respectively

package legs

import (
	"context"
	"errors"

	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/upstream"
)

// Errors returned by the registry.
var (
	ErrNoSession  = errors.New("no upstream session to attach to")
	ErrEmptyOffer = errors.New("offer is empty")
)

// State is a leg's transport state.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether the state ends the leg.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// EndpointCallbacks receive inbound traffic from an Endpoint.
type EndpointCallbacks struct {
	OnAudio func(media.Frame)
	OnState func(State)
}

// EndpointFactory creates transport endpoints for new legs.
type EndpointFactory interface {
	NewEndpoint(cb EndpointCallbacks) (Endpoint, error)
}

// Endpoint is one client transport.
type Endpoint interface {
	// Answer applies the remote offer and returns the local answer SDP.
	Answer(ctx context.Context, offer string) (string, error)
	WriteAudio(f media.Frame) error
	Close() error
}

// SessionLink is the part of the upstream manager legs depend on.
type SessionLink interface {
	AwaitSession(ctx context.Context) (*upstream.Session, error)
	// Session returns the open session, or nil.
	Session() *upstream.Session
	// OnSessionClosed registers fn to run after each session teardown.
	OnSessionClosed(fn func(sessionID string))
	AddAudioListener(id string, fn func(media.Frame)) (unsubscribe func())
	SendLocalAudio(f media.Frame)
}
