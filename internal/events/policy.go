// ABOUTME: Visibility policy classifying event types as essential or detailed
// ABOUTME: Unknown types are treated as detailed so they stay hidden unless verbose

package events

import "sync/atomic"

// Visibility controls whether an event type reaches subscribers while
// verbose mode is off.
type Visibility int

const (
	// Detailed events are forwarded only in verbose mode.
	Detailed Visibility = iota
	// Essential events are always forwarded.
	Essential
)

func (v Visibility) String() string {
	switch v {
	case Essential:
		return "essential"
	case Detailed:
		return "detailed"
	default:
		return "unknown"
	}
}

// DefaultClasses returns the built-in classification of every event type
// the gateway publishes.
func DefaultClasses() map[string]Visibility {
	return map[string]Visibility{
		TypeTurnStarted:       Essential,
		TypeTurnCompleted:     Essential,
		TypeTurnPaused:        Essential,
		TypeTurnAborted:       Essential,
		TypeTurnError:         Essential,
		TypeCompactStarted:    Essential,
		TypeCompactCompleted:  Essential,
		TypeCompactFailed:     Essential,
		TypeReset:             Essential,
		TypeTranscriptFinal:   Essential,
		TypeSessionConnecting: Essential,
		TypeSessionOpened:     Essential,
		TypeSessionClosed:     Essential,
		TypeSessionFailed:     Essential,
		TypeLegJoined:         Essential,
		TypeLegLeft:           Essential,
		TypeToolCallStarted:   Essential,
		TypeToolCallCompleted: Essential,
		TypeUpstreamError:     Essential,

		TypeMessage:         Detailed,
		TypeTranscriptDelta: Detailed,
		TypeUpstreamEvent:   Detailed,
		TypeVerboseChanged:  Detailed,
	}
}

// Policy decides which events are forwarded. The classification is fixed
// at construction; only the verbose flag changes at runtime.
type Policy struct {
	classes map[string]Visibility
	verbose atomic.Bool
}

// NewPolicy creates a policy over the given classes. A nil map uses
// DefaultClasses.
func NewPolicy(classes map[string]Visibility) *Policy {
	if classes == nil {
		classes = DefaultClasses()
	}
	copied := make(map[string]Visibility, len(classes))
	for k, v := range classes {
		copied[k] = v
	}
	return &Policy{classes: copied}
}

// SetVerbose toggles forwarding of detailed events.
func (p *Policy) SetVerbose(verbose bool) {
	p.verbose.Store(verbose)
}

// Verbose reports whether detailed events are forwarded.
func (p *Policy) Verbose() bool {
	return p.verbose.Load()
}

// Classify returns the visibility of an event type.
func (p *Policy) Classify(eventType string) Visibility {
	if v, ok := p.classes[eventType]; ok {
		return v
	}
	return Detailed
}

// Allows reports whether an event of the given type should be forwarded now.
func (p *Policy) Allows(eventType string) bool {
	if p.Classify(eventType) == Essential {
		return true
	}
	return p.Verbose()
}
