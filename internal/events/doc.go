// Package events provides the in-process publish/subscribe bus used to
// carry agent, transcript, and connection-status events to live clients.
//
// # Hub
//
// A Hub is one producer-facing bus. Several hubs run side by side (one per
// agent, one for transcripts, one for connection status):
//
//	hub := events.NewHub("transcript", logger)
//	unsubscribe := hub.Subscribe(func(ev events.Event) error { ... })
//	hub.Publish(events.TypeTranscriptFinal, payload)
//
// Publish is synchronous. Each call delivers to a snapshot of the current
// subscribers, in the order they subscribed, before returning. Publishes on
// one hub are serialized, so every subscriber observes a producer's events
// in the order they were published. A handler that returns an error or
// panics is logged and skipped; the rest still receive the event. There is
// no replay: a subscriber only sees events published after it subscribed.
//
// Handlers must not publish synchronously on the hub that is delivering to
// them.
//
// # Visibility
//
// A Policy classifies event types as Essential or Detailed. Essential events
// are always forwarded; Detailed events, and any type the policy does not
// know, are forwarded only while verbose mode is on.
//
// # Stream
//
// A Stream multiplexes several hubs into one buffered channel per
// subscriber and applies the Policy at delivery time. It is what the SSE
// and WebSocket endpoints read from. Slow subscribers lose events rather
// than stall producers.
package events
