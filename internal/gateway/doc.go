// Package gateway orchestrates the coven-voice server components.
//
// # Overview
//
// The gateway package is the central coordinator of the coven-voice server.
// It owns the upstream session manager, the client leg registry, the agent
// manager with one turn controller per configured agent, the store, and the
// HTTP server.
//
// # Event Hubs
//
// Components publish to their own hubs:
//
//   - upstream: session lifecycle, tool calls, upstream errors
//   - transcripts: transcript deltas and finals
//   - legs: leg_joined, leg_left
//   - gateway: verbose_changed
//   - agent:<name>: turn lifecycle, messages, compaction, reset
//
// All hubs feed one events.Stream whose policy hides detailed events
// unless verbose mode is on.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Ready while an upstream session is open
//   - GET|POST|DELETE /api/session - Inspect, open, or close the session
//   - GET|POST /api/legs, DELETE /api/legs/{id} - Client legs
//   - GET /api/agents - Controller snapshots
//   - POST /api/agents/{name}/prompt|pause|compact|reset - Turn control
//   - GET /api/events - Server-Sent Events stream
//   - GET /api/events/ws - WebSocket event stream
//   - GET|PUT /api/verbose - Detailed event visibility
//   - GET /api/transcripts?limit=N - Transcript history
//   - GET /, GET /static/* - Embedded browser client
//
// SSE frames use the format:
//
//	event: <type>
//	data: <event JSON>
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is cancelled
//
// Shutdown runs in order: HTTP server, DropAll legs, PauseAll turns,
// CloseSession, then the event stream, tailnet node, and store.
//
// # Tailscale
//
// When tailscale.enabled is set the HTTP server listens on port 80 of a
// tsnet node instead of server.http_addr.
package gateway
