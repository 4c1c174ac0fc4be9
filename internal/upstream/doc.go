// Package upstream owns the single long-lived session with the realtime
// voice service.
//
// The Manager creates the session lazily and coalesces concurrent
// creation requests into one handshake. It fans the session's inbound
// audio out to any number of listeners and funnels local audio from every
// client leg into the one outbound track. Control events arriving on the
// data channel are decoded with package realtime and routed: transcripts
// to the transcript hub (and the store), function calls to the tool
// dispatcher, errors to pending request correlation, everything else to
// the status hub.
//
// Transport negotiation is hidden behind Dialer and Conn so the manager
// can be driven by fakes in tests and by package rtc in production.
package upstream
