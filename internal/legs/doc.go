// Package legs manages the client connections ("legs") attached to the
// upstream voice session.
//
// A leg is admitted by answering the client's SDP offer. Its inbound audio
// is pushed into the upstream session and the session's audio is written
// back to it through an audio listener. Legs never open the upstream
// session themselves: admission fails with ErrNoSession unless a session
// is open or a handshake is already in flight.
//
// Every leg is cleaned up exactly once, whether it is dropped through the
// API or its transport reaches a terminal state.
package legs
