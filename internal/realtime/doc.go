// Package realtime encodes and decodes the JSON control events exchanged
// with the upstream realtime voice service over its data channel.
//
// Server events are decoded by Parse into typed variants. Types this
// package does not model decode to *Unknown with the raw bytes kept, so
// callers can forward them without losing information. Client events are
// built with the New* constructors, each stamped with a fresh event_id
// that the service echoes back on errors.
package realtime
