// Package dedupe tracks recently seen upstream identifiers.
//
// The realtime voice service can announce the same function call twice
// (once when its arguments finish streaming and again when the output item
// completes) and may replay transcript finals after a reconnect. The
// upstream manager records call IDs and transcript item IDs here so each is
// acted on once per TTL window.
package dedupe
