// Package store persists conversation transcripts and agent context memory
// using SQLite.
//
// # Data Models
//
//   - Transcript: one finalized utterance from the upstream voice session,
//     attributed to a role ("user" or "assistant") and keyed by the
//     upstream item ID.
//   - AgentContext: the durable identity of one agent's conversation: the
//     external context ID, the turn counter, and the memory carried over
//     from the last compaction.
//
// # Semantics
//
// There is no transactional coupling between records. Saves are upserts
// and the last write wins. Transcript appends with an item ID that already
// exists are ignored, which keeps replays from duplicating history.
//
// # Implementations
//
// SQLiteStore is the production implementation (modernc.org/sqlite, WAL
// mode, schema created on open). MemoryStore is an in-memory equivalent
// for tests in other packages.
package store
