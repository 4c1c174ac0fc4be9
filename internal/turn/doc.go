// Package turn implements the agent turn state machine shared by every
// background agent worker.
//
// A Controller wraps one Agent backend and owns its conversation context:
// the external context ID, a turn counter, and the memory kept from the last
// compaction. At most one turn is active at a time. A new prompt cancels the
// running turn and waits until that turn, and every turn it had itself
// superseded, has returned before it publishes anything. Consumers of the
// hub therefore see every older turn resolved before the next turn_started.
//
// # Operations
//
//   - Prompt runs one turn and resolves ok, error or aborted.
//   - Pause cancels the active turn, if any.
//   - Compact summarizes the current context, seeds a fresh one with the
//     summary and swaps them atomically.
//   - Reset cancels the active turn and forgets the context.
//
// Cancellation flows through context.WithCancelCause. The cause decides
// whether the interrupted turn is reported as turn_paused (Pause, Reset,
// Compact) or turn_aborted (superseded by a prompt, caller gone).
package turn
