// Package effects runs the best-effort side effects of the pipeline: delivery
// acks, mark-read and clear-counter calls, archived/missed fetches and
// OS-level notifications.
//
// Effects are queued and executed by a small worker pool with a shared rate
// limit and jittered exponential retry. A failure is logged, published on the
// event bus and handed to the effect's Done callback; it never reaches the
// notification queue, which stays the only source of presentation truth.
package effects
