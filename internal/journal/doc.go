// Package journal provides a SQLite-backed audit log of change envelopes.
//
// Every envelope the autosave orchestrator sends is written once, keyed by
// its change id, and later marked with the outcome of the write:
//   - sent: written, no response yet
//   - committed: accepted by the server
//   - rolled_back: rejected or failed, local state restored
//   - conflict: rejected for a stale or missing version token
//   - stale: superseded by a later write, response discarded
//
// A resend of the same change id (a retry after a conflict) updates the
// existing row and bumps its attempt count instead of adding a row.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Rows are returned in insertion order (rowid), never by timestamp.
package journal
