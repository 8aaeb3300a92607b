// Package autosave persists edits to one long-lived resource.
//
// An Orchestrator buffers rapid edits, coalesces them after a debounce
// window, applies them optimistically, and writes only the fields that
// still differ from the last state agreed with the server.
//
// State machine per resource:
//
//	Idle -> Debouncing -> Saving -> Idle
//	                        |
//	                        +-> Saving (edits arrived mid-flight, re-flushed at once)
//
// Guarantees:
//   - at most one write per resource is in flight at any time
//   - edits buffered when a flush starts, or arriving during it, are always
//     included in a later flush; none are dropped
//   - a response superseded by a newer write is discarded
//   - a failed write restores every field it touched to its pre-save value
//   - conflict failures are never resubmitted without an explicit retry
//
// QueueChange and Flush never panic on write failures; the outcome is
// readable through Status and Err.
package autosave
