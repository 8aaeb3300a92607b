// Package harness runs autosave scenarios described in YAML against a real
// orchestrator wired to a scripted server.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	resource: job-123
//	initial: { name: Old, status: draft }
//	version: v1
//	options:
//	  debounce: 5ms
//	  lowercase: [status]
//	  dates: [due]
//	responses:            # one per write attempt, then plain successes
//	  - status: 412
//	    error: precondition failed
//	reload:               # what the server returns after a conflict
//	  fields: { name: Server, status: draft }
//	  version: v7
//	steps:
//	  - queue: { name: New }
//	  - flush: blur
//	    expect_error: CONFLICT
//	  - retry: true
//	assertions:
//	  - type: trace_order
//	    events: [save, "outcome:conflict", save, "outcome:committed"]
//	  - type: final_state
//	    target: resource
//	    expect: { version: v3, status: saved }
//
// # Assertion Types
//
//   - trace_contains: an event of the given kind whose attributes match
//   - trace_order: event labels appear in this order (gaps allowed)
//   - trace_count: an event label appears exactly N times
//   - final_state: snapshot, local, pending, held or resource fields match
//
// Event labels are the event type, or type:detail for outcomes
// ("outcome:committed") and notifications ("notify:conflict").
//
// # Deterministic Testing
//
// Change ids come from a sequence generator and timestamps from a
// deterministic clock, so traces are stable across runs and can be compared
// to golden files with RunWithGolden.
package harness
