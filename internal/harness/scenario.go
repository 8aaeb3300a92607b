package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one autosave conformance test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Resource is the id of the resource being edited.
	Resource string `yaml:"resource"`

	// Initial and Version are the hydrated server state.
	Initial map[string]any `yaml:"initial"`
	Version string         `yaml:"version,omitempty"`

	Options Options `yaml:"options,omitempty"`

	// Responses script the server, one entry per write attempt. Attempts
	// past the end succeed with token "v<attempt+1>".
	Responses []Response `yaml:"responses,omitempty"`

	// Reload is served when the orchestrator reloads after a conflict.
	// Without it reloads fail and notifications are marked stale.
	Reload *Reload `yaml:"reload,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Options tune the orchestrator under test.
type Options struct {
	Debounce  time.Duration `yaml:"debounce,omitempty"`
	Lowercase []string      `yaml:"lowercase,omitempty"`
	Dates     []string      `yaml:"dates,omitempty"`
	Actor     string        `yaml:"actor,omitempty"`
	Offline   bool          `yaml:"offline,omitempty"`
}

// Response is one scripted write result. A zero Status is a success.
type Response struct {
	Status  int            `yaml:"status,omitempty"`
	Error   string         `yaml:"error,omitempty"`
	Version string         `yaml:"version,omitempty"`
	Fields  map[string]any `yaml:"fields,omitempty"`
}

// Reload is the scripted result of a reload.
type Reload struct {
	Fields  map[string]any `yaml:"fields"`
	Version string         `yaml:"version"`
	Error   string         `yaml:"error,omitempty"`
}

// Step is one user or lifecycle action. Exactly one action field is set.
type Step struct {
	Queue  map[string]any `yaml:"queue,omitempty"`
	Flush  string         `yaml:"flush,omitempty"`
	Wait   bool           `yaml:"wait,omitempty"`
	Retry  bool           `yaml:"retry,omitempty"`
	Cancel bool           `yaml:"cancel,omitempty"`

	// ExpectError is the error kind a flush must return, e.g. CONFLICT.
	ExpectError string `yaml:"expect_error,omitempty"`
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{s.Queue != nil, s.Flush != "", s.Wait, s.Retry, s.Cancel} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates the trace or the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is the event type (trace_contains) or label (trace_count).
	Event string `yaml:"event,omitempty"`

	// Match is a subset of event attributes (trace_contains).
	Match map[string]any `yaml:"match,omitempty"`

	// Events are labels in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Target and Expect select and check final state (final_state).
	Target string         `yaml:"target,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Final state targets.
const (
	TargetSnapshot = "snapshot"
	TargetLocal    = "local"
	TargetPending  = "pending"
	TargetHeld     = "held"
	TargetResource = "resource"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		if step.ExpectError != "" && step.Flush == "" {
			return fmt.Errorf("steps[%d]: expect_error is only valid on flush", i)
		}
	}
	for i, r := range s.Responses {
		if r.Status != 0 && r.Status < 400 {
			return fmt.Errorf("responses[%d]: status must be 0 (success) or an error status, got %d", i, r.Status)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, i); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(a Assertion, index int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		switch a.Target {
		case TargetSnapshot, TargetLocal, TargetPending, TargetHeld, TargetResource:
		default:
			return fmt.Errorf("assertions[%d]: unknown final_state target %q", index, a.Target)
		}
		if a.Expect == nil {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
