package harness

// Trace event types.
const (
	EventSave    = "save"
	EventOutcome = "outcome"
	EventNotify  = "notify"
	EventReload  = "reload"
)

// TraceEvent is one observable effect of a scenario run.
type TraceEvent struct {
	Seq            int64          `json:"seq"`
	Type           string         `json:"type"`
	ChangeID       string         `json:"change_id,omitempty"`
	Fields         []string       `json:"fields,omitempty"`
	Before         map[string]any `json:"before,omitempty"`
	After          map[string]any `json:"after,omitempty"`
	BeforeChecksum string         `json:"before_checksum,omitempty"`
	VersionToken   string         `json:"version_token,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	Stale          bool           `json:"stale,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Label is the name used by trace_order and trace_count.
func (e TraceEvent) Label() string {
	switch e.Type {
	case EventOutcome:
		return e.Type + ":" + e.Outcome
	case EventNotify:
		return e.Type + ":" + e.Kind
	default:
		return e.Type
	}
}

// attrs returns the attributes trace_contains can match on.
func (e TraceEvent) attrs() map[string]any {
	fields := make([]any, len(e.Fields))
	for i, f := range e.Fields {
		fields[i] = f
	}
	return map[string]any{
		"change_id":       e.ChangeID,
		"fields":          fields,
		"before":          e.Before,
		"after":           e.After,
		"before_checksum": e.BeforeChecksum,
		"version_token":   e.VersionToken,
		"outcome":         e.Outcome,
		"kind":            e.Kind,
		"stale":           e.Stale,
		"error":           e.Error,
	}
}

// FinalState is the orchestrator state after the last step.
type FinalState struct {
	Snapshot map[string]any `json:"snapshot"`
	Local    map[string]any `json:"local"`
	Pending  map[string]any `json:"pending"`
	Held     map[string]any `json:"held"`
	Version  string         `json:"version"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
}

func (f FinalState) target(name string) map[string]any {
	switch name {
	case TargetSnapshot:
		return f.Snapshot
	case TargetLocal:
		return f.Local
	case TargetPending:
		return f.Pending
	case TargetHeld:
		return f.Held
	default:
		return map[string]any{
			"version": f.Version,
			"status":  f.Status,
			"error":   f.Error,
		}
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
	Final  FinalState   `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
