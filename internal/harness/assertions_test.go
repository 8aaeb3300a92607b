package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.Trace = []TraceEvent{
		{Seq: 1, Type: EventSave, ChangeID: "change-0001", Fields: []string{"name"}, Before: map[string]any{"name": "Old"}, VersionToken: "v1"},
		{Seq: 2, Type: EventNotify, Kind: "conflict", Error: "CONFLICT"},
		{Seq: 3, Type: EventOutcome, ChangeID: "change-0001", Outcome: "conflict"},
		{Seq: 4, Type: EventSave, ChangeID: "change-0001", Fields: []string{"name"}, VersionToken: "v7"},
		{Seq: 5, Type: EventOutcome, ChangeID: "change-0001", Outcome: "committed"},
	}
	r.Final = FinalState{
		Snapshot: map[string]any{"name": "New", "count": 3},
		Held:     map[string]any{},
		Version:  "v3",
		Status:   "saved",
	}
	return r
}

func TestTraceEventLabel(t *testing.T) {
	assert.Equal(t, "save", TraceEvent{Type: EventSave}.Label())
	assert.Equal(t, "outcome:committed", TraceEvent{Type: EventOutcome, Outcome: "committed"}.Label())
	assert.Equal(t, "notify:error", TraceEvent{Type: EventNotify, Kind: "error"}.Label())
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		a       Assertion
		wantErr string
	}{
		{"contains match", Assertion{Type: AssertTraceContains, Event: EventSave, Match: map[string]any{"version_token": "v7"}}, ""},
		{"contains list", Assertion{Type: AssertTraceContains, Event: EventSave, Match: map[string]any{"fields": []any{"name"}}}, ""},
		{"contains by label", Assertion{Type: AssertTraceContains, Event: "notify:conflict", Match: map[string]any{"error": "CONFLICT"}}, ""},
		{"contains no match", Assertion{Type: AssertTraceContains, Event: EventSave, Match: map[string]any{"version_token": "v9"}}, "none of 2 save events"},
		{"contains absent type", Assertion{Type: AssertTraceContains, Event: EventReload}, "no reload event"},
		{"order", Assertion{Type: AssertTraceOrder, Events: []string{"save", "outcome:conflict", "outcome:committed"}}, ""},
		{"order wrong", Assertion{Type: AssertTraceOrder, Events: []string{"outcome:committed", "notify:conflict"}}, "expected notify:conflict"},
		{"count", Assertion{Type: AssertTraceCount, Event: "save", Count: 2}, ""},
		{"count wrong", Assertion{Type: AssertTraceCount, Event: "outcome:committed", Count: 2}, "expected 2"},
		{"final numbers compare canonically", Assertion{Type: AssertFinalState, Target: TargetSnapshot, Expect: map[string]any{"count": 3.0}}, ""},
		{"final absent", Assertion{Type: AssertFinalState, Target: TargetHeld, Expect: map[string]any{"name": nil}}, ""},
		{"final resource", Assertion{Type: AssertFinalState, Target: TargetResource, Expect: map[string]any{"version": "v3", "status": "saved"}}, ""},
		{"final mismatch", Assertion{Type: AssertFinalState, Target: TargetSnapshot, Expect: map[string]any{"name": "Old"}}, "snapshot: name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluate(tt.a, sampleResult())
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResultAddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
