package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corrin/jobsync/internal/canon"
)

func evaluate(a Assertion, r *Result) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(a, r.Trace)
	case AssertTraceOrder:
		return assertTraceOrder(a, r.Trace)
	case AssertTraceCount:
		return assertTraceCount(a, r.Trace)
	case AssertFinalState:
		return assertFinalState(a, r.Final)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains passes when some event of the given type carries all
// of the expected attributes.
func assertTraceContains(a Assertion, trace []TraceEvent) error {
	seen := 0
	for _, e := range trace {
		if e.Type != a.Event && e.Label() != a.Event {
			continue
		}
		seen++
		if mismatch := matchSubset(a.Match, e.attrs()); mismatch == "" {
			return nil
		}
	}
	if seen == 0 {
		return fmt.Errorf("no %s event in trace", a.Event)
	}
	return fmt.Errorf("none of %d %s events match %s", seen, a.Event, describe(a.Match))
}

// assertTraceOrder passes when the labels occur in order, other events
// allowed in between.
func assertTraceOrder(a Assertion, trace []TraceEvent) error {
	next := 0
	for _, e := range trace {
		if next < len(a.Events) && e.Label() == a.Events[next] {
			next++
		}
	}
	if next < len(a.Events) {
		return fmt.Errorf("expected %s after %v, trace was %v", a.Events[next], a.Events[:next], labels(trace))
	}
	return nil
}

func assertTraceCount(a Assertion, trace []TraceEvent) error {
	n := 0
	for _, e := range trace {
		if e.Label() == a.Event {
			n++
		}
	}
	if n != a.Count {
		return fmt.Errorf("expected %d %s events, got %d", a.Count, a.Event, n)
	}
	return nil
}

// assertFinalState compares the selected state field by field. An expected
// null matches an absent field.
func assertFinalState(a Assertion, final FinalState) error {
	actual := final.target(a.Target)
	if mismatch := matchSubset(a.Expect, actual); mismatch != "" {
		return fmt.Errorf("%s: %s", a.Target, mismatch)
	}
	return nil
}

// matchSubset reports the first expected key whose canonical form differs
// from actual, or "" when all match.
func matchSubset(expect, actual map[string]any) string {
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		want, got := expect[k], actual[k]
		if canon.Canonicalise(want) != canon.Canonicalise(got) {
			return fmt.Sprintf("%s: expected %s, got %s", k, canon.Canonicalise(want), canon.Canonicalise(got))
		}
	}
	return ""
}

func describe(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + canon.Canonicalise(m[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func labels(trace []TraceEvent) []string {
	out := make([]string, len(trace))
	for i, e := range trace {
		out[i] = e.Label()
	}
	return out
}
