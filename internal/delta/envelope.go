// Package delta builds change envelopes: signed descriptions of only the
// fields that changed between two observed states of a resource.
package delta

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/corrin/jobsync/internal/canon"
)

// ChangeEnvelope describes one write. Before and After only ever carry the
// changed fields, and BeforeChecksum proves which prior state the client
// believed it was patching.
type ChangeEnvelope struct {
	ChangeID       string         `json:"change_id"`
	ActorID        string         `json:"actor_id,omitempty"`
	MadeAt         time.Time      `json:"made_at"`
	ResourceID     string         `json:"resource_id"`
	Fields         []string       `json:"fields"`
	Before         map[string]any `json:"before"`
	After          map[string]any `json:"after"`
	BeforeChecksum string         `json:"before_checksum"`
	VersionToken   string         `json:"etag,omitempty"`
}

// ErrNoChange is matched by errors.Is for every NoChangeError.
var ErrNoChange = errors.New("no changed fields")

// NoChangeError is returned when diffing yields an empty change set.
type NoChangeError struct {
	ResourceID string
	Candidates []string
}

func (e *NoChangeError) Error() string {
	return fmt.Sprintf("build envelope: no changed fields for %s (candidates %v)", e.ResourceID, e.Candidates)
}

// Is makes errors.Is(err, ErrNoChange) hold.
func (e *NoChangeError) Is(target error) bool {
	return target == ErrNoChange
}

// Input carries everything Build needs. ActorID, ChangeID, MadeAt and
// VersionToken are optional.
type Input struct {
	ResourceID string
	Before     map[string]any
	After      map[string]any
	Fields     []string

	ActorID      string
	ChangeID     string
	MadeAt       time.Time
	VersionToken string
}

// ChangedFields returns the sorted, de-duplicated candidates whose before
// and after values are not strictly equal.
func ChangedFields(before, after map[string]any, candidates []string) []string {
	var changed []string
	for _, f := range canon.SortedFields(candidates) {
		if !StrictEqual(before[f], after[f]) {
			changed = append(changed, f)
		}
	}
	return changed
}

// Build diffs in.Before against in.After over in.Fields and returns the
// envelope for the changed subset. A missing ChangeID is minted as a UUIDv7
// and a zero MadeAt becomes the current time.
func Build(in Input) (*ChangeEnvelope, error) {
	changed := ChangedFields(in.Before, in.After, in.Fields)
	if len(changed) == 0 {
		return nil, &NoChangeError{ResourceID: in.ResourceID, Candidates: canon.SortedFields(in.Fields)}
	}

	before := restrict(in.Before, changed)
	after := restrict(in.After, changed)

	sum, err := canon.ComputeChecksum(in.ResourceID, before, changed)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	id := in.ChangeID
	if id == "" {
		id = UUIDv7Generator{}.Generate()
	}
	madeAt := in.MadeAt
	if madeAt.IsZero() {
		madeAt = time.Now()
	}

	return &ChangeEnvelope{
		ChangeID:       id,
		ActorID:        in.ActorID,
		MadeAt:         madeAt.UTC(),
		ResourceID:     in.ResourceID,
		Fields:         changed,
		Before:         before,
		After:          after,
		BeforeChecksum: sum,
		VersionToken:   in.VersionToken,
	}, nil
}

// restrict copies the given fields out of m. Absent fields are carried as
// nil so the checksum still covers them.
func restrict(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f] = m[f]
	}
	return out
}

// StrictEqual compares by value for comparable values and by identity for
// maps, slices, funcs and channels. It never performs deep comparison:
// callers normalise values before diffing.
func StrictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() {
		return a == b
	}
	switch va.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	default:
		return false
	}
}
