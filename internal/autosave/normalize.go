package autosave

import (
	"reflect"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/corrin/jobsync/internal/canon"
	"github.com/corrin/jobsync/internal/delta"
)

// DateLayout is the canonical form of date-only fields.
const DateLayout = "2006-01-02"

var dateInputLayouts = []string{
	DateLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// Normalizer prepares edited values before they are buffered, so cosmetic
// differences never show up as changes.
type Normalizer struct {
	lower map[string]bool
	dates map[string]bool
}

// NewNormalizer returns a Normalizer that only trims strings.
func NewNormalizer() *Normalizer {
	return &Normalizer{lower: map[string]bool{}, dates: map[string]bool{}}
}

// Clone returns an independent copy of n.
func (n *Normalizer) Clone() *Normalizer {
	c := NewNormalizer()
	for f := range n.lower {
		c.lower[f] = true
	}
	for f := range n.dates {
		c.dates[f] = true
	}
	return c
}

// Lowercase marks enum-like fields whose values are compared case-folded.
func (n *Normalizer) Lowercase(fields ...string) *Normalizer {
	for _, f := range fields {
		n.lower[f] = true
	}
	return n
}

// Dates marks date-only fields.
func (n *Normalizer) Dates(fields ...string) *Normalizer {
	for _, f := range fields {
		n.dates[f] = true
	}
	return n
}

// Normalize returns the buffered form of v for field.
func (n *Normalizer) Normalize(field string, v any) any {
	switch val := v.(type) {
	case string:
		s := canon.Trim(val)
		if n.lower[field] {
			// Casers are stateful; one per call keeps Normalize goroutine-safe.
			s = cases.Lower(language.Und).String(s)
		}
		if n.dates[field] {
			s = formatDate(s)
		}
		return s
	case time.Time:
		if n.dates[field] {
			return val.Format(DateLayout)
		}
		return val
	case *time.Time:
		if val == nil {
			return nil
		}
		return n.Normalize(field, *val)
	default:
		return v
	}
}

// formatDate renders s as YYYY-MM-DD in the calendar day it was written in.
// Unparseable input is returned unchanged for the server to reject.
func formatDate(s string) string {
	if s == "" {
		return s
	}
	for _, layout := range dateInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout)
		}
	}
	return s
}

// DefaultEqual treats values as equal when strictly equal, or when they
// have the same canonical rendering and either share a type or are both
// numbers. A decoded JSON 5.0 therefore equals an edited int 5.
func DefaultEqual(a, b any) bool {
	if delta.StrictEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) && !(isNumber(a) && isNumber(b)) {
		return false
	}
	return canon.Canonicalise(a) == canon.Canonicalise(b)
}

func isNumber(v any) bool {
	switch reflect.TypeOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
