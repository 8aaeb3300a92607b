package transport

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Kind classifies a failed write.
type Kind string

const (
	// KindTransient covers network blips and 5xx responses. Retried.
	KindTransient Kind = "TRANSIENT"

	// KindValidation covers 4xx responses other than the conflict codes.
	// Never retried; rolled back and surfaced for correction.
	KindValidation Kind = "VALIDATION"

	// KindConflict means the version token was stale (412).
	KindConflict Kind = "CONFLICT"

	// KindMissingVersion means the server required a version token and
	// none was sent (428). Handled like KindConflict but logged apart.
	KindMissingVersion Kind = "MISSING_VERSION"

	// KindOffline means the device is known to be offline.
	KindOffline Kind = "OFFLINE"
)

// ErrOffline is returned when a write is not attempted because the device
// is offline.
var ErrOffline = &Error{Kind: KindOffline, Message: "device is offline"}

// Error is the typed failure a Transport reports.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so errors.Is(err, ErrOffline) works for any offline
// error.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// FromStatus maps an HTTP status to a typed error.
func FromStatus(status int, message string) *Error {
	kind := KindTransient
	switch {
	case status == http.StatusPreconditionFailed:
		kind = KindConflict
	case status == http.StatusPreconditionRequired:
		kind = KindMissingVersion
	case status == http.StatusConflict:
		// Checksum mismatch: the claimed prior state is not the server's.
		kind = KindConflict
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		kind = KindValidation
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// Legacy message heuristics, kept for adapters that can only report text.
var (
	conflictPattern   = regexp.MustCompile(`(?i)precondition|if-match|etag|stale[ _-]?version|missing[ _-]?version|\b412\b|\b428\b`)
	missingPattern    = regexp.MustCompile(`(?i)missing[ _-]?version|precondition required|\b428\b`)
	validationPattern = regexp.MustCompile(`(?i)\b400\b|\b422\b|validation|invalid`)
)

// Classify returns the kind of err. A typed *Error wins; otherwise the
// message is matched against the legacy patterns, and anything unmatched is
// transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Kind {
	switch {
	case missingPattern.MatchString(msg):
		return KindMissingVersion
	case conflictPattern.MatchString(msg):
		return KindConflict
	case validationPattern.MatchString(msg):
		return KindValidation
	default:
		return KindTransient
	}
}

// IsConflict reports whether err is conflict-class (stale or missing version).
func IsConflict(err error) bool {
	k := Classify(err)
	return k == KindConflict || k == KindMissingVersion
}

// IsTransient reports whether err may succeed if retried.
func IsTransient(err error) bool {
	k := Classify(err)
	return k == KindTransient || k == KindOffline
}

// IsValidation reports whether err needs user correction.
func IsValidation(err error) bool {
	return Classify(err) == KindValidation
}
