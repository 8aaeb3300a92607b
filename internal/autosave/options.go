package autosave

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/corrin/jobsync/internal/retry"
)

// DefaultDebounce is the coalescing window for a resource.
const DefaultDebounce = 550 * time.Millisecond

// CompletionFunc derives extra fields from an effective patch, e.g. clearing
// a dependent foreign key when its parent key changes. It receives copies
// and returns the patch to send.
type CompletionFunc func(patch, snapshot map[string]any) map[string]any

// CanSaveFunc vetoes a save. A vetoed patch stays queued.
type CanSaveFunc func(patch map[string]any) bool

// ApplyFunc applies an optimistic patch to the embedding UI state.
type ApplyFunc func(patch map[string]any)

// RollbackFunc restores the fields of a failed patch to previous.
type RollbackFunc func(previous map[string]any)

// EqualFunc decides whether an edited value matches the snapshot.
type EqualFunc func(a, b any) bool

// StatusFunc observes status changes.
type StatusFunc func(resourceID string, status Status, err error)

type options struct {
	debounce   time.Duration
	policy     retry.Policy
	normalizer *Normalizer
	lowercase  []string
	dates      []string
	equal      EqualFunc
	completion CompletionFunc
	canSave    CanSaveFunc
	apply      ApplyFunc
	rollback   RollbackFunc
	online     retry.OnlineFunc
	actorID    string
	onStatus   StatusFunc
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Orchestrator.
type Option func(*options)

// WithDebounce sets the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

// WithRetryPolicy sets the policy for transient write failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithNormalizer replaces the value normalizer. It is never modified, so
// one Normalizer may be shared between orchestrators.
func WithNormalizer(n *Normalizer) Option {
	return func(o *options) {
		o.normalizer = n
	}
}

// WithLowercaseFields lower-cases string values of the given enum-like
// fields, on top of whichever normalizer is installed.
func WithLowercaseFields(fields ...string) Option {
	return func(o *options) {
		o.lowercase = append(o.lowercase, fields...)
	}
}

// WithDateFields renders values of the given fields as YYYY-MM-DD, on top
// of whichever normalizer is installed.
func WithDateFields(fields ...string) Option {
	return func(o *options) {
		o.dates = append(o.dates, fields...)
	}
}

// resolveNormalizer applies the field options to a copy of the installed
// normalizer.
func (o *options) resolveNormalizer() {
	if o.normalizer == nil {
		o.normalizer = NewNormalizer()
	}
	if len(o.lowercase) == 0 && len(o.dates) == 0 {
		return
	}
	o.normalizer = o.normalizer.Clone().Lowercase(o.lowercase...).Dates(o.dates...)
}

// WithEqual replaces DefaultEqual.
func WithEqual(eq EqualFunc) Option {
	return func(o *options) {
		o.equal = eq
	}
}

// WithCompletion installs cross-field completion rules.
func WithCompletion(fn CompletionFunc) Option {
	return func(o *options) {
		o.completion = fn
	}
}

// WithCanSave installs a save gate.
func WithCanSave(fn CanSaveFunc) Option {
	return func(o *options) {
		o.canSave = fn
	}
}

// WithApply installs the optimistic apply/rollback pair.
func WithApply(apply ApplyFunc, rollback RollbackFunc) Option {
	return func(o *options) {
		o.apply = apply
		o.rollback = rollback
	}
}

// WithOnline installs the synchronous online check used by retries.
func WithOnline(fn retry.OnlineFunc) Option {
	return func(o *options) {
		o.online = fn
	}
}

// WithActor sets the actor id stamped on envelopes.
func WithActor(id string) Option {
	return func(o *options) {
		o.actorID = id
	}
}

// WithStatusListener observes status changes.
func WithStatusListener(fn StatusFunc) Option {
	return func(o *options) {
		o.onStatus = fn
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the success timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
