package autosave

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/corrin/jobsync/internal/bus"
	"github.com/corrin/jobsync/internal/conflict"
	"github.com/corrin/jobsync/internal/delta"
	"github.com/corrin/jobsync/internal/retry"
	"github.com/corrin/jobsync/internal/transport"
	"github.com/corrin/jobsync/internal/version"
)

// TracerName names the otel tracer used for save spans.
const TracerName = "github.com/corrin/jobsync/internal/autosave"

// Flush reasons.
const (
	ReasonDebounce    = "debounce"
	ReasonAfterFlight = "after-flight"
	ReasonBlur        = "blur"
	ReasonHidden      = "visibility-hidden"
	ReasonNavigate    = "navigation-away"
	ReasonUnload      = "before-unload"
	ReasonRetryClick  = conflict.ReasonRetryClick
)

// Journal outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeConflict   = "conflict"
	OutcomeStale      = "stale"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("autosave: orchestrator closed")

// State is the position in the save state machine.
type State string

const (
	StateIdle       State = "idle"
	StateDebouncing State = "debouncing"
	StateSaving     State = "saving"
)

// Status is the indicator shown to the user.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

// Recorder journals envelopes and their outcomes. Failures are logged and
// never fail the save.
type Recorder interface {
	RecordEnvelope(ctx context.Context, env *delta.ChangeEnvelope) error
	RecordOutcome(ctx context.Context, changeID, outcome string, cause error) error
}

// Deps are the shared collaborators of every orchestrator. Transport and
// Versions are required.
type Deps struct {
	Transport transport.Transport
	Versions  *version.Store

	// Reloader, with Conflicts, registers a reload callback that hydrates
	// the orchestrator after a conflict.
	Reloader  transport.Reloader
	Conflicts *conflict.Coordinator
	Bus       *bus.Bus
	Builder   *delta.Builder
	Journal   Recorder
}

// Orchestrator saves one resource.
//
// Thread-safety: all methods are safe for concurrent use. Hooks (apply,
// rollback, completion, gate, status listener) must not call back into the
// orchestrator synchronously.
type Orchestrator struct {
	id   string
	deps Deps
	opts options

	mu sync.Mutex

	snapshot map[string]any // last state agreed with the server
	local    map[string]any // snapshot plus optimistic patches
	pending  map[string]any // edits since the last flush began
	held     map[string]any // edits of a failed save, resent only on retry
	hydrated bool

	timer    *time.Timer
	timerGen uint64

	saving             bool
	pendingAfterFlight bool
	inflightSeq        int64

	status      Status
	err         error
	lastSavedAt time.Time

	idle       chan struct{}
	idleClosed bool

	closed     bool
	unsubBus   func()
	unregister func()
}

// New creates an Orchestrator for resourceID. It subscribes to retry
// signals on deps.Bus and registers a reload callback with deps.Conflicts
// when deps.Reloader is set.
func New(resourceID string, deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		id:   resourceID,
		deps: deps,
		opts: options{
			debounce:   DefaultDebounce,
			policy:     retry.DefaultPolicy(),
			normalizer: NewNormalizer(),
			equal:      DefaultEqual,
			logger:     slog.Default(),
			tracer:     otel.Tracer(TracerName),
			now:        time.Now,
		},
		snapshot: map[string]any{},
		local:    map[string]any{},
		pending:  map[string]any{},
		held:     map[string]any{},
		status:   StatusIdle,
		idle:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&o.opts)
	}
	o.opts.resolveNormalizer()
	if o.deps.Builder == nil {
		o.deps.Builder = delta.NewBuilder()
	}
	if o.deps.Versions == nil {
		o.deps.Versions = version.NewStore()
	}
	o.opts.logger = o.opts.logger.With("resource", resourceID)

	close(o.idle)
	o.idleClosed = true

	if deps.Bus != nil {
		o.unsubBus = deps.Bus.Subscribe(resourceID, o.onSignal)
	}
	if deps.Conflicts != nil && deps.Reloader != nil {
		o.unregister = deps.Conflicts.Register(resourceID, o.reload)
	}
	return o
}

// ID returns the resource id.
func (o *Orchestrator) ID() string {
	return o.id
}

// onSignal handles bus signals. The flush is scheduled, not run inline, so
// the emitter is never blocked on a write.
func (o *Orchestrator) onSignal(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.armTimerLocked(0, reason)
}

func (o *Orchestrator) reload(ctx context.Context) (string, error) {
	fields, token, err := o.deps.Reloader.Load(ctx, o.id)
	if err != nil {
		return "", err
	}
	o.Hydrate(fields, token)
	return token, nil
}

// Hydrate replaces the snapshot with authoritative state, e.g. after the
// first read or a reload. Optimistic local values are replaced too; edits
// still buffered are kept and re-diffed on the next flush.
func (o *Orchestrator) Hydrate(fields map[string]any, versionToken string) {
	o.mu.Lock()
	o.snapshot = copyMap(fields)
	o.local = copyMap(fields)
	o.hydrated = true
	o.mu.Unlock()

	o.deps.Versions.Set(o.id, versionToken)
}

// QueueChange buffers one edit and restarts the debounce window.
func (o *Orchestrator) QueueChange(field string, value any) {
	o.QueueChanges(map[string]any{field: value})
}

// QueueChanges buffers edits and restarts the debounce window. The last
// value queued for a field wins.
func (o *Orchestrator) QueueChanges(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for f, v := range patch {
		o.pending[f] = o.opts.normalizer.Normalize(f, v)
		delete(o.held, f)
	}
	o.armTimerLocked(o.opts.debounce, ReasonDebounce)
}

// Flush attempts a save now, cancelling any debounce in progress. Used for
// blur, tab-hidden, navigation-away and retry. ReasonRetryClick also
// resends edits held from a failed save.
//
// If a write is already in flight the flush is deferred until it completes
// and Flush returns nil at once. Otherwise Flush returns the outcome of
// the write it performed, or nil when there was nothing to save.
func (o *Orchestrator) Flush(ctx context.Context, reason string) error {
	return o.attemptFlush(ctx, reason, 0)
}

// Cancel drops buffered edits and pending timers without saving. An
// in-flight write is not aborted.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopTimerLocked()
	o.pending = map[string]any{}
	o.held = map[string]any{}
	o.pendingAfterFlight = false
	o.settleLocked()
}

// Close cancels the orchestrator and detaches it from the bus and the
// conflict coordinator.
func (o *Orchestrator) Close() {
	o.Cancel()
	o.mu.Lock()
	o.closed = true
	unsub, unreg := o.unsubBus, o.unregister
	o.unsubBus, o.unregister = nil, nil
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if unreg != nil {
		unreg()
	}
}

// WaitIdle blocks until no timer is armed and no write is in flight.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	for {
		o.mu.Lock()
		if o.isIdleLocked() {
			o.mu.Unlock()
			return nil
		}
		ch := o.idle
		o.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the state machine position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.saving:
		return StateSaving
	case o.timer != nil:
		return StateDebouncing
	default:
		return StateIdle
	}
}

// Status returns the indicator status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Err returns the error of the last failed save, cleared by a success.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// LastSavedAt returns when the last write was committed.
func (o *Orchestrator) LastSavedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSavedAt
}

// Hydrated reports whether Hydrate has been called.
func (o *Orchestrator) Hydrated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hydrated
}

// Snapshot returns a copy of the last state agreed with the server.
func (o *Orchestrator) Snapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyMap(o.snapshot)
}

// Local returns a copy of the snapshot with optimistic patches applied.
func (o *Orchestrator) Local() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyMap(o.local)
}

// Pending returns a copy of the buffered edits.
func (o *Orchestrator) Pending() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyMap(o.pending)
}

// Held returns a copy of the edits kept from a failed save.
func (o *Orchestrator) Held() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyMap(o.held)
}

func (o *Orchestrator) armTimerLocked(d time.Duration, reason string) {
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timerGen++
	gen := o.timerGen
	o.timer = time.AfterFunc(d, func() {
		_ = o.attemptFlush(context.Background(), reason, gen)
	})
	o.markBusyLocked()
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	// Invalidates a timer func that already fired but has not locked yet.
	o.timerGen++
}

func (o *Orchestrator) isIdleLocked() bool {
	return !o.saving && o.timer == nil
}

func (o *Orchestrator) markBusyLocked() {
	if o.idleClosed {
		o.idle = make(chan struct{})
		o.idleClosed = false
	}
}

func (o *Orchestrator) settleLocked() {
	if o.isIdleLocked() && !o.idleClosed {
		close(o.idle)
		o.idleClosed = true
	}
}

func (o *Orchestrator) setStatusLocked(s Status, err error) func() {
	o.status = s
	fn := o.opts.onStatus
	if fn == nil {
		return func() {}
	}
	id := o.id
	return func() { fn(id, s, err) }
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
