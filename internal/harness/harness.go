package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/corrin/jobsync/internal/autosave"
	"github.com/corrin/jobsync/internal/bus"
	"github.com/corrin/jobsync/internal/conflict"
	"github.com/corrin/jobsync/internal/delta"
	"github.com/corrin/jobsync/internal/retry"
	"github.com/corrin/jobsync/internal/testutil"
	"github.com/corrin/jobsync/internal/transport"
	"github.com/corrin/jobsync/internal/version"
)

// DefaultDebounce is used when a scenario does not set one.
const DefaultDebounce = 5 * time.Millisecond

// idleTimeout bounds every wait for the orchestrator to settle.
const idleTimeout = 2 * time.Second

// epoch is the first timestamp stamped on envelopes.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var scenarioRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}

// Harness runs scenarios.
type Harness struct {
	logger    *slog.Logger
	defaults  []autosave.Option
	recorders []autosave.Recorder
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to the orchestrator under test.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithAutosaveOptions adds orchestrator options applied ahead of each
// scenario's own options, e.g. the debounce and retry policy from config.
// A debounce set by the scenario still wins.
func WithAutosaveOptions(opts ...autosave.Option) Option {
	return func(h *Harness) {
		h.defaults = append(h.defaults, opts...)
	}
}

// WithRecorder also records every envelope and outcome to rec, such as a
// sqlite journal. Change ids are prefixed with "<scenario>/" so one
// recorder can hold many scenarios.
func WithRecorder(rec autosave.Recorder) Option {
	return func(h *Harness) {
		h.recorders = append(h.recorders, rec)
	}
}

// New creates a Harness. Orchestrator logs are discarded unless a logger
// is given.
func New(opts ...Option) *Harness {
	h := &Harness{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes a scenario with a default Harness.
func Run(s *Scenario) (*Result, error) {
	return New().Run(context.Background(), s)
}

// run is the mutable state of one scenario execution.
type run struct {
	name      string
	recorders []autosave.Recorder

	mu     sync.Mutex
	seq    int64
	result *Result
}

func (r *run) trace(e TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.Seq = r.seq
	r.result.Trace = append(r.result.Trace, e)
}

// RecordEnvelope forwards env to the extra recorders. Every attempt is
// already traced by the transport.
func (r *run) RecordEnvelope(ctx context.Context, env *delta.ChangeEnvelope) error {
	if env == nil || len(r.recorders) == 0 {
		return nil
	}
	scoped := *env
	scoped.ChangeID = r.scope(env.ChangeID)
	return r.forward(func(rec autosave.Recorder) error { return rec.RecordEnvelope(ctx, &scoped) })
}

// RecordOutcome traces the outcome of a change and forwards it.
func (r *run) RecordOutcome(ctx context.Context, changeID, outcome string, cause error) error {
	r.trace(TraceEvent{Type: EventOutcome, ChangeID: changeID, Outcome: outcome, Error: errorKind(cause)})
	return r.forward(func(rec autosave.Recorder) error {
		return rec.RecordOutcome(ctx, r.scope(changeID), outcome, cause)
	})
}

func (r *run) scope(changeID string) string {
	return r.name + "/" + changeID
}

// forward calls fn on every extra recorder. Failures fail the scenario.
func (r *run) forward(fn func(autosave.Recorder) error) error {
	var errs []error
	for _, rec := range r.recorders {
		if err := fn(rec); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.mu.Lock()
		r.result.AddError(fmt.Sprintf("recorder: %v", err))
		r.mu.Unlock()
	}
	return err
}

// Run executes s and evaluates its assertions. The returned error is for
// harness failures only; scenario failures are reported in the Result.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	if s == nil {
		return nil, errors.New("scenario is nil")
	}
	r := &run{name: s.Name, recorders: h.recorders, result: NewResult()}

	scripted := testutil.NewScriptedTransport(scriptSteps(s.Responses)...)
	recording := transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
		r.trace(saveEvent(req))
		return scripted.Save(ctx, req)
	})

	versions := version.NewStore()
	signals := bus.New()
	notifier := conflict.NotifierFunc(func(n conflict.Notification) {
		r.trace(TraceEvent{Type: EventNotify, Kind: string(n.Kind), Stale: n.Stale, Error: errorKind(n.Cause)})
	})
	coord := conflict.New(signals, versions, notifier, conflict.WithLogger(h.logger))

	clock := testutil.NewDeterministicClock(epoch, time.Second)
	deps := autosave.Deps{
		Transport: recording,
		Versions:  versions,
		Conflicts: coord,
		Bus:       signals,
		Builder: delta.NewBuilder(
			delta.WithIDGenerator(testutil.NewSequenceGenerator("change")),
			delta.WithClock(clock.Now),
		),
		Journal:  r,
		Reloader: reloader(s.Reload, r),
	}

	offline := s.Options.Offline
	opts := []autosave.Option{
		autosave.WithDebounce(DefaultDebounce),
		autosave.WithRetryPolicy(scenarioRetry),
	}
	opts = append(opts, h.defaults...)
	opts = append(opts,
		autosave.WithLogger(h.logger),
		autosave.WithClock(clock.Now),
		autosave.WithOnline(func() bool { return !offline }),
	)
	if s.Options.Debounce > 0 {
		opts = append(opts, autosave.WithDebounce(s.Options.Debounce))
	}
	if len(s.Options.Lowercase) > 0 {
		opts = append(opts, autosave.WithLowercaseFields(s.Options.Lowercase...))
	}
	if len(s.Options.Dates) > 0 {
		opts = append(opts, autosave.WithDateFields(s.Options.Dates...))
	}
	if s.Options.Actor != "" {
		opts = append(opts, autosave.WithActor(s.Options.Actor))
	}

	o := autosave.New(s.Resource, deps, opts...)
	defer o.Close()
	o.Hydrate(s.Initial, s.Version)

	for i, step := range s.Steps {
		if err := h.runStep(ctx, o, coord, s.Resource, step); err != nil {
			r.result.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
	}
	if err := waitIdle(ctx, o); err != nil {
		return nil, fmt.Errorf("scenario %s did not settle: %w", s.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Final = FinalState{
		Snapshot: o.Snapshot(),
		Local:    o.Local(),
		Pending:  o.Pending(),
		Held:     o.Held(),
		Version:  versions.Token(s.Resource),
		Status:   string(o.Status()),
		Error:    errorKind(o.Err()),
	}
	for i, a := range s.Assertions {
		if err := evaluate(a, r.result); err != nil {
			r.result.AddError(fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}
	return r.result, nil
}

func (h *Harness) runStep(ctx context.Context, o *autosave.Orchestrator, coord *conflict.Coordinator, id string, step Step) error {
	switch {
	case step.Queue != nil:
		o.QueueChanges(step.Queue)
	case step.Flush != "":
		err := o.Flush(ctx, step.Flush)
		want := step.ExpectError
		got := errorKind(err)
		if want == "" && err != nil {
			return fmt.Errorf("flush %s: unexpected error: %v", step.Flush, err)
		}
		if want != "" && got != want {
			return fmt.Errorf("flush %s: expected error %s, got %q", step.Flush, want, got)
		}
	case step.Wait:
		return waitIdle(ctx, o)
	case step.Retry:
		if coord.Retry(id) == 0 {
			return errors.New("retry reached no orchestrator")
		}
		return waitIdle(ctx, o)
	case step.Cancel:
		o.Cancel()
	}
	return nil
}

func waitIdle(ctx context.Context, o *autosave.Orchestrator) error {
	ctx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()
	return o.WaitIdle(ctx)
}

func reloader(scripted *Reload, r *run) transport.Reloader {
	return transport.ReloaderFunc(func(_ context.Context, _ string) (map[string]any, string, error) {
		if scripted == nil {
			r.trace(TraceEvent{Type: EventReload, Error: "UNAVAILABLE"})
			return nil, "", errors.New("reload unavailable")
		}
		if scripted.Error != "" {
			r.trace(TraceEvent{Type: EventReload, Error: scripted.Error})
			return nil, "", errors.New(scripted.Error)
		}
		r.trace(TraceEvent{Type: EventReload, VersionToken: scripted.Version})
		return scripted.Fields, scripted.Version, nil
	})
}

func scriptSteps(responses []Response) []testutil.Step {
	steps := make([]testutil.Step, len(responses))
	for i, resp := range responses {
		if resp.Status != 0 {
			msg := resp.Error
			if msg == "" {
				msg = fmt.Sprintf("status %d", resp.Status)
			}
			steps[i] = testutil.Step{Err: transport.FromStatus(resp.Status, msg)}
			continue
		}
		token := resp.Version
		if token == "" {
			token = fmt.Sprintf("v%d", i+2)
		}
		steps[i] = testutil.Step{Resp: transport.Response{VersionToken: token, Fields: resp.Fields}}
	}
	return steps
}

func saveEvent(req transport.Request) TraceEvent {
	e := TraceEvent{Type: EventSave, VersionToken: req.VersionToken}
	if env := req.Envelope; env != nil {
		e.ChangeID = env.ChangeID
		e.Fields = append([]string(nil), env.Fields...)
		e.Before = env.Before
		e.After = env.After
		e.BeforeChecksum = env.BeforeChecksum
	}
	return e
}

// errorKind reduces an error to its kind so traces stay stable.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return string(transport.Classify(err))
}
