package autosave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/corrin/jobsync/internal/bus"
	"github.com/corrin/jobsync/internal/conflict"
	"github.com/corrin/jobsync/internal/delta"
	"github.com/corrin/jobsync/internal/retry"
	"github.com/corrin/jobsync/internal/testutil"
	"github.com/corrin/jobsync/internal/transport"
	"github.com/corrin/jobsync/internal/version"
)

const testDebounce = 10 * time.Millisecond

// manual keeps the debounce timer out of tests that flush explicitly.
const manual = time.Hour

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}

type journalEntry struct {
	changeID string
	outcome  string
}

type memJournal struct {
	mu        sync.Mutex
	envelopes []*delta.ChangeEnvelope
	outcomes  []journalEntry
}

func (j *memJournal) RecordEnvelope(_ context.Context, env *delta.ChangeEnvelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.envelopes = append(j.envelopes, env)
	return nil
}

func (j *memJournal) RecordOutcome(_ context.Context, changeID, outcome string, _ error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, journalEntry{changeID: changeID, outcome: outcome})
	return nil
}

func (j *memJournal) Outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.outcomes))
	for i, e := range j.outcomes {
		out[i] = e.outcome
	}
	return out
}

type fixture struct {
	tr       *testutil.ScriptedTransport
	versions *version.Store
	bus      *bus.Bus
	notes    *conflict.Recorder
	coord    *conflict.Coordinator
	journal  *memJournal
}

func newFixture(steps ...testutil.Step) *fixture {
	f := &fixture{
		tr:       testutil.NewScriptedTransport(steps...),
		versions: version.NewStore(),
		bus:      bus.New(),
		notes:    &conflict.Recorder{},
		journal:  &memJournal{},
	}
	f.coord = conflict.New(f.bus, f.versions, f.notes, conflict.WithLogger(quietLogger()))
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Transport: f.tr,
		Versions:  f.versions,
		Conflicts: f.coord,
		Bus:       f.bus,
		Journal:   f.journal,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (f *fixture) open(t *testing.T, id string, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{WithDebounce(testDebounce), WithRetryPolicy(fastRetry), WithLogger(quietLogger())}
	o := New(id, f.deps(), append(base, opts...)...)
	t.Cleanup(o.Close)
	return o
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.WaitIdle(ctx))
}

func TestDebouncedSaveSendsDeltaEnvelope(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-123")
	o.Hydrate(map[string]any{"name": "Old", "status": "draft"}, "v1")

	o.QueueChange("name", "New")
	assert.Equal(t, StateDebouncing, o.State())
	waitIdle(t, o)

	calls := f.tr.Calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "job-123", req.ResourceID)
	assert.Equal(t, map[string]any{"name": "New"}, req.Patch)
	assert.Equal(t, "v1", req.VersionToken)

	env := req.Envelope
	require.NotNil(t, env)
	assert.Equal(t, []string{"name"}, env.Fields)
	assert.Equal(t, map[string]any{"name": "Old"}, env.Before)
	assert.Equal(t, map[string]any{"name": "New"}, env.After)
	assert.Equal(t, "bc9d7f80b3fab24f61710cf453f51404fc201e116f7f644365a2ec898c4dd4ee", env.BeforeChecksum)
	assert.Equal(t, "v1", env.VersionToken)

	assert.Equal(t, "v2", f.versions.Token("job-123"))
	assert.Equal(t, map[string]any{"name": "New", "status": "draft"}, o.Snapshot())
	assert.Equal(t, StatusSaved, o.Status())
	assert.Equal(t, StateIdle, o.State())
	assert.Empty(t, o.Pending())
	assert.Equal(t, []string{OutcomeCommitted}, f.journal.Outcomes())
}

func TestRapidEditsCoalesceIntoOneWrite(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old", "status": "draft"}, "v1")

	o.QueueChange("name", "A")
	o.QueueChange("name", "B")
	o.QueueChange("status", "active")
	waitIdle(t, o)

	calls := f.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"name": "B", "status": "active"}, calls[0].Patch)
	assert.Equal(t, []string{"name", "status"}, calls[0].Envelope.Fields)
}

func TestEditsDuringFlightAreSentAfterward(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	f := newFixture(testutil.Step{
		Block:   block,
		Started: started,
		Resp:    transport.Response{VersionToken: "v2"},
	})
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "A")
	<-started
	assert.Equal(t, StateSaving, o.State())

	o.QueueChange("name", "B")
	require.NoError(t, o.Flush(context.Background(), ReasonBlur), "flush during flight is deferred")
	assert.Equal(t, 1, f.tr.CallCount())

	close(block)
	waitIdle(t, o)

	calls := f.tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, f.tr.MaxInFlight())
	assert.Equal(t, map[string]any{"name": "B"}, calls[1].Patch)
	assert.Equal(t, map[string]any{"name": "A"}, calls[1].Envelope.Before)
	assert.Equal(t, "v2", calls[1].VersionToken)
	assert.Equal(t, "B", o.Snapshot()["name"])
}

func TestConcurrentEditsAreNeverLost(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	tr := transport.Func(func(ctx context.Context, req transport.Request) (transport.Response, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return transport.Response{VersionToken: "v"}, nil
	})

	o := New("job-1", Deps{Transport: tr, Versions: version.NewStore()},
		WithDebounce(time.Millisecond), WithLogger(quietLogger()))
	t.Cleanup(o.Close)
	o.Hydrate(map[string]any{}, "v0")

	const writers = 8
	const edits = 40
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			field := fmt.Sprintf("f%d", w)
			for i := 1; i <= edits; i++ {
				o.QueueChange(field, i)
				if i%7 == 0 {
					_ = o.Flush(context.Background(), ReasonBlur)
				}
				time.Sleep(time.Duration(w%3) * 100 * time.Microsecond)
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	waitIdle(t, o)

	snap := o.Snapshot()
	for w := 0; w < writers; w++ {
		assert.Equal(t, edits, snap[fmt.Sprintf("f%d", w)], "field f%d", w)
	}
	assert.Empty(t, o.Pending())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestSupersededResponseIsDiscarded(t *testing.T) {
	f := newFixture(
		testutil.Step{Resp: transport.Response{VersionToken: "v-old", Fields: map[string]any{"name": "server-old"}}},
		testutil.Step{Resp: transport.Response{VersionToken: "v-new"}},
	)
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.mu.Lock()
	first, err := o.beginLocked(ReasonBlur, map[string]any{"name": "A"})
	require.NoError(t, err)
	second, err := o.beginLocked(ReasonBlur, map[string]any{"name": "B"})
	require.NoError(t, err)
	o.mu.Unlock()

	require.NoError(t, o.execute(context.Background(), first))
	assert.Equal(t, "Old", o.Snapshot()["name"], "stale response must not commit")
	assert.Equal(t, "v1", f.versions.Token("job-1"))

	require.NoError(t, o.execute(context.Background(), second))
	assert.Equal(t, "B", o.Snapshot()["name"])
	assert.Equal(t, "v-new", f.versions.Token("job-1"))
	assert.Equal(t, []string{OutcomeStale, OutcomeCommitted}, f.journal.Outcomes())
}

func TestValidationFailureRollsBackAndHoldsEdit(t *testing.T) {
	f := newFixture(testutil.Step{Err: transport.FromStatus(422, "name too long")})

	var mu sync.Mutex
	var applied, restored []map[string]any
	o := f.open(t, "job-1", WithDebounce(manual), WithApply(
		func(p map[string]any) { mu.Lock(); applied = append(applied, p); mu.Unlock() },
		func(p map[string]any) { mu.Lock(); restored = append(restored, p); mu.Unlock() },
	))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	err := o.Flush(context.Background(), ReasonBlur)
	require.Error(t, err)
	assert.True(t, transport.IsValidation(err))
	assert.Equal(t, 1, f.tr.CallCount(), "validation errors are not retried")

	assert.Equal(t, "Old", o.Local()["name"])
	assert.Equal(t, "Old", o.Snapshot()["name"])
	assert.Equal(t, map[string]any{"name": "New"}, o.Held())
	assert.Empty(t, o.Pending())
	assert.Equal(t, StatusError, o.Status())
	assert.Same(t, err, o.Err())

	mu.Lock()
	assert.Equal(t, []map[string]any{{"name": "New"}}, applied)
	assert.Equal(t, []map[string]any{{"name": "Old"}}, restored)
	mu.Unlock()

	last, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, conflict.KindError, last.Kind)
	assert.False(t, last.Persistent)
	assert.Equal(t, []string{OutcomeRolledBack}, f.journal.Outcomes())

	// A plain flush does not resend the failed edit.
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	assert.Equal(t, 1, f.tr.CallCount())

	require.NoError(t, o.Flush(context.Background(), ReasonRetryClick))
	assert.Equal(t, 2, f.tr.CallCount())
	assert.Equal(t, "New", o.Snapshot()["name"])
	assert.Empty(t, o.Held())
	assert.NoError(t, o.Err())
}

func TestNewEditReplacesHeldValue(t *testing.T) {
	f := newFixture(testutil.Step{Err: transport.FromStatus(400, "bad")})
	o := f.open(t, "job-1", WithDebounce(manual))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "Bad")
	require.Error(t, o.Flush(context.Background(), ReasonBlur))
	require.NotEmpty(t, o.Held())

	o.QueueChange("name", "Good")
	assert.Empty(t, o.Held())
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	assert.Equal(t, "Good", o.Snapshot()["name"])
}

func TestConflictReloadsThenRetryResends(t *testing.T) {
	f := newFixture(testutil.Step{Err: transport.FromStatus(412, "precondition failed")})

	var reloads atomic.Int32
	deps := f.deps()
	deps.Reloader = transport.ReloaderFunc(func(ctx context.Context, id string) (map[string]any, string, error) {
		reloads.Add(1)
		return map[string]any{"name": "Server", "status": "draft"}, "v7", nil
	})
	o := New("job-123", deps, WithDebounce(manual), WithRetryPolicy(fastRetry), WithLogger(quietLogger()))
	t.Cleanup(o.Close)
	o.Hydrate(map[string]any{"name": "Old", "status": "draft"}, "v1")

	o.QueueChange("name", "New")
	err := o.Flush(context.Background(), ReasonBlur)
	require.Error(t, err)
	assert.True(t, transport.IsConflict(err))
	assert.Equal(t, 1, f.tr.CallCount(), "conflicts are not retried")

	assert.Equal(t, int32(1), reloads.Load())
	assert.Equal(t, "v7", f.versions.Token("job-123"))
	assert.Equal(t, map[string]any{"name": "Server", "status": "draft"}, o.Snapshot())
	assert.Equal(t, "Server", o.Local()["name"])
	assert.Equal(t, map[string]any{"name": "New"}, o.Held())
	assert.True(t, f.coord.Open("job-123"))

	n, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, conflict.KindConflict, n.Kind)
	assert.True(t, n.Persistent)
	assert.False(t, n.Stale)
	require.NotNil(t, n.Retry)

	n.Retry()
	waitIdle(t, o)

	calls := f.tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "v7", calls[1].VersionToken)
	assert.Equal(t, map[string]any{"name": "Server"}, calls[1].Envelope.Before)
	assert.Equal(t, map[string]any{"name": "New"}, calls[1].Patch)
	assert.Equal(t, "New", o.Snapshot()["name"])
	assert.False(t, f.coord.Open("job-123"))
	assert.Equal(t, []string{OutcomeConflict, OutcomeCommitted}, f.journal.Outcomes())
}

func TestMissingVersionIsHandledAsConflict(t *testing.T) {
	f := newFixture(testutil.Step{Err: transport.FromStatus(428, "precondition required")})
	o := f.open(t, "job-1", WithDebounce(manual))
	o.Hydrate(map[string]any{"name": "Old"}, "")

	o.QueueChange("name", "New")
	err := o.Flush(context.Background(), ReasonBlur)
	require.Error(t, err)

	n, ok := f.notes.Last()
	require.True(t, ok)
	assert.Equal(t, conflict.KindConflict, n.Kind)
	assert.True(t, n.Stale, "no reloader registered")
}

func TestTransientFailureIsRetried(t *testing.T) {
	f := newFixture(
		testutil.Step{Err: transport.FromStatus(503, "unavailable")},
		testutil.Step{Resp: transport.Response{VersionToken: "v2"}},
	)
	o := f.open(t, "job-1", WithDebounce(manual))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))

	calls := f.tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Envelope.ChangeID, calls[1].Envelope.ChangeID, "a retry resends the same envelope")
	assert.Equal(t, "v2", f.versions.Token("job-1"))
}

func TestOfflineFailsWithoutSending(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1", WithDebounce(manual), WithOnline(func() bool { return false }))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	err := o.Flush(context.Background(), ReasonBlur)
	require.ErrorIs(t, err, transport.ErrOffline)
	assert.Zero(t, f.tr.CallCount())
	assert.Equal(t, "Old", o.Local()["name"])
	assert.Equal(t, map[string]any{"name": "New"}, o.Held())
}

func TestFlappingEditSendsNothing(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	o.QueueChange("name", "Old")
	waitIdle(t, o)

	assert.Zero(t, f.tr.CallCount())
	assert.Empty(t, o.Pending())
	assert.Equal(t, StatusIdle, o.Status())
}

func TestNormalizedValuesAreNotChanges(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1", WithLowercaseFields("status"), WithDateFields("due"))
	o.Hydrate(map[string]any{"name": "Old", "status": "draft", "due": "2024-05-01"}, "v1")

	o.QueueChanges(map[string]any{
		"name":   "  Old\n",
		"status": "DRAFT",
		"due":    "2024-05-01T00:00:00Z",
	})
	waitIdle(t, o)
	assert.Zero(t, f.tr.CallCount())

	o.QueueChange("status", " Active ")
	waitIdle(t, o)
	calls := f.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"status": "active"}, calls[0].Patch)
}

func TestNumbersCompareAcrossTypes(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1", WithDebounce(manual))
	// Snapshots decoded from JSON hold float64.
	o.Hydrate(map[string]any{"hours": 5.0}, "v1")

	o.QueueChange("hours", 5)
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	assert.Zero(t, f.tr.CallCount())
	assert.Empty(t, o.Pending())

	o.QueueChange("hours", 6)
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	calls := f.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"hours": 6}, calls[0].Patch)

	assert.True(t, DefaultEqual(int64(2), float32(2)))
	assert.False(t, DefaultEqual("5", 5))
	assert.False(t, DefaultEqual(5, 5.5))
}

func TestFieldOptionsLeaveSharedNormalizerAlone(t *testing.T) {
	shared := NewNormalizer()
	f := newFixture()
	first := f.open(t, "job-1", WithNormalizer(shared), WithLowercaseFields("status"))
	second := f.open(t, "job-2", WithDateFields("due"), WithNormalizer(shared))

	assert.Equal(t, "DRAFT", shared.Normalize("status", "DRAFT"))
	assert.Equal(t, "2024-05-01T09:30:00Z", shared.Normalize("due", "2024-05-01T09:30:00Z"))

	assert.Equal(t, "draft", first.opts.normalizer.Normalize("status", " DRAFT "))
	assert.Equal(t, "2024-05-01T09:30:00Z", first.opts.normalizer.Normalize("due", "2024-05-01T09:30:00Z"))

	// Field options ordered before WithNormalizer still apply.
	assert.Equal(t, "2024-05-01", second.opts.normalizer.Normalize("due", "2024-05-01T09:30:00Z"))
	assert.Equal(t, "DRAFT", second.opts.normalizer.Normalize("status", "DRAFT"))
}

func TestHydrateDuringFlightKeepsLocalInStep(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	f := newFixture(testutil.Step{
		Block:   block,
		Started: started,
		Resp:    transport.Response{VersionToken: "v3"},
	})
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old", "status": "draft"}, "v1")

	o.QueueChange("name", "New")
	<-started
	o.Hydrate(map[string]any{"name": "Old", "status": "active"}, "v2")
	assert.Equal(t, "Old", o.Local()["name"])

	close(block)
	waitIdle(t, o)

	assert.Equal(t, map[string]any{"name": "New", "status": "active"}, o.Snapshot())
	assert.Equal(t, o.Snapshot(), o.Local())
	assert.Empty(t, o.Pending())
	assert.Equal(t, 1, f.tr.CallCount())
}

func TestSaveGateKeepsPatchQueued(t *testing.T) {
	f := newFixture()
	var ready atomic.Bool
	o := f.open(t, "job-1", WithDebounce(manual), WithCanSave(func(patch map[string]any) bool { return ready.Load() }))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	assert.Zero(t, f.tr.CallCount())
	assert.Equal(t, map[string]any{"name": "New"}, o.Pending())

	ready.Store(true)
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))
	assert.Equal(t, 1, f.tr.CallCount())
	assert.Empty(t, o.Pending())
}

func TestCompletionAddsDependentFields(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1", WithDebounce(manual), WithCompletion(func(patch, snapshot map[string]any) map[string]any {
		if _, ok := patch["client_id"]; ok && snapshot["contact_id"] != nil {
			patch["contact_id"] = nil
		}
		return patch
	}))
	o.Hydrate(map[string]any{"client_id": "c1", "contact_id": "p1"}, "v1")

	o.QueueChange("client_id", "c2")
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))

	calls := f.tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"client_id": "c2", "contact_id": nil}, calls[0].Patch)
	assert.Equal(t, []string{"client_id", "contact_id"}, calls[0].Envelope.Fields)
	assert.Nil(t, o.Snapshot()["contact_id"])
}

func TestPanickingHooksAreContained(t *testing.T) {
	f := newFixture(testutil.Step{Err: transport.FromStatus(422, "bad")})
	o := f.open(t, "job-1", WithDebounce(manual),
		WithCompletion(func(patch, snapshot map[string]any) map[string]any { panic("completion") }),
		WithApply(func(map[string]any) { panic("apply") }, func(map[string]any) { panic("rollback") }),
	)
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	err := o.Flush(context.Background(), ReasonBlur)
	require.Error(t, err)
	assert.True(t, transport.IsValidation(err), "rollback panic must not mask the save error")
	assert.Equal(t, map[string]any{"name": "New"}, f.tr.Calls()[0].Patch)

	require.NoError(t, o.Flush(context.Background(), ReasonRetryClick))
	assert.Equal(t, "New", o.Snapshot()["name"])
}

func TestStatusListenerAndClock(t *testing.T) {
	f := newFixture()
	savedAt := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var seen []Status
	o := f.open(t, "job-1", WithDebounce(manual),
		WithClock(func() time.Time { return savedAt }),
		WithStatusListener(func(id string, s Status, err error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		}),
	)
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))

	mu.Lock()
	assert.Equal(t, []Status{StatusSaving, StatusSaved}, seen)
	mu.Unlock()
	assert.Equal(t, savedAt, o.LastSavedAt())
}

func TestSaveSpanIsRecorded(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture()
	o := f.open(t, "job-1", WithDebounce(manual), WithTracer(tp.Tracer("test")))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	require.NoError(t, o.Flush(context.Background(), ReasonBlur))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "autosave.save", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "job-1", attrs["resource.id"])
	assert.Equal(t, ReasonBlur, attrs["reason"])
	assert.Equal(t, OutcomeCommitted, attrs["outcome"])
}

func TestCancelDropsBufferedEdits(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	o.Cancel()
	waitIdle(t, o)
	time.Sleep(2 * testDebounce)

	assert.Zero(t, f.tr.CallCount())
	assert.Empty(t, o.Pending())
}

func TestClosedOrchestrator(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1")
	o.Hydrate(map[string]any{"name": "Old"}, "v1")
	o.Close()

	o.QueueChange("name", "New")
	assert.Empty(t, o.Pending())
	assert.True(t, errors.Is(o.Flush(context.Background(), ReasonBlur), ErrClosed))
	assert.Zero(t, f.bus.Subscribers("job-1"))
}

func TestBusSignalTriggersFlush(t *testing.T) {
	f := newFixture()
	o := f.open(t, "job-1", WithDebounce(manual))
	o.Hydrate(map[string]any{"name": "Old"}, "v1")

	o.QueueChange("name", "New")
	assert.Equal(t, 1, f.bus.Emit("job-1", ReasonNavigate))
	waitIdle(t, o)
	assert.Equal(t, 1, f.tr.CallCount())
}
