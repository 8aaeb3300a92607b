package autosave

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/corrin/jobsync/internal/delta"
	"github.com/corrin/jobsync/internal/retry"
	"github.com/corrin/jobsync/internal/transport"
)

// flight is one write in transit.
type flight struct {
	seq      int64
	reason   string
	patch    map[string]any
	previous map[string]any
	absent   map[string]bool // fields missing from local before the apply
	env      *delta.ChangeEnvelope
}

// attemptFlush runs the flush algorithm. gen is the timer generation that
// triggered it, or 0 for an explicit flush.
func (o *Orchestrator) attemptFlush(ctx context.Context, reason string, gen uint64) error {
	o.mu.Lock()
	if gen != 0 {
		if gen != o.timerGen {
			// Superseded by a later edit, flush or cancel.
			o.mu.Unlock()
			return nil
		}
		o.timer = nil
	} else {
		if o.closed {
			o.mu.Unlock()
			return ErrClosed
		}
		o.stopTimerLocked()
	}

	if reason == ReasonRetryClick {
		for f, v := range o.held {
			if _, ok := o.pending[f]; !ok {
				o.pending[f] = v
			}
		}
		o.held = map[string]any{}
	}

	if o.saving {
		o.pendingAfterFlight = true
		o.mu.Unlock()
		return nil
	}

	if len(o.pending) == 0 {
		o.settleLocked()
		o.mu.Unlock()
		return nil
	}

	effective := make(map[string]any, len(o.pending))
	for f, v := range o.pending {
		if !o.opts.equal(v, o.snapshot[f]) {
			effective[f] = v
		}
	}
	if len(effective) == 0 {
		// Edits flapped back to the snapshot value.
		o.opts.logger.Debug("flush skipped: no effective change", "reason", reason)
		o.pending = map[string]any{}
		o.settleLocked()
		o.mu.Unlock()
		return nil
	}

	if o.opts.completion != nil {
		effective = o.complete(effective)
	}

	if o.opts.canSave != nil && !o.opts.canSave(copyMap(effective)) {
		o.opts.logger.Debug("flush deferred by save gate", "reason", reason, "fields", sortedKeys(effective))
		o.settleLocked()
		o.mu.Unlock()
		return nil
	}

	f, err := o.beginLocked(reason, effective)
	if err != nil {
		o.settleLocked()
		o.mu.Unlock()
		if errors.Is(err, delta.ErrNoChange) {
			return nil
		}
		return err
	}
	notify := o.setStatusLocked(StatusSaving, nil)
	o.mu.Unlock()

	notify()
	o.safeApply(f.patch)
	return o.execute(ctx, f)
}

// complete runs the completion hook, keeping the original patch if it
// panics.
func (o *Orchestrator) complete(patch map[string]any) (out map[string]any) {
	out = patch
	defer func() {
		if p := recover(); p != nil {
			o.opts.logger.Warn("completion hook panicked", "panic", p)
			out = patch
		}
	}()
	if completed := o.opts.completion(copyMap(patch), copyMap(o.snapshot)); len(completed) > 0 {
		out = completed
	}
	return out
}

// beginLocked enters Saving: captures rollback values, applies the patch
// to local state, clears the buffer and builds the envelope.
func (o *Orchestrator) beginLocked(reason string, patch map[string]any) (*flight, error) {
	fields := sortedKeys(patch)

	after := copyMap(o.snapshot)
	for f, v := range patch {
		after[f] = v
	}
	env, err := o.deps.Builder.Build(delta.Input{
		ResourceID:   o.id,
		Before:       o.snapshot,
		After:        after,
		Fields:       fields,
		ActorID:      o.opts.actorID,
		VersionToken: o.deps.Versions.Token(o.id),
	})
	if err != nil {
		if errors.Is(err, delta.ErrNoChange) {
			o.pending = map[string]any{}
		}
		return nil, fmt.Errorf("begin save of %s: %w", o.id, err)
	}

	f := &flight{
		reason:   reason,
		patch:    patch,
		previous: make(map[string]any, len(patch)),
		absent:   make(map[string]bool),
		env:      env,
	}
	for k, v := range patch {
		prev, ok := o.local[k]
		if !ok {
			f.absent[k] = true
		}
		f.previous[k] = prev
		o.local[k] = v
	}

	o.pending = map[string]any{}
	o.pendingAfterFlight = false
	o.saving = true
	o.inflightSeq++
	f.seq = o.inflightSeq
	o.markBusyLocked()
	return f, nil
}

// execute performs the write of f and commits, discards or rolls it back.
func (o *Orchestrator) execute(ctx context.Context, f *flight) error {
	ctx, span := o.opts.tracer.Start(ctx, "autosave.save", trace.WithAttributes(
		attribute.String("resource.id", o.id),
		attribute.StringSlice("fields", f.env.Fields),
		attribute.String("change.id", f.env.ChangeID),
		attribute.String("reason", f.reason),
	))
	defer span.End()

	o.record(ctx, func(r Recorder) error { return r.RecordEnvelope(ctx, f.env) })

	req := transport.Request{
		ResourceID:   o.id,
		Patch:        copyMap(f.patch),
		Envelope:     f.env,
		VersionToken: f.env.VersionToken,
	}
	var resp transport.Response
	err := retry.Do(ctx, o.opts.policy, o.opts.online, func(ctx context.Context) error {
		var saveErr error
		resp, saveErr = o.deps.Transport.Save(ctx, req)
		return saveErr
	})

	o.mu.Lock()
	if f.seq != o.inflightSeq {
		o.mu.Unlock()
		o.opts.logger.Info("discarding superseded save response", "change_id", f.env.ChangeID, "error", err)
		span.SetAttributes(attribute.String("outcome", OutcomeStale))
		o.record(ctx, func(r Recorder) error { return r.RecordOutcome(ctx, f.env.ChangeID, OutcomeStale, err) })
		return nil
	}

	if err == nil {
		o.commitLocked(f, resp)
		notify := o.setStatusLocked(StatusSaved, nil)
		o.mu.Unlock()

		notify()
		span.SetAttributes(attribute.String("outcome", OutcomeCommitted))
		o.record(ctx, func(r Recorder) error { return r.RecordOutcome(ctx, f.env.ChangeID, OutcomeCommitted, nil) })
		o.opts.logger.Debug("save committed", "change_id", f.env.ChangeID, "fields", f.env.Fields)
		o.finish()
		return nil
	}

	o.rollbackLocked(f)
	o.err = err
	o.mu.Unlock()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.safeRollback(f.previous)

	outcome := OutcomeRolledBack
	if transport.IsConflict(err) {
		outcome = OutcomeConflict
		// Still Saving: an after-flight flush must wait for the reload so it
		// is sent with the fresh version token.
		if o.deps.Conflicts != nil {
			o.deps.Conflicts.HandleConflict(ctx, o.id, err)
		}
	} else {
		o.opts.logger.Warn("save failed", "change_id", f.env.ChangeID, "kind", transport.Classify(err), "error", err)
		if o.deps.Conflicts != nil {
			o.deps.Conflicts.HandleValidation(o.id, err)
		}
	}
	span.SetAttributes(attribute.String("outcome", outcome))

	o.mu.Lock()
	notify := o.setStatusLocked(StatusError, err)
	o.mu.Unlock()

	notify()
	o.record(ctx, func(r Recorder) error { return r.RecordOutcome(ctx, f.env.ChangeID, outcome, err) })
	o.finish()
	return err
}

func (o *Orchestrator) commitLocked(f *flight, resp transport.Response) {
	for k, v := range f.patch {
		o.snapshot[k] = v
		if _, newer := o.pending[k]; !newer {
			o.local[k] = v
		}
	}
	for k, v := range resp.Fields {
		o.snapshot[k] = v
		o.local[k] = v
	}
	o.deps.Versions.Set(o.id, resp.VersionToken)
	o.deps.Builder.Forget(o.id)
	o.err = nil
	o.lastSavedAt = o.opts.now()
}

// rollbackLocked restores local values and keeps the failed edits for an
// explicit retry, unless newer edits to the same fields are buffered.
func (o *Orchestrator) rollbackLocked(f *flight) {
	for k, prev := range f.previous {
		if f.absent[k] {
			delete(o.local, k)
			continue
		}
		o.local[k] = prev
	}
	for k, v := range f.patch {
		if _, newer := o.pending[k]; !newer {
			o.held[k] = v
		}
	}
}

// finish leaves Saving once the outcome is recorded, so WaitIdle never
// returns ahead of the journal.
func (o *Orchestrator) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishLocked()
}

// finishLocked leaves Saving and re-enters the flush asynchronously when
// edits arrived during the write.
func (o *Orchestrator) finishLocked() {
	o.saving = false
	again := o.pendingAfterFlight || len(o.pending) > 0
	o.pendingAfterFlight = false
	if again && !o.closed {
		o.armTimerLocked(0, ReasonAfterFlight)
		return
	}
	o.settleLocked()
}

func (o *Orchestrator) safeApply(patch map[string]any) {
	if o.opts.apply == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.opts.logger.Error("apply hook panicked", "panic", p)
		}
	}()
	o.opts.apply(copyMap(patch))
}

// safeRollback swallows rollback hook panics so they never mask the save
// error.
func (o *Orchestrator) safeRollback(previous map[string]any) {
	if o.opts.rollback == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.opts.logger.Warn("rollback hook panicked", "panic", p)
		}
	}()
	o.opts.rollback(copyMap(previous))
}

func (o *Orchestrator) record(ctx context.Context, fn func(Recorder) error) {
	if o.deps.Journal == nil {
		return
	}
	if err := fn(o.deps.Journal); err != nil {
		o.opts.logger.WarnContext(ctx, "journal write failed", "error", err)
	}
}
