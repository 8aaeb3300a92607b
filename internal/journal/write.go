package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corrin/jobsync/internal/delta"
)

// Outcome is the recorded result of a write.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeConflict   Outcome = "conflict"
	OutcomeStale      Outcome = "stale"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSent, OutcomeCommitted, OutcomeRolledBack, OutcomeConflict, OutcomeStale:
		return true
	}
	return false
}

// ErrNotFound is returned when a change id has no journal row.
var ErrNotFound = errors.New("journal: change not found")

const timeLayout = time.RFC3339Nano

// WriteEnvelope records env as sent. Writing the same change id again
// resets the outcome to sent, replaces the stored envelope with its
// before-checksum and version token, and bumps the attempt count.
func (j *Journal) WriteEnvelope(ctx context.Context, env *delta.ChangeEnvelope) error {
	if env == nil || env.ChangeID == "" {
		return fmt.Errorf("write envelope: missing change id")
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("write envelope %s: %w", env.ChangeID, err)
	}
	fieldsJSON, err := json.Marshal(env.Fields)
	if err != nil {
		return fmt.Errorf("write envelope %s: %w", env.ChangeID, err)
	}
	now := j.now().UTC().Format(timeLayout)

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO changes
		(change_id, resource_id, actor_id, fields, before_checksum, etag, envelope, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id) DO UPDATE SET
			etag = excluded.etag,
			envelope = excluded.envelope,
			before_checksum = excluded.before_checksum,
			outcome = excluded.outcome,
			error = '',
			attempts = attempts + 1,
			updated_at = excluded.updated_at
	`,
		env.ChangeID,
		env.ResourceID,
		env.ActorID,
		string(fieldsJSON),
		env.BeforeChecksum,
		env.VersionToken,
		string(envJSON),
		string(OutcomeSent),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("write envelope %s: %w", env.ChangeID, err)
	}
	return nil
}

// MarkOutcome records the outcome of changeID. cause may be nil.
func (j *Journal) MarkOutcome(ctx context.Context, changeID string, outcome Outcome, cause error) error {
	if !outcome.Valid() {
		return fmt.Errorf("mark outcome %s: unknown outcome %q", changeID, outcome)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := j.db.ExecContext(ctx, `
		UPDATE changes SET outcome = ?, error = ?, updated_at = ?
		WHERE change_id = ?
	`, string(outcome), msg, j.now().UTC().Format(timeLayout), changeID)
	if err != nil {
		return fmt.Errorf("mark outcome %s: %w", changeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outcome %s: %w", changeID, err)
	}
	if n == 0 {
		return fmt.Errorf("mark outcome %s: %w", changeID, ErrNotFound)
	}
	return nil
}

// RecordEnvelope makes Journal usable as an autosave recorder.
func (j *Journal) RecordEnvelope(ctx context.Context, env *delta.ChangeEnvelope) error {
	return j.WriteEnvelope(ctx, env)
}

// RecordOutcome makes Journal usable as an autosave recorder.
func (j *Journal) RecordOutcome(ctx context.Context, changeID, outcome string, cause error) error {
	return j.MarkOutcome(ctx, changeID, Outcome(outcome), cause)
}
