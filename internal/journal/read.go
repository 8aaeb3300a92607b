package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corrin/jobsync/internal/delta"
)

// Change is one journal row.
type Change struct {
	ChangeID       string                `json:"change_id"`
	ResourceID     string                `json:"resource_id"`
	ActorID        string                `json:"actor_id,omitempty"`
	Fields         []string              `json:"fields"`
	BeforeChecksum string                `json:"before_checksum"`
	VersionToken   string                `json:"etag,omitempty"`
	Envelope       *delta.ChangeEnvelope `json:"envelope"`
	Outcome        Outcome               `json:"outcome"`
	Error          string                `json:"error,omitempty"`
	Attempts       int                   `json:"attempts"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

const selectChange = `
	SELECT change_id, resource_id, actor_id, fields, before_checksum, etag,
	       envelope, outcome, error, attempts, created_at, updated_at
	FROM changes`

// ReadChange returns the row for changeID, or ErrNotFound.
func (j *Journal) ReadChange(ctx context.Context, changeID string) (Change, error) {
	row := j.db.QueryRowContext(ctx, selectChange+` WHERE change_id = ?`, changeID)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, fmt.Errorf("read change %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return Change{}, fmt.Errorf("read change %s: %w", changeID, err)
	}
	return c, nil
}

// ListByResource returns every change of resourceID in insertion order.
func (j *Journal) ListByResource(ctx context.Context, resourceID string) ([]Change, error) {
	return j.list(ctx, selectChange+` WHERE resource_id = ? ORDER BY rowid ASC`, resourceID)
}

// List returns every change in insertion order.
func (j *Journal) List(ctx context.Context) ([]Change, error) {
	return j.list(ctx, selectChange+` ORDER BY rowid ASC`)
}

func (j *Journal) list(ctx context.Context, query string, args ...any) ([]Change, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("list changes: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(s scanner) (Change, error) {
	var (
		c                    Change
		fields, env, outcome string
		created, updated     string
	)
	if err := s.Scan(&c.ChangeID, &c.ResourceID, &c.ActorID, &fields, &c.BeforeChecksum,
		&c.VersionToken, &env, &outcome, &c.Error, &c.Attempts, &created, &updated); err != nil {
		return Change{}, err
	}
	c.Outcome = Outcome(outcome)

	if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
		return Change{}, fmt.Errorf("decode fields of %s: %w", c.ChangeID, err)
	}
	c.Envelope = &delta.ChangeEnvelope{}
	if err := json.Unmarshal([]byte(env), c.Envelope); err != nil {
		return Change{}, fmt.Errorf("decode envelope of %s: %w", c.ChangeID, err)
	}

	var err error
	if c.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Change{}, fmt.Errorf("decode created_at of %s: %w", c.ChangeID, err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return Change{}, fmt.Errorf("decode updated_at of %s: %w", c.ChangeID, err)
	}
	return c, nil
}
