// Package rowqueue autosaves collections of independently keyed rows, such
// as timesheet entries. Each row debounces on its own, then joins a FIFO
// shared by all rows; a fixed number of saves run at once.
package rowqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultDebounce    = 800 * time.Millisecond
	DefaultConcurrency = 2
)

// TempKeyPrefix marks keys minted on the client for rows not yet saved.
const TempKeyPrefix = "tmp-"

// Status is the per-row save indicator.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusQueued Status = "queued"
	StatusSaving Status = "saving"
	StatusSaved  Status = "saved"
	StatusError  Status = "error"
)

var (
	// ErrDuplicate is recorded when the duplicate guard rejects a save.
	ErrDuplicate = errors.New("rowqueue: row duplicates an existing row")
	// ErrUnknownRow is returned for keys that were never Set.
	ErrUnknownRow = errors.New("rowqueue: unknown row")
	// ErrKeyExists is returned when a rekey target is already in use.
	ErrKeyExists = errors.New("rowqueue: key already in use")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rowqueue: queue closed")
)

// Config tunes a Queue.
type Config struct {
	Debounce    time.Duration
	Concurrency int
}

// DefaultConfig returns an 800ms debounce and two concurrent saves.
func DefaultConfig() Config {
	return Config{Debounce: DefaultDebounce, Concurrency: DefaultConcurrency}
}

// Hooks plug the row type into the queue. Only Save is required.
type Hooks[R any] struct {
	// Save persists row and returns the server's version of it.
	Save func(ctx context.Context, key string, row R) (R, error)
	// IsComplete reports whether row has enough data to be worth saving.
	// Incomplete rows are skipped without error.
	IsComplete func(row R) bool
	// IsDuplicate reports whether saving row would create a second copy
	// of an existing row.
	IsDuplicate func(key string, row R) bool
	// SoftRefresh merges authoritative fields of saved into the local
	// row, which may hold edits made while the save was in flight.
	// Without it the local row is kept as is.
	SoftRefresh func(local, saved R) R
	// KeyOf returns the identifying key of a row, e.g. its server id.
	// A changed key after a save migrates the row's scheduling state.
	KeyOf func(row R) string
	// OnStatus observes status changes. Called outside the queue lock.
	OnStatus func(key string, status Status, err error)
	// OnRekey observes key migrations. The old key stays usable as an
	// alias of the new one. Called outside the queue lock.
	OnRekey func(from, to string)
}

type entry[R any] struct {
	key      string
	row      R
	timer    *time.Timer
	timerGen uint64
	inFlight bool
	pending  bool
	removed  bool
	status   Status
	err      error
}

// Queue autosaves rows of type R.
//
// Thread-safety: all methods are safe for concurrent use. Hooks must not
// call back into the queue synchronously.
type Queue[R any] struct {
	cfg    Config
	hooks  Hooks[R]
	logger *slog.Logger
	ctx    context.Context

	mu         sync.Mutex
	rows       map[string]*entry[R]
	aliases    map[string]string
	fifo       *keyQueue
	active     int
	closed     bool
	idle       chan struct{}
	idleClosed bool
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	logger *slog.Logger
	ctx    context.Context
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithContext sets the context handed to Save. Writes are never aborted
// by the queue itself.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// New creates a Queue. Zero config values take the defaults.
func New[R any](cfg Config, hooks Hooks[R], opts ...Option) (*Queue[R], error) {
	if hooks.Save == nil {
		return nil, fmt.Errorf("rowqueue: Save hook is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	o := options{logger: slog.Default(), ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}

	q := &Queue[R]{
		cfg:        cfg,
		hooks:      hooks,
		logger:     o.logger,
		ctx:        o.ctx,
		rows:       make(map[string]*entry[R]),
		aliases:    make(map[string]string),
		fifo:       newKeyQueue(),
		idle:       make(chan struct{}),
		idleClosed: true,
	}
	close(q.idle)
	return q, nil
}

// NewTempKey mints a client key for a row that has no server id yet.
func NewTempKey() string {
	return TempKeyPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsTempKey reports whether key was minted by NewTempKey.
func IsTempKey(key string) bool {
	return strings.HasPrefix(key, TempKeyPrefix)
}

// Set stores the local state of a row without scheduling a save. A key
// the row was migrated away from addresses the migrated row.
func (q *Queue[R]) Set(key string, row R) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key = q.resolveLocked(key)
	e, ok := q.rows[key]
	if !ok {
		e = &entry[R]{key: key, status: StatusIdle}
		q.rows[key] = e
	}
	e.row = row
}

// Row returns the local state of a row.
func (q *Queue[R]) Row(key string) (R, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.rows[q.resolveLocked(key)]
	if !ok {
		var zero R
		return zero, false
	}
	return e.row, true
}

// Status returns the save status of a row, and the error of its last
// failed save.
func (q *Queue[R]) Status(key string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.rows[q.resolveLocked(key)]
	if !ok {
		return StatusIdle, ErrUnknownRow
	}
	return e.status, e.err
}

// Keys returns every tracked row key, sorted.
func (q *Queue[R]) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.rows))
	for k := range q.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Schedule (re)starts the debounce window of a row.
func (q *Queue[R]) Schedule(key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	e, ok := q.rows[q.resolveLocked(key)]
	if !ok {
		return fmt.Errorf("schedule %s: %w", key, ErrUnknownRow)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(q.cfg.Debounce, func() { q.fire(e, gen) })
	q.markBusyLocked()
	return nil
}

// SaveNow skips the debounce window and admits the row at once.
func (q *Queue[R]) SaveNow(key string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	e, ok := q.rows[q.resolveLocked(key)]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("save %s: %w", key, ErrUnknownRow)
	}
	q.stopTimerLocked(e)
	notes := q.admitLocked(e)
	notes = append(notes, q.pumpLocked()...)
	q.settleLocked()
	q.mu.Unlock()

	q.emit(notes)
	return nil
}

// Rekey moves a row and all its scheduling state (timer, queue position,
// in-flight and pending markers) to a new key. from must be a current key;
// afterwards it remains an alias of to.
func (q *Queue[R]) Rekey(from, to string) error {
	q.mu.Lock()
	err := q.rekeyLocked(from, to)
	q.mu.Unlock()
	if err != nil || from == to {
		return err
	}
	q.emit([]note{{key: to, from: from}})
	return nil
}

// Cancel forgets a row: its timer is stopped and it leaves the FIFO. A
// save already in flight completes but its result is discarded.
func (q *Queue[R]) Cancel(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key = q.resolveLocked(key)
	e, ok := q.rows[key]
	if !ok {
		return
	}
	q.stopTimerLocked(e)
	q.fifo.Remove(key)
	e.removed = true
	delete(q.rows, key)
	for alias, target := range q.aliases {
		if target == key {
			delete(q.aliases, alias)
		}
	}
	q.settleLocked()
}

// Close stops every timer and empties the FIFO. Saves in flight run to
// completion.
func (q *Queue[R]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, e := range q.rows {
		q.stopTimerLocked(e)
		e.pending = false
	}
	q.fifo.Clear()
	q.settleLocked()
}

// WaitIdle blocks until no timer is armed, the FIFO is empty and no save
// is in flight.
func (q *Queue[R]) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.isIdleLocked() {
			q.mu.Unlock()
			return nil
		}
		ch := q.idle
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Active returns the number of saves in flight.
func (q *Queue[R]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Queued returns the number of rows waiting for a save slot.
func (q *Queue[R]) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Len()
}

// note is a status change, or a key migration when from is set.
type note struct {
	key    string
	from   string
	status Status
	err    error
}

func (q *Queue[R]) fire(e *entry[R], gen uint64) {
	q.mu.Lock()
	if e.removed || e.timerGen != gen || q.closed {
		q.mu.Unlock()
		return
	}
	e.timer = nil
	notes := q.admitLocked(e)
	notes = append(notes, q.pumpLocked()...)
	q.settleLocked()
	q.mu.Unlock()

	q.emit(notes)
}

// admitLocked puts a row in the FIFO, or marks it pending when it is
// already being saved.
func (q *Queue[R]) admitLocked(e *entry[R]) []note {
	if e.inFlight {
		e.pending = true
		return nil
	}
	if !q.fifo.Enqueue(e.key) {
		return nil
	}
	e.status = StatusQueued
	return []note{{key: e.key, status: StatusQueued}}
}

// pumpLocked starts saves from the front of the FIFO while slots are free.
func (q *Queue[R]) pumpLocked() []note {
	var notes []note
	for q.active < q.cfg.Concurrency {
		key, ok := q.fifo.TryDequeue()
		if !ok {
			break
		}
		e, ok := q.rows[key]
		if !ok {
			continue
		}

		if q.hooks.IsComplete != nil && !q.hooks.IsComplete(e.row) {
			q.logger.Debug("row save skipped: incomplete", "key", key)
			e.status = StatusIdle
			notes = append(notes, note{key: key, status: StatusIdle})
			continue
		}
		if q.hooks.IsDuplicate != nil && q.hooks.IsDuplicate(key, e.row) {
			q.logger.Warn("row save rejected: duplicate", "key", key)
			e.status, e.err = StatusError, ErrDuplicate
			notes = append(notes, note{key: key, status: StatusError, err: ErrDuplicate})
			continue
		}

		e.inFlight = true
		e.status = StatusSaving
		q.active++
		q.markBusyLocked()
		notes = append(notes, note{key: key, status: StatusSaving})
		go q.run(e, key, e.row)
	}
	return notes
}

func (q *Queue[R]) run(e *entry[R], key string, row R) {
	saved, err := q.save(key, row)

	q.mu.Lock()
	e.inFlight = false
	q.active--

	var notes []note
	switch {
	case e.removed:
		q.logger.Debug("discarding save of cancelled row", "key", key, "error", err)
	case err != nil:
		e.status, e.err = StatusError, err
		q.logger.Warn("row save failed", "key", e.key, "error", err)
		notes = append(notes, note{key: e.key, status: StatusError, err: err})
	default:
		if q.hooks.SoftRefresh != nil {
			e.row = q.hooks.SoftRefresh(e.row, saved)
		}
		e.status, e.err = StatusSaved, nil
		if q.hooks.KeyOf != nil {
			if next := q.hooks.KeyOf(e.row); next != "" && next != e.key {
				prev := e.key
				if rerr := q.rekeyLocked(prev, next); rerr != nil {
					q.logger.Error("row key migration failed", "from", prev, "to", next, "error", rerr)
				} else {
					notes = append(notes, note{key: next, from: prev})
				}
			}
		}
		notes = append(notes, note{key: e.key, status: StatusSaved})
	}

	if e.pending && !e.removed && !q.closed {
		e.pending = false
		notes = append(notes, q.admitLocked(e)...)
	}
	notes = append(notes, q.pumpLocked()...)
	q.settleLocked()
	q.mu.Unlock()

	q.emit(notes)
}

// save calls the Save hook, turning a panic into an error.
func (q *Queue[R]) save(key string, row R) (saved R, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("save %s panicked: %v", key, p)
		}
	}()
	return q.hooks.Save(q.ctx, key, row)
}

func (q *Queue[R]) rekeyLocked(from, to string) error {
	if from == to {
		return nil
	}
	e, ok := q.rows[from]
	if !ok {
		return fmt.Errorf("rekey %s: %w", from, ErrUnknownRow)
	}
	if _, taken := q.rows[to]; taken {
		return fmt.Errorf("rekey %s to %s: %w", from, to, ErrKeyExists)
	}
	delete(q.rows, from)
	e.key = to
	q.rows[to] = e
	q.fifo.Rekey(from, to)
	for alias, target := range q.aliases {
		if target == from {
			q.aliases[alias] = to
		}
	}
	q.aliases[from] = to
	delete(q.aliases, to)
	q.logger.Debug("row rekeyed", "from", from, "to", to)
	return nil
}

// resolveLocked maps a migrated key to the row's current key.
func (q *Queue[R]) resolveLocked(key string) string {
	if _, ok := q.rows[key]; ok {
		return key
	}
	if to, ok := q.aliases[key]; ok {
		return to
	}
	return key
}

func (q *Queue[R]) stopTimerLocked(e *entry[R]) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (q *Queue[R]) isIdleLocked() bool {
	if q.active > 0 || q.fifo.Len() > 0 {
		return false
	}
	for _, e := range q.rows {
		if e.timer != nil {
			return false
		}
	}
	return true
}

func (q *Queue[R]) markBusyLocked() {
	if q.idleClosed {
		q.idle = make(chan struct{})
		q.idleClosed = false
	}
}

func (q *Queue[R]) settleLocked() {
	if !q.idleClosed && q.isIdleLocked() {
		close(q.idle)
		q.idleClosed = true
	}
}

func (q *Queue[R]) emit(notes []note) {
	for _, n := range notes {
		switch {
		case n.from != "":
			if q.hooks.OnRekey != nil {
				q.hooks.OnRekey(n.from, n.key)
			}
		case q.hooks.OnStatus != nil:
			q.hooks.OnStatus(n.key, n.status, n.err)
		}
	}
}
