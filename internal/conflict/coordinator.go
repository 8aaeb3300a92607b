// Package conflict recovers from version conflicts: it reloads the
// authoritative state, raises a notification that stays until the user acts
// on it, and relays the user's retry to the orchestrators editing the
// resource.
//
// Edits are never resubmitted after a conflict without that explicit retry.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/corrin/jobsync/internal/bus"
	"github.com/corrin/jobsync/internal/transport"
	"github.com/corrin/jobsync/internal/version"
)

// ReasonRetryClick is the bus reason emitted when the user asks to retry.
const ReasonRetryClick = "retry-click"

// ReloadFunc fetches the authoritative state of one resource, applies it to
// whoever owns the snapshot, and returns the fresh version token.
type ReloadFunc func(ctx context.Context) (versionToken string, err error)

// ErrNoReloader is recorded when a conflict arrives for a resource nobody
// registered a reload callback for.
var ErrNoReloader = errors.New("no reload callback registered")

type reloader struct {
	id uint64
	fn ReloadFunc
}

// Coordinator routes conflict-class failures.
//
// Thread-safety: all methods are safe for concurrent use.
type Coordinator struct {
	bus      *bus.Bus
	versions *version.Store
	notifier Notifier
	logger   *slog.Logger

	mu        sync.Mutex
	nextID    uint64
	reloaders map[string]reloader
	open      map[string]Notification
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates a Coordinator. A nil notifier logs notifications instead.
func New(b *bus.Bus, versions *version.Store, n Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:       b,
		versions:  versions,
		notifier:  n,
		logger:    slog.Default(),
		reloaders: make(map[string]reloader),
		open:      make(map[string]Notification),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.logger}
	}
	return c
}

// Register installs the reload callback for resourceID, replacing any
// previous one. The returned cancel func only removes this registration.
func (c *Coordinator) Register(resourceID string, fn ReloadFunc) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.reloaders[resourceID] = reloader{id: id, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if r, ok := c.reloaders[resourceID]; ok && r.id == id {
			delete(c.reloaders, resourceID)
		}
	}
}

// HandleConflict reloads resourceID and raises a persistent notification
// with a retry action. If the reload fails the notification is still
// raised, marked stale, so the user always has a way to retry.
func (c *Coordinator) HandleConflict(ctx context.Context, resourceID string, cause error) Notification {
	kind := transport.Classify(cause)
	if kind == transport.KindMissingVersion {
		c.logger.Warn("write rejected: version token required but missing", "resource", resourceID, "error", cause)
	} else {
		c.logger.Warn("write rejected: stale version token", "resource", resourceID, "error", cause)
	}

	reloadErr := c.reload(ctx, resourceID)
	if reloadErr != nil {
		c.logger.Error("reload after conflict failed", "resource", resourceID, "error", reloadErr)
	}

	n := Notification{
		ResourceID: resourceID,
		Kind:       KindConflict,
		Message:    conflictMessage(resourceID, reloadErr),
		Persistent: true,
		Stale:      reloadErr != nil,
		Cause:      cause,
		Retry:      func() { c.Retry(resourceID) },
	}

	c.mu.Lock()
	c.open[resourceID] = n
	c.mu.Unlock()

	c.notifier.Notify(n)
	return n
}

func (c *Coordinator) reload(ctx context.Context, resourceID string) (err error) {
	c.mu.Lock()
	r, ok := c.reloaders[resourceID]
	c.mu.Unlock()
	if !ok {
		return ErrNoReloader
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reload %s panicked: %v", resourceID, p)
		}
	}()

	token, err := r.fn(ctx)
	if err != nil {
		return fmt.Errorf("reload %s: %w", resourceID, err)
	}
	c.versions.Set(resourceID, token)
	return nil
}

func conflictMessage(resourceID string, reloadErr error) string {
	if reloadErr != nil {
		return fmt.Sprintf("%s was changed by someone else and could not be reloaded. Your changes were not saved; the data shown may be out of date.", resourceID)
	}
	return fmt.Sprintf("%s was changed by someone else. The latest version has been loaded; retry to reapply your changes.", resourceID)
}

// HandleValidation raises an auto-dismissing notification for a failure
// the user must correct. No reload happens, so in-progress edits stay
// visible.
func (c *Coordinator) HandleValidation(resourceID string, cause error) Notification {
	n := Notification{
		ResourceID: resourceID,
		Kind:       KindError,
		Message:    fmt.Sprintf("Could not save %s: %v", resourceID, cause),
		Cause:      cause,
	}
	c.notifier.Notify(n)
	return n
}

// Retry dismisses the open conflict for resourceID and signals every
// orchestrator watching it to flush. It returns the number of listeners
// signalled.
func (c *Coordinator) Retry(resourceID string) int {
	c.Dismiss(resourceID)
	n := c.bus.Emit(resourceID, ReasonRetryClick)
	c.logger.Info("retry requested", "resource", resourceID, "listeners", n)
	return n
}

// Open reports whether a conflict notification for resourceID is showing.
func (c *Coordinator) Open(resourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.open[resourceID]
	return ok
}

// Dismiss closes the conflict notification for resourceID.
func (c *Coordinator) Dismiss(resourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, resourceID)
}

// OpenConflicts returns the resource ids with a showing conflict, sorted.
func (c *Coordinator) OpenConflicts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.open))
	for id := range c.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
