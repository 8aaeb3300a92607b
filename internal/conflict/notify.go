package conflict

import (
	"log/slog"
	"sync"
)

// NotificationKind separates conflicts from plain save errors.
type NotificationKind string

const (
	KindConflict NotificationKind = "conflict"
	KindError    NotificationKind = "error"
)

// Notification is what the user sees. Persistent notifications stay until
// dismissed; Retry is set on conflicts.
type Notification struct {
	ResourceID string
	Kind       NotificationKind
	Message    string
	Persistent bool
	// Stale is set when the reload failed and the data on screen may be
	// out of date.
	Stale bool
	Cause error
	Retry func()
}

// Notifier displays notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n.
func (l LogNotifier) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(n.Message, "resource", n.ResourceID, "kind", string(n.Kind), "persistent", n.Persistent, "stale", n.Stale)
}

// Recorder is a Notifier that keeps every notification, for tests and
// for embedding applications that render from a list.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

// Notify records n.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}, false
	}
	return r.items[len(r.items)-1], true
}
