// Package transport defines the contract between the autosave engine and
// whatever actually performs writes, plus the error taxonomy used to route
// failures.
package transport

import (
	"context"
	"errors"

	"github.com/corrin/jobsync/internal/delta"
)

// Request is a single write of one resource.
type Request struct {
	ResourceID string
	Patch      map[string]any
	Envelope   *delta.ChangeEnvelope
	// VersionToken is sent as the write precondition. Empty when none is held.
	VersionToken string
}

// Response is a successful write. VersionToken is the fresh token, if the
// server returned one; Fields carries any authoritative values the server
// computed.
type Response struct {
	VersionToken string
	Fields       map[string]any
}

// Transport performs writes. Implementations report failures as *Error
// where they can; untyped errors are classified by message.
type Transport interface {
	Save(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to Transport.
type Func func(ctx context.Context, req Request) (Response, error)

// Save calls f.
func (f Func) Save(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Reloader fetches the authoritative state and version token of a resource.
type Reloader interface {
	Load(ctx context.Context, resourceID string) (fields map[string]any, versionToken string, err error)
}

// Outcome is the loosely typed result shape some adapters produce.
type Outcome struct {
	Success      bool
	Error        string
	Conflict     bool
	VersionToken string
}

// FromOutcome converts an Outcome into the typed Response/error pair.
func FromOutcome(o Outcome) (Response, error) {
	if o.Success {
		return Response{VersionToken: o.VersionToken}, nil
	}
	msg := o.Error
	if msg == "" {
		msg = "save failed"
	}
	if o.Conflict {
		kind := KindConflict
		if missingPattern.MatchString(msg) {
			kind = KindMissingVersion
		}
		return Response{}, &Error{Kind: kind, Message: msg}
	}
	return Response{}, &Error{Kind: classifyMessage(msg), Message: msg}
}

// OutcomeFunc adapts a function returning an Outcome to Transport.
type OutcomeFunc func(ctx context.Context, req Request) Outcome

// Save calls f and converts its outcome.
func (f OutcomeFunc) Save(ctx context.Context, req Request) (Response, error) {
	return FromOutcome(f(ctx, req))
}

// ContextError wraps a context cancellation as transient so it is never
// mistaken for a validation failure.
func ContextError(err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: "request aborted", Err: err}
	}
	return err
}

// ReloaderFunc adapts a plain function to Reloader.
type ReloaderFunc func(ctx context.Context, resourceID string) (map[string]any, string, error)

// Load calls f.
func (f ReloaderFunc) Load(ctx context.Context, resourceID string) (map[string]any, string, error) {
	return f(ctx, resourceID)
}
