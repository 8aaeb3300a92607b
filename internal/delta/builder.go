package delta

import (
	"sync"
	"time"

	"github.com/corrin/jobsync/internal/canon"
)

// DomainChange prefixes content keys. The version suffix allows the
// algorithm to change without colliding with old keys.
const DomainChange = "jobsync/change/v1"

// ContentKey returns a content address for a pending patch of resourceID.
func ContentKey(resourceID string, patch map[string]any) string {
	return canon.DigestWithDomain(DomainChange, resourceID+"|"+canon.Canonicalise(patch))
}

// Builder builds envelopes and keeps change ids stable across resubmissions
// of the same content, so the server can deduplicate retries.
//
// Thread-safety: Builder is safe for concurrent use.
type Builder struct {
	ids IDGenerator
	now func() time.Time

	mu   sync.Mutex
	last map[string]issued // resource id -> last issued id
}

type issued struct {
	key string
	id  string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithIDGenerator overrides the UUIDv7 change id generator.
func WithIDGenerator(g IDGenerator) BuilderOption {
	return func(b *Builder) {
		b.ids = g
	}
}

// WithClock overrides the made_at time source.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		ids:  UUIDv7Generator{},
		now:  time.Now,
		last: make(map[string]issued),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build is like the package-level Build but fills ChangeID and MadeAt from
// the builder when they are not given.
func (b *Builder) Build(in Input) (*ChangeEnvelope, error) {
	changed := ChangedFields(in.Before, in.After, in.Fields)
	if len(changed) == 0 {
		return nil, &NoChangeError{ResourceID: in.ResourceID, Candidates: canon.SortedFields(in.Fields)}
	}
	if in.ChangeID == "" {
		in.ChangeID = b.ChangeID(in.ResourceID, restrict(in.After, changed))
	}
	if in.MadeAt.IsZero() {
		in.MadeAt = b.now()
	}
	return Build(in)
}

// ChangeID returns the id for patch: the previously issued id when the
// same content is resubmitted, otherwise a fresh one.
func (b *Builder) ChangeID(resourceID string, patch map[string]any) string {
	key := ContentKey(resourceID, patch)

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.last[resourceID]; ok && prev.key == key {
		return prev.id
	}
	id := b.ids.Generate()
	b.last[resourceID] = issued{key: key, id: id}
	return id
}

// Forget drops the remembered id for resourceID. Called once a change has
// been committed so identical future content is a new change.
func (b *Builder) Forget(resourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, resourceID)
}
