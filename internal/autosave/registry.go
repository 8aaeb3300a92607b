package autosave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry owns one Orchestrator per resource id being edited and binds
// the application lifecycle (unload, logout) to all of them.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	deps Deps
	opts []Option

	mu    sync.Mutex
	items map[string]*Orchestrator
}

// NewRegistry creates a Registry. opts apply to every orchestrator it
// opens, before any per-resource options.
func NewRegistry(deps Deps, opts ...Option) *Registry {
	return &Registry{deps: deps, opts: opts, items: make(map[string]*Orchestrator)}
}

// Open returns the orchestrator for resourceID, creating it on first use.
// opts are only applied on creation.
func (r *Registry) Open(resourceID string, opts ...Option) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.items[resourceID]; ok {
		return o
	}
	all := append(append([]Option(nil), r.opts...), opts...)
	o := New(resourceID, r.deps, all...)
	r.items[resourceID] = o
	return o
}

// Get returns the orchestrator for resourceID if one is open.
func (r *Registry) Get(resourceID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.items[resourceID]
	return o, ok
}

// IDs returns the open resource ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops editing resourceID: buffered edits are dropped and its
// version token is cleared.
func (r *Registry) Close(resourceID string) {
	r.mu.Lock()
	o, ok := r.items[resourceID]
	delete(r.items, resourceID)
	r.mu.Unlock()

	if ok {
		o.Close()
	}
	if r.deps.Versions != nil {
		r.deps.Versions.Clear(resourceID)
	}
}

// FlushAll flushes every open orchestrator in parallel and waits until
// each is idle, including writes already in flight and the follow-up
// writes they trigger. One failure does not stop the others; every
// orchestrator left in error contributes to the joined error.
func (r *Registry) FlushAll(ctx context.Context, reason string) error {
	r.mu.Lock()
	all := make([]*Orchestrator, 0, len(r.items))
	for _, o := range r.items {
		all = append(all, o)
	}
	r.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })

	errs := make([]error, len(all))
	var g errgroup.Group
	for i, o := range all {
		g.Go(func() error {
			if err := flushAndWait(ctx, o, reason); err != nil {
				errs[i] = fmt.Errorf("%s: %w", o.ID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func flushAndWait(ctx context.Context, o *Orchestrator, reason string) error {
	if err := o.Flush(ctx, reason); err != nil {
		return err
	}
	if err := o.WaitIdle(ctx); err != nil {
		return err
	}
	return o.Err()
}

// Logout closes every orchestrator and clears all version tokens.
func (r *Registry) Logout() {
	r.mu.Lock()
	all := r.items
	r.items = make(map[string]*Orchestrator)
	r.mu.Unlock()

	for _, o := range all {
		o.Close()
	}
	if r.deps.Versions != nil {
		r.deps.Versions.ClearAll()
	}
}
