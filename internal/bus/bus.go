// Package bus is an in-process publish/subscribe channel keyed by resource
// id. It carries retry requests from conflict recovery to the orchestrators
// editing the resource.
package bus

import (
	"sort"
	"sync"
)

// Handler receives a signal for the resource it subscribed to.
type Handler func(reason string)

// Bus fans signals out to the handlers subscribed to a resource id.
//
// Thread-safety: all methods are safe for concurrent use. Handlers run on
// the emitting goroutine, after the bus lock is released, so they may
// subscribe or unsubscribe freely.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for resourceID. The returned cancel func removes
// the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(resourceID string, h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[resourceID] == nil {
		b.subs[resourceID] = make(map[uint64]Handler)
	}
	b.subs[resourceID][id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(resourceID, id) })
	}
}

func (b *Bus) unsubscribe(resourceID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[resourceID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, resourceID)
	}
}

// Emit calls every handler subscribed to resourceID at the time of the
// call, in subscription order. It returns the number of handlers called.
func (b *Bus) Emit(resourceID, reason string) int {
	b.mu.Lock()
	subs := b.subs[resourceID]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = subs[id]
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
	return len(handlers)
}

// Subscribers returns the number of live subscriptions for resourceID.
func (b *Bus) Subscribers(resourceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[resourceID])
}
