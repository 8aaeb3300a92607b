// Package version tracks the opaque version token (ETag) last observed for
// each resource.
//
// A Store is constructed once per process and handed to every component that
// reads or writes tracked resources. Tokens are recorded only after a
// confirmed server round-trip; callers are responsible for calling Set after
// every read or write response that carries a fresh token.
package version

import (
	"strings"
	"sync"
)

// Store is an in-memory map from resource id to version token.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{tokens: make(map[string]string)}
}

// Get returns the token for id and whether one is held.
func (s *Store) Get(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	return tok, ok
}

// Token returns the token for id, or "" when none is held.
func (s *Store) Token(id string) string {
	tok, _ := s.Get(id)
	return tok
}

// Set records token for id. Blank tokens are ignored so a response without
// an ETag header never erases a valid one.
func (s *Store) Set(id, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = token
}

// Has reports whether a token is held for id.
func (s *Store) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Clear drops the token for id. Used when a resource is deleted or no
// longer edited.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
}

// ClearAll drops every token. Used on logout.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// Len returns the number of tracked resources.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Snapshot returns a copy of every tracked token.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.tokens))
	for k, v := range s.tokens {
		out[k] = v
	}
	return out
}
