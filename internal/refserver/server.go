// Package refserver is an in-memory resource server that enforces the
// optimistic concurrency contract autosave clients rely on: If-Match
// preconditions, before-checksum verification and change-id dedupe.
//
// It backs the integration tests and `jobsync serve`.
package refserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/corrin/jobsync/internal/canon"
	"github.com/corrin/jobsync/internal/delta"
	"github.com/corrin/jobsync/internal/transport"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

type resource struct {
	fields  map[string]any
	version int
}

func (r *resource) token() string {
	return fmt.Sprintf("v%d", r.version)
}

// Server holds resources in memory.
//
// Thread-safety: safe for concurrent use.
type Server struct {
	logger *slog.Logger
	router *mux.Router

	mu        sync.Mutex
	resources map[string]*resource
	applied   map[string]bool // change ids already applied
	failures  []int           // statuses returned by the next PATCHes
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		resources: make(map[string]*resource),
		applied:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/resources", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/resources/{id}", s.handlePatch).Methods(http.MethodPatch)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Seed creates or replaces a resource and returns its version token.
func (s *Server) Seed(id string, fields map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(id, fields)
}

// Mutate changes fields of an existing resource as another writer would,
// bumping its version. It returns the new token, or "" if id is unknown.
func (s *Server) Mutate(id string, fields map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return ""
	}
	for k, v := range fields {
		res.fields[k] = v
	}
	res.version++
	return res.token()
}

// Resource returns a copy of a resource and its version token.
func (s *Server) Resource(id string) (map[string]any, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return nil, "", false
	}
	return copyFields(res.fields), res.token(), true
}

// FailNext makes the next PATCH requests fail with the given statuses, in
// order, before any other check.
func (s *Server) FailNext(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

func (s *Server) putLocked(id string, fields map[string]any) string {
	res, ok := s.resources[id]
	if !ok {
		res = &resource{}
		s.resources[id] = res
	}
	res.fields = copyFields(fields)
	res.version++
	return res.token()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.resources))
	for id := range s.resources {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fields, token, ok := s.Resource(id)
	if !ok {
		writeError(w, http.StatusNotFound, "resource %s not found", id)
		return
	}
	w.Header().Set("ETag", token)
	writeJSON(w, http.StatusOK, transport.ResourceBody{ID: id, Fields: fields})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body transport.ResourceBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	token := s.Seed(id, body.Fields)
	w.Header().Set("ETag", token)
	writeJSON(w, http.StatusOK, transport.ResourceBody{ID: id, Fields: body.Fields})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var env delta.ChangeEnvelope
	if err := decodeBody(w, r, &env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope: %v", err)
		return
	}
	if env.ResourceID != "" && env.ResourceID != id {
		writeError(w, http.StatusBadRequest, "envelope is for %s, not %s", env.ResourceID, id)
		return
	}
	if env.ChangeID == "" || len(env.Fields) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "envelope needs a change_id and at least one field")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		writeError(w, status, "injected failure")
		return
	}

	res, ok := s.resources[id]
	if !ok {
		writeError(w, http.StatusNotFound, "resource %s not found", id)
		return
	}

	// A resend of an applied change succeeds without applying it twice.
	if s.applied[env.ChangeID] {
		s.logger.Debug("duplicate change ignored", "resource", id, "change_id", env.ChangeID)
		w.Header().Set("ETag", res.token())
		writeJSON(w, http.StatusOK, transport.ResourceBody{ID: id, Fields: copyFields(res.fields)})
		return
	}

	ifMatch := r.Header.Get("If-Match")
	switch {
	case ifMatch == "":
		writeError(w, http.StatusPreconditionRequired, "missing version: If-Match header required")
		return
	case ifMatch != res.token():
		writeError(w, http.StatusPreconditionFailed, "stale version %s, current is %s", ifMatch, res.token())
		return
	}

	current := make(map[string]any, len(env.Fields))
	for _, f := range env.Fields {
		current[f] = res.fields[f]
	}
	sum, err := canon.ComputeChecksum(id, current, env.Fields)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "checksum: %v", err)
		return
	}
	if sum != env.BeforeChecksum {
		writeError(w, http.StatusConflict, "before_checksum mismatch for fields %v", env.Fields)
		return
	}

	for _, f := range env.Fields {
		res.fields[f] = env.After[f]
	}
	res.version++
	s.applied[env.ChangeID] = true

	s.logger.Info("change applied", "resource", id, "change_id", env.ChangeID, "fields", env.Fields, "version", res.token())
	w.Header().Set("ETag", res.token())
	writeJSON(w, http.StatusOK, transport.ResourceBody{ID: id, Fields: copyFields(res.fields)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, transport.ErrorBody{Error: fmt.Sprintf(format, args...)})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= 500 {
			level = slog.LevelError
		} else if rec.status >= 400 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
