// Package api exposes the lineage chain over HTTP for the route handlers
// that used to call the scripts directly. The chain core stays a library;
// this is a thin caller.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soulfra/lineage/internal/domain"
	"github.com/soulfra/lineage/internal/hasher"
	"github.com/soulfra/lineage/internal/payload"
	"github.com/soulfra/lineage/internal/store"
	"github.com/soulfra/lineage/internal/verify"
)

// Server handles HTTP requests for the lineage API.
type Server struct {
	store    *store.Store
	verifier *verify.Verifier
	logger   *slog.Logger
	addr     string
}

// New creates a new API server.
func New(s *store.Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    s,
		verifier: verify.New(s),
		logger:   logger,
		addr:     addr,
	}
}

// Handler builds the route table. Split from Run so tests can drive it with
// httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Post("/entries", s.appendEntry)
	r.Get("/entries/{hash}", s.getEntry)
	r.Get("/entries/{hash}/children", s.listChildren)
	r.Get("/entries/{hash}/verify", s.verifyEntry)
	r.Get("/roots", s.listRoots)
	r.Get("/verify", s.verifyAll)
	r.Get("/health", s.health)

	return r
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	s.logger.Info("starting server", slog.String("addr", s.addr))
	return http.ListenAndServe(s.addr, s.Handler())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AppendRequest is the request body for appending an entry.
type AppendRequest struct {
	Kind       string          `json:"kind"`
	Record     json.RawMessage `json:"record"`
	ParentHash string          `json:"parent_hash,omitempty"`
	CreatedAt  *time.Time      `json:"created_at,omitempty"`
}

func (s *Server) appendEntry(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	encoded, err := payload.Encode(req.Kind, req.Record)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	createdAt := time.Now().UTC()
	if req.CreatedAt != nil {
		createdAt = req.CreatedAt.UTC()
	}

	entry, created, err := s.store.Append(encoded, req.ParentHash, createdAt)
	switch {
	case errors.Is(err, domain.ErrUnknownParent):
		writeError(w, http.StatusUnprocessableEntity, "parent hash not present in store")
		return
	case err != nil:
		var encErr *domain.EncodingError
		if errors.As(err, &encErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Idempotent duplicate returns the stored entry with 200 instead of 201.
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, entry)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !hasher.ValidHash(hash) {
		writeError(w, http.StatusBadRequest, "malformed content hash")
		return
	}

	entry, err := s.store.Get(hash)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if _, err := s.store.Get(hash); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	children, err := s.store.Children(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"parent":   hash,
		"children": children,
	})
}

func (s *Server) listRoots(w http.ResponseWriter, r *http.Request) {
	roots, err := s.store.Roots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

func (s *Server) verifyEntry(w http.ResponseWriter, r *http.Request) {
	result, err := s.verifier.Verify(chi.URLParam(r, "hash"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) verifyAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.verifier.VerifyAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ok := 0
	for _, res := range results {
		if res.OK() {
			ok++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(results),
		"valid":   ok,
		"results": results,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
