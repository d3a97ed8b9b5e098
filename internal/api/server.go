package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/association"
	"github.com/linksmith/chrono-scraper-sub004/internal/config"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
	"github.com/linksmith/chrono-scraper-sub004/internal/monitor"
)

// Processor runs candidates and bulk commands.
type Processor interface {
	Submit(ctx context.Context, c archive.ScrapeCandidate) (archive.CandidateResult, error)
	Bulk(ctx context.Context, req archive.BulkRequest) ([]archive.BulkOutcome, error)
}

// Canceler cancels and resumes sessions and projects.
type Canceler interface {
	CancelSession(id string) int
	CancelProject(id string) int
	Resume(kind string, id string)
}

// Ingester drains candidates into the worker queue.
type Ingester interface {
	Ingest(ctx context.Context, src archive.CandidateSource) (int, error)
}

// Associations is the project association surface used by the handlers.
type Associations interface {
	Attach(ctx context.Context, projectID, pageID string) (archive.AttachResult, error)
	Detach(ctx context.Context, projectID, pageID string) error
	Update(ctx context.Context, projectID, pageID string, patch archive.AssociationPatch) (archive.Association, error)
	ListProjectPages(ctx context.Context, projectID string, q archive.FilterQuery) ([]association.ProjectPage, error)
	ProjectsForPage(ctx context.Context, pageID string) ([]string, error)
}

// Snapshotter produces monitor snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context) (monitor.Snapshot, error)
}

// Deps are the collaborators behind the HTTP surface. Ready is optional and
// reports downstream health for /readyz.
type Deps struct {
	Processor    Processor
	Scopes       Canceler
	Ingester     Ingester
	Pages        archive.PageStore
	Associations Associations
	Monitor      Snapshotter
	Ready        func(ctx context.Context) error
	Logger       *zap.Logger
}

// Server wires HTTP handlers to the pipeline and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

const (
	enqueueTimeout = 5 * time.Second
	maxBodyBytes   = 4 << 20
)

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/projects/{project_id}", func(r chi.Router) {
			r.Post("/candidates", s.submitCandidates)
			r.Post("/cancel", s.cancelProject)
			r.Post("/resume", s.resumeProject)
			r.Get("/pages", s.listProjectPages)
			r.Put("/pages/{page_id}", s.attachPage)
			r.Delete("/pages/{page_id}", s.detachPage)
			r.Patch("/pages/{page_id}", s.patchAssociation)
		})
		r.Post("/sessions/{session_id}/cancel", s.cancelSession)
		r.Post("/sessions/{session_id}/resume", s.resumeSession)
		r.Get("/pages", s.listPages)
		r.Get("/pages/{page_id}", s.getPage)
		r.Get("/stats/status-counts", s.statusCounts)
		r.Get("/stats/filter-categories", s.filterCategories)
		r.Get("/stats/priority-distribution", s.priorityDistribution)
		r.Get("/monitor", s.monitorSnapshot)
		r.Post("/bulk/{action}", s.bulk)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, archive.ErrValidation), errors.Is(err, archive.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status; server errors are logged and masked.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", archive.ErrValidation, err)
	}
	return nil
}
