package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

type candidateRequest struct {
	SessionID  string          `json:"session_id"`
	Candidates []candidateJSON `json:"candidates"`
}

type candidateJSON struct {
	SessionID     string    `json:"session_id"`
	URL           string    `json:"url"`
	CaptureTime   time.Time `json:"capture_time"`
	Digest        string    `json:"digest"`
	MimeType      string    `json:"mime_type"`
	Length        int64     `json:"length"`
	PriorityScore int       `json:"priority_score"`
}

// toCandidates validates the payload and stamps every candidate with the
// project and, unless overridden, the request session.
func (req candidateRequest) toCandidates(projectID string) ([]archive.ScrapeCandidate, error) {
	if len(req.Candidates) == 0 {
		return nil, fmt.Errorf("%w: candidates required", archive.ErrValidation)
	}
	out := make([]archive.ScrapeCandidate, 0, len(req.Candidates))
	for i, c := range req.Candidates {
		if strings.TrimSpace(c.URL) == "" {
			return nil, fmt.Errorf("%w: candidates[%d].url required", archive.ErrValidation, i)
		}
		if c.CaptureTime.IsZero() {
			return nil, fmt.Errorf("%w: candidates[%d].capture_time required", archive.ErrValidation, i)
		}
		session := c.SessionID
		if session == "" {
			session = req.SessionID
		}
		out = append(out, archive.ScrapeCandidate{
			ProjectID:     projectID,
			SessionID:     session,
			URL:           c.URL,
			CaptureTime:   c.CaptureTime,
			Digest:        c.Digest,
			MimeType:      c.MimeType,
			Length:        c.Length,
			PriorityScore: c.PriorityScore,
		})
	}
	return out, nil
}

// submitCandidates handles POST /v1/projects/{project_id}/candidates. By
// default candidates are queued for the worker pool and 202 is returned;
// with wait=true they run inline and the per-candidate results are returned.
func (s *Server) submitCandidates(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	wait := false
	if raw := r.URL.Query().Get("wait"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "wait must be a boolean")
			return
		}
		wait = v
	}

	var req candidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, "submit candidates", err)
		return
	}
	candidates, err := req.toCandidates(projectID)
	if err != nil {
		s.fail(w, "submit candidates", err)
		return
	}

	if wait {
		writeJSON(w, http.StatusOK, map[string]any{"results": s.runInline(r.Context(), candidates)})
		return
	}

	if s.deps.Ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "worker queue unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	n, err := s.deps.Ingester.Ingest(ctx, archive.NewSliceSource(candidates))
	if err != nil {
		s.logger.Error("enqueue candidates failed",
			zap.String("project_id", projectID),
			zap.Int("enqueued", n),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    "enqueue failed",
			"enqueued": n,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"project_id": projectID, "enqueued": n})
}

func (s *Server) runInline(ctx context.Context, candidates []archive.ScrapeCandidate) []archive.CandidateResult {
	results := make([]archive.CandidateResult, len(candidates))
	limit := s.cfg.Pipeline.BulkConcurrency
	if limit <= 0 {
		limit = 8
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, c := range candidates {
		g.Go(func() error {
			// Submit reports errors through the result as well.
			res, _ := s.deps.Processor.Submit(ctx, c)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "project_id")
	n := s.deps.Scopes.CancelProject(id)
	s.logger.Info("project canceled", zap.String("project_id", id), zap.Int("interrupted", n))
	writeJSON(w, http.StatusOK, map[string]any{"project_id": id, "interrupted": n})
}

func (s *Server) resumeProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "project_id")
	s.deps.Scopes.Resume("project", id)
	writeJSON(w, http.StatusOK, map[string]any{"project_id": id, "resumed": true})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	n := s.deps.Scopes.CancelSession(id)
	s.logger.Info("session canceled", zap.String("session_id", id), zap.Int("interrupted", n))
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "interrupted": n})
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	s.deps.Scopes.Resume("session", id)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "resumed": true})
}
