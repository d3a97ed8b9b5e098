package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
	readTimeout      = 5 * time.Second
)

var knownCategories = []archive.FilterCategory{
	archive.FilterDuplicate,
	archive.FilterListPage,
	archive.FilterSize,
	archive.FilterType,
	archive.FilterCustom,
	archive.FilterLowQuality,
}

// listPages handles GET /v1/pages?status=&category=&project_id=&captured_after=
// &captured_before=&min_priority=&overridden=&limit=&offset=.
func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	q, err := parseFilterQuery(r)
	if err != nil {
		s.fail(w, "list pages", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if projectID := strings.TrimSpace(r.URL.Query().Get("project_id")); projectID != "" {
		linked, err := s.deps.Associations.ListProjectPages(ctx, projectID, q)
		if err != nil {
			s.fail(w, "list pages", err)
			return
		}
		pages := make([]archive.SharedPage, 0, len(linked))
		for _, pp := range linked {
			pages = append(pages, pp.Page)
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
		return
	}

	pages, err := s.deps.Pages.ListPages(ctx, q)
	if err != nil {
		s.fail(w, "list pages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

// getPage handles GET /v1/pages/{page_id} and includes the sharing projects.
func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "page_id")
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	page, err := s.deps.Pages.GetPage(ctx, id)
	if err != nil {
		s.fail(w, "get page", err)
		return
	}
	projects, err := s.deps.Associations.ProjectsForPage(ctx, id)
	if err != nil {
		s.fail(w, "get page", err)
		return
	}
	if projects == nil {
		projects = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "projects": projects})
}

func (s *Server) statusCounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	counts, err := s.deps.Pages.StatusCounts(ctx)
	if err != nil {
		s.fail(w, "status counts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status_counts": counts})
}

func (s *Server) filterCategories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	counts, err := s.deps.Pages.FilterCategoryCounts(ctx)
	if err != nil {
		s.fail(w, "filter categories", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filter_categories": counts})
}

func (s *Server) priorityDistribution(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	dist, err := s.deps.Pages.PriorityDistribution(ctx)
	if err != nil {
		s.fail(w, "priority distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"priority_distribution": dist})
}

func (s *Server) monitorSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Monitor.Snapshot(r.Context())
	if err != nil {
		s.fail(w, "monitor snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type bulkRequest struct {
	PageIDs  []string `json:"page_ids"`
	Reason   string   `json:"reason"`
	Priority *int     `json:"priority"`
}

// bulk handles POST /v1/bulk/{action}. Malformed requests fail as a whole with
// 400; otherwise 200 carries one outcome per page id.
func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	action := archive.BulkAction(chi.URLParam(r, "action"))
	var body bulkRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.fail(w, "bulk", err)
		return
	}
	outcomes, err := s.deps.Processor.Bulk(r.Context(), archive.BulkRequest{
		Action:   action,
		PageIDs:  body.PageIDs,
		Reason:   body.Reason,
		Priority: body.Priority,
	})
	if err != nil {
		s.fail(w, "bulk", err)
		return
	}
	for _, o := range outcomes {
		result := "ok"
		if !o.OK {
			result = "error"
		}
		metrics.ObserveBulk(string(action), result)
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": action, "results": outcomes})
}

// parseFilterQuery turns query parameters into an immutable FilterQuery.
// Project scoping is resolved by the caller.
func parseFilterQuery(r *http.Request) (archive.FilterQuery, error) {
	values := r.URL.Query()
	var opts []archive.QueryOption

	if raw := splitList(values["status"]); len(raw) > 0 {
		statuses := make([]archive.PageStatus, 0, len(raw))
		for _, v := range raw {
			st := archive.PageStatus(v)
			if !st.Valid() {
				return archive.FilterQuery{}, fmt.Errorf("%w: unknown status %q", archive.ErrValidation, v)
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, archive.WithStatuses(statuses...))
	}
	if raw := splitList(values["category"]); len(raw) > 0 {
		categories := make([]archive.FilterCategory, 0, len(raw))
		for _, v := range raw {
			cat, ok := parseCategory(v)
			if !ok {
				return archive.FilterQuery{}, fmt.Errorf("%w: unknown filter category %q", archive.ErrValidation, v)
			}
			categories = append(categories, cat)
		}
		opts = append(opts, archive.WithFilterCategories(categories...))
	}
	after, err := parseTime(values.Get("captured_after"), "captured_after")
	if err != nil {
		return archive.FilterQuery{}, err
	}
	before, err := parseTime(values.Get("captured_before"), "captured_before")
	if err != nil {
		return archive.FilterQuery{}, err
	}
	if !after.IsZero() || !before.IsZero() {
		if !after.IsZero() && !before.IsZero() && !after.Before(before) {
			return archive.FilterQuery{}, fmt.Errorf("%w: captured_after must precede captured_before", archive.ErrValidation)
		}
		opts = append(opts, archive.WithCaptureRange(after, before))
	}

	if raw := values.Get("min_priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return archive.FilterQuery{}, fmt.Errorf("%w: min_priority must be an integer", archive.ErrValidation)
		}
		opts = append(opts, archive.WithMinPriority(p))
	}
	if raw := values.Get("overridden"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return archive.FilterQuery{}, fmt.Errorf("%w: overridden must be a boolean", archive.ErrValidation)
		}
		if v {
			opts = append(opts, archive.WithOverriddenOnly())
		}
	}

	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		return archive.FilterQuery{}, err
	}
	opts = append(opts, archive.WithPage(limit, offset))
	return archive.NewFilterQuery(opts...), nil
}

func parseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int, error) {
	limit := defLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", archive.ErrValidation)
		}
		limit = min(v, maxLimit)
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, fmt.Errorf("%w: offset must be >= 0", archive.ErrValidation)
		}
		offset = v
	}
	return limit, offset, nil
}

func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", archive.ErrValidation, name)
	}
	return t.UTC(), nil
}

func parseCategory(v string) (archive.FilterCategory, bool) {
	for _, c := range knownCategories {
		if string(c) == v {
			return c, true
		}
	}
	return archive.FilterNone, false
}

// splitList accepts both repeated parameters and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
