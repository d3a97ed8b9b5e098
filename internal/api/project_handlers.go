package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// listProjectPages handles GET /v1/projects/{project_id}/pages with the same
// filters as /v1/pages.
func (s *Server) listProjectPages(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project_id")
	q, err := parseFilterQuery(r)
	if err != nil {
		s.fail(w, "list project pages", err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	pages, err := s.deps.Associations.ListProjectPages(ctx, projectID, q)
	if err != nil {
		s.fail(w, "list project pages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "pages": pages})
}

// attachPage handles PUT; 201 when the link is new, 200 when it existed.
func (s *Server) attachPage(w http.ResponseWriter, r *http.Request) {
	projectID, pageID := chi.URLParam(r, "project_id"), chi.URLParam(r, "page_id")
	res, err := s.deps.Associations.Attach(r.Context(), projectID, pageID)
	if err != nil {
		s.fail(w, "attach page", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) detachPage(w http.ResponseWriter, r *http.Request) {
	projectID, pageID := chi.URLParam(r, "project_id"), chi.URLParam(r, "page_id")
	if err := s.deps.Associations.Detach(r.Context(), projectID, pageID); err != nil {
		s.fail(w, "detach page", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// patchAssociation handles PATCH with any of review_status, tags, is_starred.
func (s *Server) patchAssociation(w http.ResponseWriter, r *http.Request) {
	projectID, pageID := chi.URLParam(r, "project_id"), chi.URLParam(r, "page_id")
	var patch archive.AssociationPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.fail(w, "update association", err)
		return
	}
	a, err := s.deps.Associations.Update(r.Context(), projectID, pageID, patch)
	if err != nil {
		s.fail(w, "update association", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
