package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// AssociationStore keeps project to page links keyed by page then project.
type AssociationStore struct {
	mu    sync.RWMutex
	links map[string]map[string]archive.Association
}

// NewAssociationStore constructs an AssociationStore.
func NewAssociationStore() *AssociationStore {
	return &AssociationStore{links: make(map[string]map[string]archive.Association)}
}

// Attach links projectID to pageID. Attaching twice returns the existing link.
func (s *AssociationStore) Attach(_ context.Context, projectID, pageID string, now time.Time) (archive.AttachResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byProject, ok := s.links[pageID]
	if !ok {
		byProject = make(map[string]archive.Association)
		s.links[pageID] = byProject
	}
	if existing, ok := byProject[projectID]; ok {
		return archive.AttachResult{Association: cloneAssociation(existing), ShareCount: len(byProject)}, nil
	}
	assoc := archive.Association{
		ProjectID:    projectID,
		SharedPageID: pageID,
		ReviewStatus: archive.ReviewUnreviewed,
		Tags:         []string{},
		AddedAt:      now,
		UpdatedAt:    now,
	}
	byProject[projectID] = assoc
	return archive.AttachResult{Association: cloneAssociation(assoc), Created: true, ShareCount: len(byProject)}, nil
}

// Detach removes the link. The page itself is untouched.
func (s *AssociationStore) Detach(_ context.Context, projectID, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byProject, ok := s.links[pageID]
	if !ok {
		return fmt.Errorf("association %s/%s: %w", projectID, pageID, archive.ErrNotFound)
	}
	if _, ok := byProject[projectID]; !ok {
		return fmt.Errorf("association %s/%s: %w", projectID, pageID, archive.ErrNotFound)
	}
	delete(byProject, projectID)
	if len(byProject) == 0 {
		delete(s.links, pageID)
	}
	return nil
}

// Get returns one link.
func (s *AssociationStore) Get(_ context.Context, projectID, pageID string) (archive.Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assoc, ok := s.links[pageID][projectID]
	if !ok {
		return archive.Association{}, fmt.Errorf("association %s/%s: %w", projectID, pageID, archive.ErrNotFound)
	}
	return cloneAssociation(assoc), nil
}

// Update applies the non-nil fields of patch.
func (s *AssociationStore) Update(_ context.Context, projectID, pageID string, patch archive.AssociationPatch, now time.Time) (archive.Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assoc, ok := s.links[pageID][projectID]
	if !ok {
		return archive.Association{}, fmt.Errorf("association %s/%s: %w", projectID, pageID, archive.ErrNotFound)
	}
	if patch.ReviewStatus != nil {
		assoc.ReviewStatus = *patch.ReviewStatus
	}
	if patch.Tags != nil {
		assoc.Tags = append([]string{}, (*patch.Tags)...)
	}
	if patch.IsStarred != nil {
		assoc.IsStarred = *patch.IsStarred
	}
	assoc.UpdatedAt = now
	s.links[pageID][projectID] = assoc
	return cloneAssociation(assoc), nil
}

// ListByProject returns a project's links, newest first.
func (s *AssociationStore) ListByProject(_ context.Context, projectID string) ([]archive.Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.Association, 0)
	for _, byProject := range s.links {
		if assoc, ok := byProject[projectID]; ok {
			out = append(out, cloneAssociation(assoc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].SharedPageID < out[j].SharedPageID
		}
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out, nil
}

// ProjectsForPage lists the projects sharing pageID, sorted.
func (s *AssociationStore) ProjectsForPage(_ context.Context, pageID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.links[pageID]))
	for projectID := range s.links[pageID] {
		out = append(out, projectID)
	}
	sort.Strings(out)
	return out, nil
}

// Stats summarises the link table.
func (s *AssociationStore) Stats(_ context.Context) (archive.AssociationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st archive.AssociationStats
	for _, byProject := range s.links {
		n := int64(len(byProject))
		if n == 0 {
			continue
		}
		st.DistinctPages++
		st.TotalAssociations += n
		st.SharedBeyondFirst += n - 1
	}
	return st, nil
}

func cloneAssociation(a archive.Association) archive.Association {
	a.Tags = append([]string{}, a.Tags...)
	return a
}
