// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// PageStore keeps shared pages in a map guarded by a RWMutex. Status updates
// are validated and applied under the write lock.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]archive.SharedPage
	order []string
	clock archive.Clock
}

// NewPageStore constructs a PageStore. A nil clock uses the wall clock.
func NewPageStore(clock archive.Clock) *PageStore {
	if clock == nil {
		clock = utcClock{}
	}
	return &PageStore{
		pages: make(map[string]archive.SharedPage),
		clock: clock,
	}
}

// insert is only called by Registry while it holds its own lock.
func (s *PageStore) insert(page archive.SharedPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; exists {
		return fmt.Errorf("%w: page %s already exists", archive.ErrPersistence, page.ID)
	}
	s.pages[page.ID] = page
	s.order = append(s.order, page.ID)
	return nil
}

func (s *PageStore) setDigest(id, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok || page.ContentDigest != "" {
		return
	}
	page.ContentDigest = digest
	s.pages[id] = page
}

// GetPage returns the page with id.
func (s *PageStore) GetPage(_ context.Context, id string) (archive.SharedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[id]
	if !ok {
		return archive.SharedPage{}, fmt.Errorf("page %s: %w", id, archive.ErrNotFound)
	}
	return page, nil
}

// UpdateStatus applies upd atomically.
func (s *PageStore) UpdateStatus(_ context.Context, id string, upd archive.StatusUpdate) (archive.SharedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return archive.SharedPage{}, fmt.Errorf("page %s: %w", id, archive.ErrNotFound)
	}
	next, err := archive.ApplyStatusUpdate(page, upd, s.clock.Now())
	if err != nil {
		return page, fmt.Errorf("page %s: %w", id, err)
	}
	s.pages[id] = next
	return next, nil
}

// SetPriority updates the priority score regardless of status.
func (s *PageStore) SetPriority(_ context.Context, id string, priority int) (archive.SharedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[id]
	if !ok {
		return archive.SharedPage{}, fmt.Errorf("page %s: %w", id, archive.ErrNotFound)
	}
	page.PriorityScore = priority
	page.UpdatedAt = s.clock.Now()
	s.pages[id] = page
	return page, nil
}

// ListPages returns pages matching q in creation order. Project membership is
// resolved by the association layer, not here.
func (s *PageStore) ListPages(_ context.Context, q archive.FilterQuery) ([]archive.SharedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]archive.SharedPage, 0)
	for _, id := range s.order {
		page := s.pages[id]
		if q.Matches(page) {
			out = append(out, page)
		}
	}
	return archive.Paginate(out, q), nil
}

// ListStuck returns in_progress pages started before the cutoff and pending
// pages untouched since it, oldest first.
func (s *PageStore) ListStuck(_ context.Context, startedBefore time.Time) ([]archive.StuckPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []archive.StuckPage
	for _, page := range s.pages {
		if isStuck(page, startedBefore) {
			out = append(out, archive.StuckPage{ID: page.ID, Status: page.Status, Since: stuckSince(page)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Since.Before(out[j].Since)
	})
	return out, nil
}

func isStuck(page archive.SharedPage, before time.Time) bool {
	switch page.Status {
	case archive.StatusInProgress:
		return page.ProcessingStartedAt != nil && page.ProcessingStartedAt.Before(before)
	case archive.StatusPending:
		return page.UpdatedAt.Before(before)
	default:
		return false
	}
}

func stuckSince(page archive.SharedPage) time.Time {
	if page.Status == archive.StatusInProgress {
		return *page.ProcessingStartedAt
	}
	return page.UpdatedAt
}

// StatusCounts returns the number of pages per status.
func (s *PageStore) StatusCounts(_ context.Context) (map[archive.PageStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[archive.PageStatus]int64)
	for _, page := range s.pages {
		out[page.Status]++
	}
	return out, nil
}

// FilterCategoryCounts counts pages currently held by each filter category.
func (s *PageStore) FilterCategoryCounts(_ context.Context) (map[archive.FilterCategory]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[archive.FilterCategory]int64)
	for _, page := range s.pages {
		if page.FilterCategory != archive.FilterNone && page.Status.IsHeld() {
			out[page.FilterCategory]++
		}
	}
	return out, nil
}

// PriorityDistribution counts pages per priority score.
func (s *PageStore) PriorityDistribution(_ context.Context) (map[int]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]int64)
	for _, page := range s.pages {
		out[page.PriorityScore]++
	}
	return out, nil
}

// CountStuck counts the pages ListStuck would return.
func (s *PageStore) CountStuck(_ context.Context, startedBefore time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, page := range s.pages {
		if isStuck(page, startedBefore) {
			n++
		}
	}
	return n, nil
}

// ErrorWindow counts pages finished since the cutoff and how many of them failed.
func (s *PageStore) ErrorWindow(_ context.Context, since time.Time) (archive.ErrorWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var w archive.ErrorWindow
	for _, page := range s.pages {
		if page.FinishedAt == nil || page.FinishedAt.Before(since) {
			continue
		}
		w.Finished++
		if page.Status == archive.StatusFailed {
			w.Failed++
		}
	}
	return w, nil
}
