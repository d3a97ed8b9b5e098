package archive

import (
	"slices"
	"time"
)

// FilterQuery selects shared pages. It is immutable once built; getters return
// copies so callers cannot alter a query after it has been handed to a store.
type FilterQuery struct {
	statuses       []PageStatus
	categories     []FilterCategory
	projectID      string
	capturedAfter  time.Time
	capturedBefore time.Time
	minPriority    *int
	overriddenOnly bool
	limit          int
	offset         int
}

// QueryOption configures a FilterQuery.
type QueryOption func(*FilterQuery)

// NewFilterQuery builds a query from options.
func NewFilterQuery(opts ...QueryOption) FilterQuery {
	var q FilterQuery
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// WithStatuses restricts the query to the given statuses.
func WithStatuses(statuses ...PageStatus) QueryOption {
	return func(q *FilterQuery) {
		q.statuses = append([]PageStatus(nil), statuses...)
	}
}

// WithFilterCategories restricts the query to pages held by the given categories.
func WithFilterCategories(categories ...FilterCategory) QueryOption {
	return func(q *FilterQuery) {
		q.categories = append([]FilterCategory(nil), categories...)
	}
}

// WithProject restricts the query to pages associated with projectID.
func WithProject(projectID string) QueryOption {
	return func(q *FilterQuery) {
		q.projectID = projectID
	}
}

// WithCaptureRange restricts capture time to [after, before). Zero bounds are open.
func WithCaptureRange(after, before time.Time) QueryOption {
	return func(q *FilterQuery) {
		q.capturedAfter = after
		q.capturedBefore = before
	}
}

// WithMinPriority keeps pages whose priority is at least p.
func WithMinPriority(p int) QueryOption {
	return func(q *FilterQuery) {
		q.minPriority = &p
	}
}

// WithOverriddenOnly keeps only manually overridden pages.
func WithOverriddenOnly() QueryOption {
	return func(q *FilterQuery) {
		q.overriddenOnly = true
	}
}

// WithPage sets limit and offset.
func WithPage(limit, offset int) QueryOption {
	return func(q *FilterQuery) {
		if limit > 0 {
			q.limit = limit
		}
		if offset > 0 {
			q.offset = offset
		}
	}
}

// Statuses returns the status filter.
func (q FilterQuery) Statuses() []PageStatus { return slices.Clone(q.statuses) }

// FilterCategories returns the category filter.
func (q FilterQuery) FilterCategories() []FilterCategory { return slices.Clone(q.categories) }

// ProjectID returns the project filter.
func (q FilterQuery) ProjectID() string { return q.projectID }

// CaptureRange returns the capture-time bounds.
func (q FilterQuery) CaptureRange() (after, before time.Time) {
	return q.capturedAfter, q.capturedBefore
}

// MinPriority returns the priority floor, if set.
func (q FilterQuery) MinPriority() (int, bool) {
	if q.minPriority == nil {
		return 0, false
	}
	return *q.minPriority, true
}

// OverriddenOnly reports whether only overridden pages are selected.
func (q FilterQuery) OverriddenOnly() bool { return q.overriddenOnly }

// Limit returns the page size; zero means unlimited.
func (q FilterQuery) Limit() int { return q.limit }

// Offset returns the number of matches to skip.
func (q FilterQuery) Offset() int { return q.offset }

// Matches reports whether page satisfies every predicate except project
// membership, which the association layer resolves.
func (q FilterQuery) Matches(page SharedPage) bool {
	if len(q.statuses) > 0 && !slices.Contains(q.statuses, page.Status) {
		return false
	}
	if len(q.categories) > 0 && !slices.Contains(q.categories, page.FilterCategory) {
		return false
	}
	if !q.capturedAfter.IsZero() && page.CaptureTime.Before(q.capturedAfter) {
		return false
	}
	if !q.capturedBefore.IsZero() && !page.CaptureTime.Before(q.capturedBefore) {
		return false
	}
	if q.minPriority != nil && page.PriorityScore < *q.minPriority {
		return false
	}
	if q.overriddenOnly && !page.IsManuallyOverridden {
		return false
	}
	return true
}

// Paginate applies offset and limit to an already filtered slice.
func Paginate[T any](items []T, q FilterQuery) []T {
	if q.offset >= len(items) {
		return []T{}
	}
	items = items[q.offset:]
	if q.limit > 0 && q.limit < len(items) {
		items = items[:q.limit]
	}
	return items
}
