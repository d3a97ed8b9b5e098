// Package association owns the project to shared-page links and each
// project's private review metadata.
package association

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
)

// Layer is the only writer of associations.
type Layer struct {
	store  archive.AssociationStore
	pages  archive.PageStore
	clock  archive.Clock
	events events.Emitter
	logger *zap.Logger
}

// New constructs a Layer.
func New(store archive.AssociationStore, pages archive.PageStore, clock archive.Clock, emitter events.Emitter, logger *zap.Logger) *Layer {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{store: store, pages: pages, clock: clock, events: emitter, logger: logger.Named("association")}
}

// Attach links projectID to pageID. It is idempotent: a repeat attach returns
// the existing link with Created=false.
func (l *Layer) Attach(ctx context.Context, projectID, pageID string) (archive.AttachResult, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(pageID) == "" {
		return archive.AttachResult{}, fmt.Errorf("%w: project and page ids are required", archive.ErrValidation)
	}
	if _, err := l.pages.GetPage(ctx, pageID); err != nil {
		return archive.AttachResult{}, fmt.Errorf("attach %s: %w", pageID, err)
	}
	res, err := l.store.Attach(ctx, projectID, pageID, l.clock.Now())
	if err != nil {
		return archive.AttachResult{}, fmt.Errorf("attach %s/%s: %w", projectID, pageID, persistence(err))
	}
	if res.Created {
		if res.ShareCount > 1 {
			metrics.ObserveSharing()
		}
		l.events.Emit(events.Event{Kind: events.KindAttached, PageID: pageID, ProjectID: projectID})
		l.logger.Debug("attached page", zap.String("project_id", projectID), zap.String("page_id", pageID), zap.Int("share_count", res.ShareCount))
	}
	return res, nil
}

// Detach removes a link; the shared page is never deleted.
func (l *Layer) Detach(ctx context.Context, projectID, pageID string) error {
	if err := l.store.Detach(ctx, projectID, pageID); err != nil {
		return fmt.Errorf("detach %s/%s: %w", projectID, pageID, persistence(err))
	}
	l.events.Emit(events.Event{Kind: events.KindDetached, PageID: pageID, ProjectID: projectID})
	return nil
}

// Get returns one link.
func (l *Layer) Get(ctx context.Context, projectID, pageID string) (archive.Association, error) {
	a, err := l.store.Get(ctx, projectID, pageID)
	if err != nil {
		return archive.Association{}, fmt.Errorf("get %s/%s: %w", projectID, pageID, persistence(err))
	}
	return a, nil
}

// SetReviewStatus records a project's judgment of a page.
func (l *Layer) SetReviewStatus(ctx context.Context, projectID, pageID string, status archive.ReviewStatus) (archive.Association, error) {
	return l.Update(ctx, projectID, pageID, archive.AssociationPatch{ReviewStatus: &status})
}

// SetTags replaces a project's tags on a page.
func (l *Layer) SetTags(ctx context.Context, projectID, pageID string, tags []string) (archive.Association, error) {
	return l.Update(ctx, projectID, pageID, archive.AssociationPatch{Tags: &tags})
}

// SetStarred flags or unflags a page for a project.
func (l *Layer) SetStarred(ctx context.Context, projectID, pageID string, starred bool) (archive.Association, error) {
	return l.Update(ctx, projectID, pageID, archive.AssociationPatch{IsStarred: &starred})
}

// Update validates and applies a patch. Tags are normalized before storage.
func (l *Layer) Update(ctx context.Context, projectID, pageID string, patch archive.AssociationPatch) (archive.Association, error) {
	if patch.ReviewStatus == nil && patch.Tags == nil && patch.IsStarred == nil {
		return archive.Association{}, fmt.Errorf("%w: empty patch", archive.ErrValidation)
	}
	if patch.ReviewStatus != nil && !patch.ReviewStatus.Valid() {
		return archive.Association{}, fmt.Errorf("%w: unknown review status %q", archive.ErrValidation, *patch.ReviewStatus)
	}
	if patch.Tags != nil {
		tags := NormalizeTags(*patch.Tags)
		patch.Tags = &tags
	}
	a, err := l.store.Update(ctx, projectID, pageID, patch, l.clock.Now())
	if err != nil {
		return archive.Association{}, fmt.Errorf("update %s/%s: %w", projectID, pageID, persistence(err))
	}
	return a, nil
}

// ProjectPage is a shared page as seen by one project.
type ProjectPage struct {
	Page        archive.SharedPage  `json:"page"`
	Association archive.Association `json:"association"`
}

// ListProjectPages returns a project's pages matching q, newest link first.
func (l *Layer) ListProjectPages(ctx context.Context, projectID string, q archive.FilterQuery) ([]ProjectPage, error) {
	links, err := l.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", projectID, persistence(err))
	}
	out := make([]ProjectPage, 0, len(links))
	for _, link := range links {
		page, err := l.pages.GetPage(ctx, link.SharedPageID)
		if err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				l.logger.Warn("association points at missing page", zap.String("page_id", link.SharedPageID))
				continue
			}
			return nil, fmt.Errorf("list %s: %w", projectID, persistence(err))
		}
		if q.Matches(page) {
			out = append(out, ProjectPage{Page: page, Association: link})
		}
	}
	return archive.Paginate(out, q), nil
}

// ProjectsForPage lists the projects sharing a page.
func (l *Layer) ProjectsForPage(ctx context.Context, pageID string) ([]string, error) {
	ids, err := l.store.ProjectsForPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("projects for %s: %w", pageID, persistence(err))
	}
	return ids, nil
}

// Stats summarises sharing across all projects.
func (l *Layer) Stats(ctx context.Context) (archive.AssociationStats, error) {
	st, err := l.store.Stats(ctx)
	if err != nil {
		return archive.AssociationStats{}, fmt.Errorf("association stats: %w", persistence(err))
	}
	return st, nil
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// persistence tags unexpected store errors; not-found and validation pass through.
func persistence(err error) error {
	switch {
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrValidation), errors.Is(err, archive.ErrPersistence):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", archive.ErrPersistence, err)
	}
}
