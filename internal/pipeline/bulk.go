package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
)

// Bulk applies req to every page ID independently. One page failing never
// affects the others; outcomes are returned in request order.
func (p *Pipeline) Bulk(ctx context.Context, req archive.BulkRequest) ([]archive.BulkOutcome, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown bulk action %q", archive.ErrValidation, req.Action)
	}
	if len(req.PageIDs) == 0 {
		return nil, fmt.Errorf("%w: page_ids is empty", archive.ErrValidation)
	}
	if req.Action == archive.BulkSetPriority && req.Priority == nil {
		return nil, fmt.Errorf("%w: set-priority needs a priority", archive.ErrValidation)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.Bulk")
	defer span.End()

	outcomes := make([]archive.BulkOutcome, len(req.PageIDs))
	var g errgroup.Group
	g.SetLimit(p.cfg.BulkConcurrency)
	for i, id := range req.PageIDs {
		g.Go(func() error {
			outcomes[i] = p.bulkOne(ctx, req, strings.TrimSpace(id))
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, o := range outcomes {
		if o.OK {
			ok++
		}
	}
	p.logger.Info("bulk action applied",
		zap.String("action", string(req.Action)),
		zap.Int("requested", len(req.PageIDs)),
		zap.Int("succeeded", ok),
	)
	return outcomes, nil
}

func (p *Pipeline) bulkOne(ctx context.Context, req archive.BulkRequest, id string) archive.BulkOutcome {
	out := archive.BulkOutcome{PageID: id}
	page, err := p.applyBulk(ctx, req, id)
	if err != nil {
		out.Error = err.Error()
		out.Reason = bulkReason(err)
		out.Status = page.Status
		metrics.ObserveBulk(string(req.Action), "error")
		return out
	}
	out.OK = true
	out.Status = page.Status
	metrics.ObserveBulk(string(req.Action), "ok")
	return out
}

func bulkReason(err error) string {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		return "not_found"
	case errors.Is(err, archive.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, archive.ErrMaxRetries):
		return "max_retries"
	case errors.Is(err, archive.ErrValidation):
		return "validation"
	default:
		return "error"
	}
}

func (p *Pipeline) applyBulk(ctx context.Context, req archive.BulkRequest, id string) (archive.SharedPage, error) {
	if id == "" {
		return archive.SharedPage{}, fmt.Errorf("%w: empty page id", archive.ErrValidation)
	}
	page, err := p.deps.Pages.GetPage(ctx, id)
	if err != nil {
		return archive.SharedPage{}, err
	}
	switch req.Action {
	case archive.BulkSetPriority:
		return p.deps.Pages.SetPriority(ctx, id, *req.Priority)
	case archive.BulkSkip:
		return p.skip(ctx, page, req.Reason)
	case archive.BulkRetry:
		return p.Retry(ctx, page)
	case archive.BulkOverrideFilter:
		return p.override(ctx, page, req.Reason)
	case archive.BulkRestoreFilter:
		return p.restore(ctx, page)
	case archive.BulkManualProcess:
		return p.ManualProcess(ctx, page, req.Reason)
	default:
		return page, fmt.Errorf("%w: unknown bulk action %q", archive.ErrValidation, req.Action)
	}
}

func (p *Pipeline) skip(ctx context.Context, page archive.SharedPage, reason string) (archive.SharedPage, error) {
	skipped, err := p.deps.Pages.UpdateStatus(ctx, page.ID, archive.StatusUpdate{
		To:           archive.StatusSkipped,
		Cause:        archive.CauseManual,
		ManualReason: reason,
	})
	if err != nil {
		return page, err
	}
	p.emit(events.KindSkipped, skipped, archive.ScrapeCandidate{}, reason)
	return skipped, nil
}

// Retry moves a failed page back to pending and reprocesses it with filters.
func (p *Pipeline) Retry(ctx context.Context, page archive.SharedPage) (archive.SharedPage, error) {
	if page.Status != archive.StatusFailed {
		return page, fmt.Errorf("%w: retry needs a failed page, got %s", archive.ErrInvalidTransition, page.Status)
	}
	if p.cfg.MaxRetries > 0 && page.RetryCount >= p.cfg.MaxRetries {
		return page, fmt.Errorf("%w: %d of %d used", archive.ErrMaxRetries, page.RetryCount, p.cfg.MaxRetries)
	}
	pending, err := p.deps.Pages.UpdateStatus(ctx, page.ID, archive.StatusUpdate{To: archive.StatusPending, Cause: archive.CauseRetry})
	if err != nil {
		return page, err
	}
	return p.process(ctx, pending, candidateFromPage(pending), processOptions{cause: archive.CauseRetry})
}

func (p *Pipeline) override(ctx context.Context, page archive.SharedPage, reason string) (archive.SharedPage, error) {
	if !page.Status.IsHeld() {
		return page, fmt.Errorf("%w: override needs a filtered page, got %s", archive.ErrInvalidTransition, page.Status)
	}
	approved, err := p.deps.Pages.UpdateStatus(ctx, page.ID, archive.StatusUpdate{
		To:           archive.StatusManuallyApproved,
		Cause:        archive.CauseManual,
		ManualReason: reason,
	})
	if err != nil {
		return page, err
	}
	p.emit(events.KindOverridden, approved, archive.ScrapeCandidate{}, reason)
	return approved, nil
}

func (p *Pipeline) restore(ctx context.Context, page archive.SharedPage) (archive.SharedPage, error) {
	if page.Status != archive.StatusManuallyApproved || page.FilteredStatus == "" {
		return page, fmt.Errorf("%w: only manually approved pages can be restored, got %s", archive.ErrInvalidTransition, page.Status)
	}
	restored, err := p.deps.Pages.UpdateStatus(ctx, page.ID, archive.StatusUpdate{
		To:    page.FilteredStatus,
		Cause: archive.CauseManual,
	})
	if err != nil {
		return page, err
	}
	p.emit(events.KindRestored, restored, archive.ScrapeCandidate{}, "")
	return restored, nil
}

// ManualProcess overrides a held page (if needed) and processes it with
// filters bypassed.
func (p *Pipeline) ManualProcess(ctx context.Context, page archive.SharedPage, reason string) (archive.SharedPage, error) {
	if page.Status != archive.StatusManuallyApproved {
		approved, err := p.override(ctx, page, reason)
		if err != nil {
			return approved, err
		}
		page = approved
	}
	return p.process(ctx, page, candidateFromPage(page), processOptions{cause: archive.CauseManual, bypassFilters: true})
}

// candidateFromPage rebuilds filter input for reprocessing a stored page.
func candidateFromPage(page archive.SharedPage) archive.ScrapeCandidate {
	return archive.ScrapeCandidate{
		URL:           page.URL,
		CaptureTime:   page.CaptureTime,
		Digest:        page.ContentDigest,
		MimeType:      page.ContentType,
		PriorityScore: page.PriorityScore,
	}
}
