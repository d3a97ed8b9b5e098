package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/extract"
	"github.com/linksmith/chrono-scraper-sub004/internal/filter"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
)

type processOptions struct {
	cause         archive.TransitionCause
	bypassFilters bool
}

// process moves a claimed page through filtering and fetching to a resting
// status. A non-nil error means the page store could not be updated or the
// context was canceled; everything else is recorded on the page itself.
func (p *Pipeline) process(ctx context.Context, page archive.SharedPage, c archive.ScrapeCandidate, opts processOptions) (archive.SharedPage, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()

	started, err := p.deps.Pages.UpdateStatus(ctx, page.ID, archive.StatusUpdate{To: archive.StatusInProgress, Cause: opts.cause})
	if err != nil {
		err = fmt.Errorf("start %s: %w", page.ID, err)
		if page.Status == archive.StatusPending && !errors.Is(err, archive.ErrInvalidTransition) {
			page = p.abandon(ctx, page, c, err)
		}
		return page, err
	}
	page = started

	var subject filter.Subject
	if !opts.bypassFilters {
		subject, err = filter.NewSubject(page.NormalizedURL, c)
		if err != nil {
			p.logger.Warn("filter subject unavailable", zap.String("page_id", page.ID), zap.Error(err))
			opts.bypassFilters = true
		}
	}
	if !opts.bypassFilters {
		if d := p.deps.Filters.Evaluate(filter.StagePre, subject); d.Matched {
			return p.hold(ctx, page, c, d, filter.StagePre, nil)
		}
	}

	resp, err := p.fetch(ctx, page)
	if err != nil {
		if cause := p.canceled(ctx); cause != nil {
			// the scope is gone; record the failure on a context that outlives it
			failed, ferr := p.fail(context.WithoutCancel(ctx), page, c, "fetch canceled: "+cause.Error(), nil)
			if ferr != nil {
				p.logger.Warn("mark canceled page failed", zap.String("page_id", page.ID), zap.Error(ferr))
				return page, cause
			}
			return failed, cause
		}
		p.counters.fetchErrors.Add(1)
		var partial *archive.PageContent
		var fe *archive.FetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			partial = &archive.PageContent{HTTPStatus: fe.StatusCode}
		}
		return p.fail(ctx, page, c, err.Error(), partial)
	}

	content, err := p.persist(ctx, page, resp)
	if err != nil {
		if cause := p.canceled(ctx); cause != nil {
			failed, ferr := p.fail(context.WithoutCancel(ctx), page, c, "persist canceled: "+cause.Error(), nil)
			if ferr != nil {
				return page, cause
			}
			return failed, cause
		}
		return p.fail(ctx, page, c, err.Error(), &archive.PageContent{HTTPStatus: resp.StatusCode})
	}
	if err := p.deps.Registry.AttachDigest(ctx, page.IdentityKey, content.Digest); err != nil {
		p.logger.Warn("attach digest", zap.String("page_id", page.ID), zap.Error(err))
	}

	if !opts.bypassFilters {
		subject.ObservedType = content.ContentType
		subject.ObservedLength = content.ContentLength
		subject.WordCount = content.WordCount
		if d := p.deps.Filters.Evaluate(filter.StagePost, subject); d.Matched {
			return p.hold(ctx, page, c, d, filter.StagePost, &content)
		}
	}

	done, applied, err := p.update(ctx, page, archive.StatusUpdate{To: archive.StatusCompleted, Cause: archive.CauseProcessing, Content: &content})
	if err != nil {
		return page, err
	}
	if applied {
		p.counters.completed.Add(1)
		p.emit(events.KindCompleted, done, c, "")
	}
	return done, nil
}

func (p *Pipeline) hold(ctx context.Context, page archive.SharedPage, c archive.ScrapeCandidate, d filter.Decision, stage filter.Stage, content *archive.PageContent) (archive.SharedPage, error) {
	held, applied, err := p.update(ctx, page, archive.StatusUpdate{
		To:             d.Status,
		Cause:          archive.CauseProcessing,
		FilterCategory: d.Category,
		FilterReason:   d.Reason,
		Content:        content,
	})
	if err != nil {
		return page, err
	}
	if !applied {
		return held, nil
	}
	p.counters.addFiltered(d.Category)
	metrics.ObserveFiltered(string(d.Category), stage.String())
	p.emit(events.KindFiltered, held, c, d.Reason)
	p.logger.Debug("page filtered",
		zap.String("page_id", page.ID),
		zap.String("rule", d.Rule),
		zap.String("status", string(held.Status)),
		zap.String("reason", d.Reason),
	)
	return held, nil
}

func (p *Pipeline) fail(ctx context.Context, page archive.SharedPage, c archive.ScrapeCandidate, msg string, content *archive.PageContent) (archive.SharedPage, error) {
	failed, applied, err := p.update(ctx, page, archive.StatusUpdate{
		To:           archive.StatusFailed,
		Cause:        archive.CauseProcessing,
		ErrorMessage: msg,
		Content:      content,
	})
	if err != nil {
		return page, err
	}
	if !applied {
		return failed, nil
	}
	p.counters.failed.Add(1)
	p.emit(events.KindFailed, failed, c, msg)
	p.logger.Info("page failed", zap.String("page_id", page.ID), zap.String("error", msg))
	return failed, nil
}

// abandon fails a claimed page whose processing never started, so retry and
// the sweeper can reach it. If that write fails too the sweeper picks the
// page up once it has been pending past the processing limit.
func (p *Pipeline) abandon(ctx context.Context, page archive.SharedPage, c archive.ScrapeCandidate, cause error) archive.SharedPage {
	msg := "start failed: " + cause.Error()
	failed, err := p.deps.Pages.UpdateStatus(context.WithoutCancel(ctx), page.ID, archive.StatusUpdate{
		To:           archive.StatusFailed,
		Cause:        archive.CauseProcessing,
		From:         archive.StatusPending,
		ErrorMessage: msg,
	})
	if err != nil {
		p.logger.Warn("mark unstarted page failed", zap.String("page_id", page.ID), zap.Error(err))
		return page
	}
	p.counters.failed.Add(1)
	p.emit(events.KindFailed, failed, c, msg)
	return failed
}

// update applies upd. Writes for an in_progress page are tied to its current
// processing attempt. If another actor already moved the page (the stuck
// sweeper, a manual skip, a newer attempt) the current page is returned
// instead of an error, with applied false.
func (p *Pipeline) update(ctx context.Context, page archive.SharedPage, upd archive.StatusUpdate) (archive.SharedPage, bool, error) {
	if page.Status == archive.StatusInProgress && upd.StartedAt == nil {
		upd.StartedAt = page.ProcessingStartedAt
	}
	updated, err := p.deps.Pages.UpdateStatus(ctx, page.ID, upd)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, archive.ErrInvalidTransition) {
		return page, false, fmt.Errorf("update %s to %s: %w", page.ID, upd.To, err)
	}
	current, gerr := p.deps.Pages.GetPage(ctx, page.ID)
	if gerr != nil {
		return page, false, fmt.Errorf("reload %s: %w", page.ID, gerr)
	}
	p.logger.Warn("page moved concurrently",
		zap.String("page_id", page.ID),
		zap.String("wanted", string(upd.To)),
		zap.String("current", string(current.Status)),
	)
	return current, false, nil
}

// fetch retrieves the capture with retries, then optionally promotes it to a
// headless render.
func (p *Pipeline) fetch(ctx context.Context, page archive.SharedPage) (archive.FetchResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch")
	defer span.End()

	req := archive.FetchRequest{PageID: page.ID, URL: page.URL, CaptureTime: page.CaptureTime}
	for attempt := 1; ; attempt++ {
		if p.deps.Limiter != nil {
			if err := p.deps.Limiter.Wait(ctx, page.URL); err != nil {
				return archive.FetchResponse{}, err
			}
		}
		p.counters.fetches.Add(1)
		resp, err := p.attempt(ctx, p.deps.Fetcher, req)
		if err == nil {
			metrics.ObserveFetch(page.URL, "ok", resp.Duration)
			return p.promote(ctx, req, resp), nil
		}
		metrics.ObserveFetch(page.URL, "error", resp.Duration)
		if ctx.Err() != nil {
			return archive.FetchResponse{}, ctx.Err()
		}
		if !p.deps.Retry.ShouldRetry(err, attempt) {
			return archive.FetchResponse{}, err
		}
		wait := p.deps.Retry.Backoff(attempt)
		p.logger.Debug("retrying fetch", zap.String("page_id", page.ID), zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if err := sleepCtx(ctx, wait); err != nil {
			return archive.FetchResponse{}, err
		}
	}
}

// attempt runs one bounded fetch and turns non-2xx responses into FetchErrors.
func (p *Pipeline) attempt(ctx context.Context, f archive.Fetcher, req archive.FetchRequest) (archive.FetchResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := f.Fetch(attemptCtx, req)
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return resp, &archive.FetchError{URL: req.URL, Retryable: true, Err: err}
		}
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &archive.FetchError{
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
	return resp, nil
}

func (p *Pipeline) promote(ctx context.Context, req archive.FetchRequest, probe archive.FetchResponse) archive.FetchResponse {
	if p.deps.Headless == nil || p.deps.Promoter == nil || !p.deps.Promoter.ShouldPromote(probe) {
		return probe
	}
	resp, err := p.attempt(ctx, p.deps.Headless, req)
	if err != nil {
		p.logger.Warn("headless render failed; keeping probe", zap.String("page_id", req.PageID), zap.Error(err))
		metrics.ObserveFetch(req.URL, "headless_error", resp.Duration)
		return probe
	}
	metrics.ObserveFetch(req.URL, "headless_ok", resp.Duration)
	return resp
}

// persist hashes the body, writes it content-addressed to the blob store and
// extracts metadata.
func (p *Pipeline) persist(ctx context.Context, page archive.SharedPage, resp archive.FetchResponse) (archive.PageContent, error) {
	digest, err := p.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return archive.PageContent{}, fmt.Errorf("hash body: %w", err)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = resp.Headers.Get("Content-Type")
	}
	if contentType == "" {
		contentType = page.ContentType
	}
	uri, err := p.deps.Blobs.PutObject(ctx, blobPath(p.cfg.BlobPrefix, digest), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return archive.PageContent{}, fmt.Errorf("store blob: %w", err)
	}

	content := archive.PageContent{
		ContentType:   contentType,
		HTTPStatus:    resp.StatusCode,
		ContentLength: int64(len(resp.Body)),
		Digest:        digest,
		URI:           uri,
	}
	if extract.IsHTML(contentType) {
		meta, err := extract.HTML(resp.Body)
		if err != nil {
			p.logger.Debug("html extraction failed", zap.String("page_id", page.ID), zap.Error(err))
		}
		content.Title, content.Author, content.WordCount = meta.Title, meta.Author, meta.WordCount
	} else if strings.HasPrefix(contentType, "text/") {
		content.WordCount = extract.Text(resp.Body).WordCount
	}
	return content, nil
}

// blobPath maps "algo:hex" to prefix/hex[:2]/hex.
func blobPath(prefix, digest string) string {
	key := digest
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[i+1:]
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(prefix, shard, key)
}
