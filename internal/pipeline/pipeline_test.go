package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/association"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/filter"
	"github.com/linksmith/chrono-scraper-sub004/internal/hash/sha256"
	"github.com/linksmith/chrono-scraper-sub004/internal/identity"
	"github.com/linksmith/chrono-scraper-sub004/internal/storage/memory"
)

const articleHTML = `<html><head><title>Budget 2020</title><meta name="author" content="J. Doe"></head>` +
	`<body><p>the budget was passed on tuesday</p><script>var x = 1;</script></body></html>`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("page-%03d", s.n.Add(1)), nil
}

type fakeFetcher struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req archive.FetchRequest, call int) (archive.FetchResponse, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req archive.FetchRequest) (archive.FetchResponse, error) {
	call := int(f.calls.Add(1))
	if f.fn == nil {
		return htmlResponse(req.URL, articleHTML), nil
	}
	return f.fn(ctx, req, call)
}

func htmlResponse(url, body string) archive.FetchResponse {
	return archive.FetchResponse{
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		Duration:    time.Millisecond,
	}
}

type recordingEmitter struct {
	mu    sync.Mutex
	kinds []events.Kind
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, evt.Kind)
}

func (r *recordingEmitter) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	p        *Pipeline
	pages    *memory.PageStore
	assocs   *memory.AssociationStore
	blobs    *memory.BlobStore
	fetcher  *fakeFetcher
	clock    *testClock
	emitter  *recordingEmitter
	registry *memory.Registry
}

type harnessOptions struct {
	cfg      Config
	filters  filter.Config
	fetch    func(ctx context.Context, req archive.FetchRequest, call int) (archive.FetchResponse, error)
	wrap     func(*memory.PageStore) archive.PageStore
	headless archive.Fetcher
	promoter Promoter
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	pages := memory.NewPageStore(clock)
	registry := memory.NewRegistry(pages, clock)
	var store archive.PageStore = pages
	if opts.wrap != nil {
		store = opts.wrap(pages)
	}
	assocs := memory.NewAssociationStore()
	emitter := &recordingEmitter{}
	engine, err := filter.Build(opts.filters, zap.NewNop())
	require.NoError(t, err)
	blobs := memory.NewBlobStore()
	fetcher := &fakeFetcher{fn: opts.fetch}
	if opts.cfg.FetchTimeout == 0 {
		opts.cfg.FetchTimeout = 2 * time.Second
	}
	p, err := New(opts.cfg, Deps{
		Resolver:     identity.New(24 * time.Hour),
		Registry:     registry,
		Pages:        store,
		Associations: association.New(assocs, store, clock, emitter, zap.NewNop()),
		Filters:      engine,
		Fetcher:      fetcher,
		Headless:     opts.headless,
		Promoter:     opts.promoter,
		Retry:        NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
		Blobs:        blobs,
		Hasher:       sha256.New(),
		IDs:          &seqIDs{},
		Clock:        clock,
		Events:       emitter,
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	return &harness{p: p, pages: pages, assocs: assocs, blobs: blobs, fetcher: fetcher, clock: clock, emitter: emitter, registry: registry}
}

func candidate(project, rawURL string) archive.ScrapeCandidate {
	return archive.ScrapeCandidate{
		ProjectID:   project,
		SessionID:   "session-" + project,
		URL:         rawURL,
		CaptureTime: time.Date(2020, 5, 4, 10, 30, 0, 0, time.UTC),
		MimeType:    "text/html",
	}
}

func TestSubmitNewPageCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res, err := h.p.Submit(ctx, candidate("A", "https://Example.com:443/news/budget#top"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeCompleted, res.Outcome)
	require.True(t, res.Attached)

	page, err := h.pages.GetPage(ctx, res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, archive.StatusCompleted, page.Status)
	require.Equal(t, "https://example.com/news/budget", page.NormalizedURL)
	require.Equal(t, "Budget 2020", page.Title)
	require.Equal(t, "J. Doe", page.Author)
	require.Equal(t, 6, page.WordCount)
	require.Equal(t, http.StatusOK, page.HTTPStatus)
	require.NotNil(t, page.FinishedAt)
	require.Contains(t, page.ContentDigest, "sha256:")
	require.Equal(t, 1, h.blobs.Len())

	snap := h.p.Counters()
	require.Equal(t, int64(1), snap.Total)
	require.Equal(t, int64(1), snap.Created)
	require.Equal(t, int64(1), snap.Completed)
	require.Equal(t, 1, h.emitter.count(events.KindClaimed))
	require.Equal(t, 1, h.emitter.count(events.KindCompleted))
}

func TestSubmitDedupsQueryOrderAcrossConcurrentProjects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	const workers = 16
	results := make([]archive.CandidateResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			url := "https://example.com/a?z=1&a=2"
			if i%2 == 1 {
				url = "https://example.com/a?a=2&z=1"
			}
			c := candidate(fmt.Sprintf("project-%d", i), url)
			c.CaptureTime = c.CaptureTime.Add(time.Duration(i) * time.Minute)
			results[i], errs[i] = h.p.Submit(ctx, c)
		}(i)
	}
	close(start)
	wg.Wait()

	shared := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		require.True(t, res.Attached)
		require.Equal(t, results[0].SharedPageID, res.SharedPageID)
		if res.Outcome == archive.OutcomeShared {
			shared++
		}
	}
	require.Equal(t, workers-1, shared)
	require.Equal(t, int64(1), h.fetcher.calls.Load())

	all, err := h.pages.ListPages(ctx, archive.NewFilterQuery())
	require.NoError(t, err)
	require.Len(t, all, 1)

	stats, err := h.assocs.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(workers), stats.TotalAssociations)
	require.Equal(t, int64(workers-1), stats.SharedBeyondFirst)

	snap := h.p.Counters()
	require.Equal(t, int64(workers-1), snap.DedupHits)
	require.Equal(t, int64(1), snap.Created)
}

func TestSubmitSameProjectTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first, err := h.p.Submit(ctx, candidate("A", "https://example.com/x"))
	require.NoError(t, err)
	second, err := h.p.Submit(ctx, candidate("A", "https://example.com/x"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeShared, second.Outcome)
	require.Equal(t, first.SharedPageID, second.SharedPageID)

	links, err := h.assocs.ListByProject(ctx, "A")
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	res, err := h.p.Submit(context.Background(), candidate("A", "ftp://example.com/file"))
	require.ErrorIs(t, err, archive.ErrInvalidURL)
	require.Equal(t, archive.OutcomeRejected, res.Outcome)
	require.NotEmpty(t, res.Error)
	require.Equal(t, int64(1), h.p.Counters().InvalidURLs)

	_, err = h.p.Submit(context.Background(), archive.ScrapeCandidate{URL: "https://example.com"})
	require.ErrorIs(t, err, archive.ErrValidation)
}

func TestSubmitPreFilterSkipsFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{filters: filter.Config{ListPagePatterns: []string{`^/tag/`}}})
	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/tag/economy"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeFiltered, res.Outcome)
	require.Equal(t, archive.StatusFilteredListPage, res.Status)
	require.True(t, res.Attached)
	require.Zero(t, h.fetcher.calls.Load())

	page, err := h.pages.GetPage(context.Background(), res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, archive.FilterListPage, page.FilterCategory)
	require.Contains(t, page.FilterReason, "/tag/economy")
	require.Equal(t, int64(1), h.p.Counters().Filtered[archive.FilterListPage])
}

func TestSubmitHoldForReviewPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{filters: filter.Config{
		Policy:           string(filter.PolicyHoldForReview),
		ListPagePatterns: []string{`^/tag/`},
	}})
	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/tag/economy"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeHeld, res.Outcome)
	require.Equal(t, archive.StatusAwaitingManualReview, res.Status)
}

func TestSubmitPostFilterKeepsContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{filters: filter.Config{MinWordCount: 50}})
	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/short"))
	require.NoError(t, err)
	require.Equal(t, archive.StatusFilteredLowQuality, res.Status)

	page, err := h.pages.GetPage(context.Background(), res.SharedPageID)
	require.NoError(t, err)
	require.NotEmpty(t, page.ContentURI)
	require.Equal(t, 6, page.WordCount)
}

func TestSubmitRetriesRetryableStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{fetch: func(_ context.Context, req archive.FetchRequest, call int) (archive.FetchResponse, error) {
		if call < 3 {
			return archive.FetchResponse{URL: req.URL, StatusCode: http.StatusServiceUnavailable}, nil
		}
		return htmlResponse(req.URL, articleHTML), nil
	}})
	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/flaky"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeCompleted, res.Outcome)
	require.Equal(t, int64(3), h.fetcher.calls.Load())
	require.Equal(t, int64(3), h.p.Counters().Fetches)
}

func TestSubmitPermanentFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{fetch: func(_ context.Context, req archive.FetchRequest, _ int) (archive.FetchResponse, error) {
		return archive.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}})
	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/gone"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeFailed, res.Outcome)
	require.True(t, res.Attached)
	require.Equal(t, int64(1), h.fetcher.calls.Load())

	page, err := h.pages.GetPage(context.Background(), res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, page.HTTPStatus)
	require.Contains(t, page.ErrorMessage, "status 404")
	require.Equal(t, int64(1), h.p.Counters().FetchErrors)
}

type alwaysPromote struct{}

func (alwaysPromote) ShouldPromote(archive.FetchResponse) bool { return true }

func TestSubmitPromotesToHeadless(t *testing.T) {
	t.Parallel()

	rendered := &fakeFetcher{fn: func(_ context.Context, req archive.FetchRequest, _ int) (archive.FetchResponse, error) {
		return htmlResponse(req.URL, `<html><head><title>Rendered</title></head><body>hydrated app body</body></html>`), nil
	}}
	h := newHarness(t, harnessOptions{headless: rendered, promoter: alwaysPromote{}})
	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/spa"))
	require.NoError(t, err)
	require.Equal(t, int64(1), rendered.calls.Load())

	page, err := h.pages.GetPage(context.Background(), res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, "Rendered", page.Title)
}

func TestCancelSessionInterruptsFetch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := newHarness(t, harnessOptions{fetch: func(ctx context.Context, _ archive.FetchRequest, _ int) (archive.FetchResponse, error) {
		close(started)
		<-ctx.Done()
		return archive.FetchResponse{}, ctx.Err()
	}})

	type outcome struct {
		res archive.CandidateResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/slow"))
		done <- outcome{res, err}
	}()

	<-started
	require.Equal(t, 1, h.p.Scopes().CancelSession("session-A"))

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
	require.ErrorIs(t, got.err, archive.ErrSessionCanceled)
	require.Equal(t, archive.OutcomeCanceled, got.res.Outcome)
	require.False(t, got.res.Attached)

	page, err := h.pages.GetPage(context.Background(), got.res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, archive.StatusFailed, page.Status)
	require.Contains(t, page.ErrorMessage, "canceled")

	links, err := h.assocs.ListByProject(context.Background(), "A")
	require.NoError(t, err)
	require.Empty(t, links)

	res, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/other"))
	require.ErrorIs(t, err, archive.ErrSessionCanceled)
	require.Equal(t, archive.OutcomeCanceled, res.Outcome)
	require.Equal(t, int64(2), h.p.Counters().Canceled)
}

func TestCancelProjectLeavesOtherProjects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	require.Zero(t, h.p.Scopes().CancelProject("A"))

	_, err := h.p.Submit(context.Background(), candidate("A", "https://example.com/x"))
	require.ErrorIs(t, err, archive.ErrSessionCanceled)

	res, err := h.p.Submit(context.Background(), candidate("B", "https://example.com/x"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeCompleted, res.Outcome)

	h.p.Scopes().Resume("project", "A")
	res, err = h.p.Submit(context.Background(), candidate("A", "https://example.com/x"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeShared, res.Outcome)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestBlobPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "pages/ab/abcdef", blobPath("pages", "sha256:abcdef"))
	require.Equal(t, "raw/x/x", blobPath("raw", "x"))
}

func TestOutcomeFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, archive.OutcomeCompleted, outcomeFor(archive.StatusCompleted))
	require.Equal(t, archive.OutcomeFiltered, outcomeFor(archive.StatusFilteredSize))
	require.Equal(t, archive.OutcomeHeld, outcomeFor(archive.StatusAwaitingManualReview))
	require.Equal(t, archive.OutcomeFailed, outcomeFor(archive.StatusFailed))
	require.Equal(t, archive.OutcomeShared, outcomeFor(archive.StatusInProgress))
}

type failingStart struct {
	*memory.PageStore
	failures atomic.Int32
}

func (f *failingStart) UpdateStatus(ctx context.Context, id string, upd archive.StatusUpdate) (archive.SharedPage, error) {
	if upd.To == archive.StatusInProgress && f.failures.Add(-1) >= 0 {
		return archive.SharedPage{}, fmt.Errorf("%w: db down", archive.ErrPersistence)
	}
	return f.PageStore.UpdateStatus(ctx, id, upd)
}

func TestSubmitStartFailureLeavesPageRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wrap: func(p *memory.PageStore) archive.PageStore {
		fs := &failingStart{PageStore: p}
		fs.failures.Store(1)
		return fs
	}})
	ctx := context.Background()

	res, err := h.p.Submit(ctx, candidate("A", "https://example.com/flaky"))
	require.ErrorIs(t, err, archive.ErrPersistence)
	require.Equal(t, archive.OutcomeFailed, res.Outcome)
	require.Equal(t, archive.StatusFailed, res.Status)
	require.Equal(t, 1, h.emitter.count(events.KindFailed))

	page, err := h.pages.GetPage(ctx, res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, archive.StatusFailed, page.Status)
	require.Contains(t, page.ErrorMessage, "start failed")

	shared, err := h.p.Submit(ctx, candidate("B", "https://example.com/flaky"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeShared, shared.Outcome)
	require.Equal(t, res.SharedPageID, shared.SharedPageID)
	require.Zero(t, h.fetcher.calls.Load())

	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{res.SharedPageID}})
	require.NoError(t, err)
	require.True(t, out[0].OK, out[0].Error)
	require.Equal(t, archive.StatusCompleted, out[0].Status)
	require.Equal(t, int64(1), h.fetcher.calls.Load())
}

func TestSubmitDigestDoesNotSplitSameCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first, err := h.p.Submit(ctx, candidate("A", "https://example.com/doc"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeCompleted, first.Outcome)

	withDigest := candidate("B", "https://example.com/doc")
	withDigest.Digest = "SHA1:ABCDEF"
	second, err := h.p.Submit(ctx, withDigest)
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeShared, second.Outcome)
	require.Equal(t, first.SharedPageID, second.SharedPageID)
	require.Equal(t, int64(1), h.fetcher.calls.Load())
}

func TestStaleAttemptCannotOverwriteRetriedPage(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, harnessOptions{
		cfg: Config{MaxProcessingDuration: 10 * time.Minute},
		fetch: func(ctx context.Context, req archive.FetchRequest, call int) (archive.FetchResponse, error) {
			if call == 1 {
				close(started)
				<-release
			}
			return htmlResponse(req.URL, articleHTML), nil
		},
	})
	ctx := context.Background()

	done := make(chan archive.CandidateResult, 1)
	go func() {
		res, _ := h.p.Submit(ctx, candidate("A", "https://example.com/slow"))
		done <- res
	}()
	<-started

	h.clock.Advance(11 * time.Minute)
	n, err := h.p.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := h.pages.ListPages(ctx, archive.NewFilterQuery())
	require.NoError(t, err)
	require.Len(t, all, 1)
	pageID := all[0].ID

	h.clock.Advance(time.Minute)
	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{pageID}})
	require.NoError(t, err)
	require.True(t, out[0].OK, out[0].Error)
	require.Equal(t, archive.StatusCompleted, out[0].Status)

	close(release)
	var res archive.CandidateResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stale submit did not return")
	}
	require.Equal(t, archive.StatusCompleted, res.Status)
	require.Equal(t, 1, h.emitter.count(events.KindCompleted))
	require.Equal(t, int64(1), h.p.Counters().Completed)

	page, err := h.pages.GetPage(ctx, pageID)
	require.NoError(t, err)
	require.Equal(t, 1, page.RetryCount)
}
