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

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/filter"
	"github.com/linksmith/chrono-scraper-sub004/internal/storage/memory"
)

// brokenPriority fails SetPriority for one page to simulate a store outage.
type brokenPriority struct {
	*memory.PageStore
	failID string
}

func (b brokenPriority) SetPriority(ctx context.Context, id string, priority int) (archive.SharedPage, error) {
	if id == b.failID {
		return archive.SharedPage{}, fmt.Errorf("%w: disk full", archive.ErrPersistence)
	}
	return b.PageStore.SetPriority(ctx, id, priority)
}

func submitN(t *testing.T, h *harness, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res, err := h.p.Submit(context.Background(), candidate("A", fmt.Sprintf("https://example.com/p/%d", i)))
		require.NoError(t, err)
		ids = append(ids, res.SharedPageID)
	}
	return ids
}

func TestBulkIsolatesPerPageFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{wrap: func(p *memory.PageStore) archive.PageStore {
		return brokenPriority{PageStore: p, failID: "page-003"}
	}})
	ids := submitN(t, h, 5)
	priority := 9

	outcomes, err := h.p.Bulk(context.Background(), archive.BulkRequest{
		Action:   archive.BulkSetPriority,
		PageIDs:  ids,
		Priority: &priority,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 5)

	ok := 0
	for i, o := range outcomes {
		require.Equal(t, ids[i], o.PageID)
		if o.OK {
			ok++
			continue
		}
		require.Equal(t, "page-003", o.PageID)
		require.Contains(t, o.Error, "disk full")
	}
	require.Equal(t, 4, ok)

	last, err := h.pages.GetPage(context.Background(), ids[4])
	require.NoError(t, err)
	require.Equal(t, 9, last.PriorityScore)
}

func TestBulkValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	_, err := h.p.Bulk(ctx, archive.BulkRequest{Action: "explode", PageIDs: []string{"x"}})
	require.ErrorIs(t, err, archive.ErrValidation)
	_, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkSkip})
	require.ErrorIs(t, err, archive.ErrValidation)
	_, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkSetPriority, PageIDs: []string{"x"}})
	require.ErrorIs(t, err, archive.ErrValidation)

	outcomes, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkSkip, PageIDs: []string{"missing", " "}})
	require.NoError(t, err)
	require.Equal(t, "not_found", outcomes[0].Reason)
	require.Equal(t, "validation", outcomes[1].Reason)
}

func TestBulkManualProcessFilteredPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{filters: filter.Config{MaxBytes: 1000}})
	ctx := context.Background()

	c := candidate("A", "https://example.com/report.html")
	c.Length = 5000
	res, err := h.p.Submit(ctx, c)
	require.NoError(t, err)
	require.Equal(t, archive.StatusFilteredSize, res.Status)
	require.Zero(t, h.fetcher.calls.Load())

	outcomes, err := h.p.Bulk(ctx, archive.BulkRequest{
		Action:  archive.BulkManualProcess,
		PageIDs: []string{res.SharedPageID},
		Reason:  "needed for analysis",
	})
	require.NoError(t, err)
	require.True(t, outcomes[0].OK, outcomes[0].Error)
	require.Equal(t, archive.StatusCompleted, outcomes[0].Status)

	page, err := h.pages.GetPage(ctx, res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, archive.StatusCompleted, page.Status)
	require.True(t, page.IsManuallyOverridden)
	require.Equal(t, "needed for analysis", page.ManualReason)
	require.Equal(t, archive.StatusFilteredSize, page.FilteredStatus)
	require.Equal(t, int64(1), h.fetcher.calls.Load())
	require.Equal(t, 1, h.emitter.count(events.KindOverridden))
}

func TestBulkOverrideAndRestore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{filters: filter.Config{
		Policy:           string(filter.PolicyHoldForReview),
		ListPagePatterns: []string{`^/tag/`},
	}})
	ctx := context.Background()
	res, err := h.p.Submit(ctx, candidate("A", "https://example.com/tag/x"))
	require.NoError(t, err)
	ids := []string{res.SharedPageID}

	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkOverrideFilter, PageIDs: ids, Reason: "looks fine"})
	require.NoError(t, err)
	require.True(t, out[0].OK)
	require.Equal(t, archive.StatusManuallyApproved, out[0].Status)

	out, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRestoreFilter, PageIDs: ids})
	require.NoError(t, err)
	require.True(t, out[0].OK)
	require.Equal(t, archive.StatusAwaitingManualReview, out[0].Status)

	page, err := h.pages.GetPage(ctx, res.SharedPageID)
	require.NoError(t, err)
	require.False(t, page.IsManuallyOverridden)

	out, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRestoreFilter, PageIDs: ids})
	require.NoError(t, err)
	require.False(t, out[0].OK)
	require.Equal(t, "invalid_transition", out[0].Reason)

	out, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkSkip, PageIDs: ids, Reason: "not relevant"})
	require.NoError(t, err)
	require.Equal(t, archive.StatusSkipped, out[0].Status)

	out, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkOverrideFilter, PageIDs: ids})
	require.NoError(t, err)
	require.False(t, out[0].OK)
}

func TestBulkRetryHonoursMaxRetries(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	h := newHarness(t, harnessOptions{
		cfg: Config{MaxRetries: 2},
		fetch: func(_ context.Context, req archive.FetchRequest, _ int) (archive.FetchResponse, error) {
			if healthy.Load() {
				return htmlResponse(req.URL, articleHTML), nil
			}
			return archive.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
		},
	})
	ctx := context.Background()
	res, err := h.p.Submit(ctx, candidate("A", "https://example.com/flaky"))
	require.NoError(t, err)
	require.Equal(t, archive.OutcomeFailed, res.Outcome)
	ids := []string{res.SharedPageID}

	for i := 0; i < 2; i++ {
		out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: ids})
		require.NoError(t, err)
		require.True(t, out[0].OK, out[0].Error)
		require.Equal(t, archive.StatusFailed, out[0].Status)
	}

	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: ids})
	require.NoError(t, err)
	require.False(t, out[0].OK)
	require.Equal(t, "max_retries", out[0].Reason)

	page, err := h.pages.GetPage(ctx, res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, 2, page.RetryCount)
	require.Equal(t, archive.StatusFailed, page.Status)
}

func TestBulkRetryRecoversPage(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	h := newHarness(t, harnessOptions{fetch: func(_ context.Context, req archive.FetchRequest, _ int) (archive.FetchResponse, error) {
		if healthy.Load() {
			return htmlResponse(req.URL, articleHTML), nil
		}
		return archive.FetchResponse{URL: req.URL, StatusCode: http.StatusForbidden}, nil
	}})
	ctx := context.Background()
	res, err := h.p.Submit(ctx, candidate("A", "https://example.com/later"))
	require.NoError(t, err)

	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{"page-999"}})
	require.NoError(t, err)
	require.Equal(t, "not_found", out[0].Reason)

	healthy.Store(true)
	out, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{res.SharedPageID}})
	require.NoError(t, err)
	require.True(t, out[0].OK)
	require.Equal(t, archive.StatusCompleted, out[0].Status)

	page, err := h.pages.GetPage(ctx, res.SharedPageID)
	require.NoError(t, err)
	require.Equal(t, 1, page.RetryCount)
	require.Empty(t, page.ErrorMessage)

	// completed is terminal
	out, err = h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{res.SharedPageID}})
	require.NoError(t, err)
	require.Equal(t, "invalid_transition", out[0].Reason)
}

func TestSweepFailsStuckPagesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxProcessingDuration: 10 * time.Minute}})
	ctx := context.Background()

	identity := archive.SnapshotIdentity{NormalizedURL: "https://example.com/stuck", CaptureBucket: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	claim, err := h.registry.Claim(ctx, identity, archive.SharedPage{ID: "stuck-1", URL: "https://example.com/stuck"})
	require.NoError(t, err)
	_, err = h.pages.UpdateStatus(ctx, claim.SharedPageID, archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
	require.NoError(t, err)

	n, err := h.p.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(11 * time.Minute)

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.p.Sweep(ctx)
			if err == nil {
				total.Add(int64(n))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), total.Load())
	require.Equal(t, 1, h.emitter.count(events.KindTimedOut))

	page, err := h.pages.GetPage(ctx, "stuck-1")
	require.NoError(t, err)
	require.Equal(t, archive.StatusFailed, page.Status)
	require.Contains(t, page.ErrorMessage, "processing exceeded")

	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{"stuck-1"}})
	require.NoError(t, err)
	require.True(t, out[0].OK, out[0].Error)
	require.Equal(t, archive.StatusCompleted, out[0].Status)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{SweepInterval: 5 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.RunSweeper(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweepFailsStrandedPendingPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{cfg: Config{MaxProcessingDuration: 10 * time.Minute}})
	ctx := context.Background()

	identity := archive.SnapshotIdentity{NormalizedURL: "https://example.com/orphan", CaptureBucket: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, err := h.registry.Claim(ctx, identity, archive.SharedPage{ID: "orphan-1", URL: "https://example.com/orphan"})
	require.NoError(t, err)

	n, err := h.p.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(11 * time.Minute)
	n, err = h.p.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	page, err := h.pages.GetPage(ctx, "orphan-1")
	require.NoError(t, err)
	require.Equal(t, archive.StatusFailed, page.Status)
	require.Contains(t, page.ErrorMessage, "never started")

	out, err := h.p.Bulk(ctx, archive.BulkRequest{Action: archive.BulkRetry, PageIDs: []string{"orphan-1"}})
	require.NoError(t, err)
	require.True(t, out[0].OK, out[0].Error)
	require.Equal(t, archive.StatusCompleted, out[0].Status)
}
