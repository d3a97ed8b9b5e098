package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

func seeded(t *testing.T, clock archive.Clock, ids ...string) (*PageStore, *Registry) {
	t.Helper()
	pages := NewPageStore(clock)
	reg := NewRegistry(pages, clock)
	for _, id := range ids {
		_, err := reg.Claim(context.Background(), testIdentity("http://a.com/"+id, ""), archive.SharedPage{ID: id})
		require.NoError(t, err)
	}
	return pages, reg
}

func TestPageStoreUpdateStatusRejectsTerminalRegression(t *testing.T) {
	t.Parallel()

	pages, _ := seeded(t, nil, "p1")
	ctx := context.Background()

	_, err := pages.UpdateStatus(ctx, "p1", archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
	require.NoError(t, err)
	_, err = pages.UpdateStatus(ctx, "p1", archive.StatusUpdate{To: archive.StatusCompleted, Cause: archive.CauseProcessing})
	require.NoError(t, err)

	_, err = pages.UpdateStatus(ctx, "p1", archive.StatusUpdate{To: archive.StatusFailed, Cause: archive.CauseTimeout})
	require.ErrorIs(t, err, archive.ErrInvalidTransition)

	page, err := pages.GetPage(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, archive.StatusCompleted, page.Status)

	_, err = pages.UpdateStatus(ctx, "nope", archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestPageStoreConcurrentTimeoutAppliesOnce(t *testing.T) {
	t.Parallel()

	pages, _ := seeded(t, nil, "p1")
	ctx := context.Background()
	_, err := pages.UpdateStatus(ctx, "p1", archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pages.UpdateStatus(ctx, "p1", archive.StatusUpdate{To: archive.StatusFailed, Cause: archive.CauseTimeout}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
}

func TestPageStoreAggregates(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{t: base}
	pages, _ := seeded(t, clock, "p1", "p2", "p3", "p4")
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := pages.UpdateStatus(ctx, id, archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
		require.NoError(t, err)
	}
	clock.set(base.Add(time.Hour))
	_, err := pages.UpdateStatus(ctx, "p1", archive.StatusUpdate{To: archive.StatusFailed, Cause: archive.CauseProcessing, ErrorMessage: "boom"})
	require.NoError(t, err)
	_, err = pages.UpdateStatus(ctx, "p2", archive.StatusUpdate{
		To: archive.StatusFilteredListPage, Cause: archive.CauseProcessing, FilterCategory: archive.FilterListPage,
	})
	require.NoError(t, err)
	_, err = pages.SetPriority(ctx, "p4", 7)
	require.NoError(t, err)

	counts, err := pages.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[archive.PageStatus]int64{
		archive.StatusFailed:           1,
		archive.StatusFilteredListPage: 1,
		archive.StatusInProgress:       1,
		archive.StatusPending:          1,
	}, counts)

	cats, err := pages.FilterCategoryCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[archive.FilterCategory]int64{archive.FilterListPage: 1}, cats)

	dist, err := pages.PriorityDistribution(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int]int64{0: 3, 7: 1}, dist)

	stuck, err := pages.CountStuck(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), stuck)
	list, err := pages.ListStuck(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "p3", list[0].ID)

	window, err := pages.ErrorWindow(ctx, base)
	require.NoError(t, err)
	require.Equal(t, archive.ErrorWindow{Finished: 2, Failed: 1}, window)

	filtered, err := pages.ListPages(ctx, archive.NewFilterQuery(archive.WithStatuses(archive.StatusPending, archive.StatusFailed)))
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	require.Equal(t, "p1", filtered[0].ID)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func TestPageStoreListStuckIncludesStrandedPending(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{t: base}
	pages, _ := seeded(t, clock, "p1", "p2")
	ctx := context.Background()

	clock.set(base.Add(10 * time.Minute))
	_, err := pages.UpdateStatus(ctx, "p2", archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
	require.NoError(t, err)

	list, err := pages.ListStuck(ctx, base.Add(20*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []archive.StuckPage{
		{ID: "p1", Status: archive.StatusPending, Since: base},
		{ID: "p2", Status: archive.StatusInProgress, Since: base.Add(10 * time.Minute)},
	}, list)

	n, err := pages.CountStuck(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
