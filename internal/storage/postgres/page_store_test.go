package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

func TestUpdateStatusLocksAndWrites(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM shared_pages WHERE id = .+ FOR UPDATE").
		WithArgs("page-001").
		WillReturnRows(pageRows(samplePage("page-001", archive.StatusPending)))
	mock.ExpectExec("UPDATE shared_pages SET").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	page, err := store.UpdateStatus(context.Background(), "page-001", archive.StatusUpdate{
		To:    archive.StatusInProgress,
		Cause: archive.CauseProcessing,
	})
	require.NoError(t, err)
	require.Equal(t, archive.StatusInProgress, page.Status)
	require.NotNil(t, page.ProcessingStartedAt)
	require.Equal(t, testNow, *page.ProcessingStartedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRejectsTerminalRegression(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(pageRows(samplePage("page-001", archive.StatusCompleted)))
	mock.ExpectRollback()

	page, err := store.UpdateStatus(context.Background(), "page-001", archive.StatusUpdate{
		To:    archive.StatusInProgress,
		Cause: archive.CauseProcessing,
	})
	require.ErrorIs(t, err, archive.ErrInvalidTransition)
	require.Equal(t, archive.StatusCompleted, page.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpdateStatus(context.Background(), "nope", archive.StatusUpdate{To: archive.StatusSkipped, Cause: archive.CauseManual})
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusWriteFailureIsPersistence(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(pageRows(samplePage("page-001", archive.StatusPending)))
	mock.ExpectExec("UPDATE shared_pages SET").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.UpdateStatus(context.Background(), "page-001", archive.StatusUpdate{To: archive.StatusInProgress, Cause: archive.CauseProcessing})
	require.ErrorIs(t, err, archive.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPriorityNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)
	mock.ExpectQuery("UPDATE shared_pages SET priority_score").
		WithArgs("page-404", 5, testNow).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.SetPriority(context.Background(), "page-404", 5)
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildPageQuery(t *testing.T) {
	t.Parallel()

	after := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	q := archive.NewFilterQuery(
		archive.WithStatuses(archive.StatusFilteredSize, archive.StatusAwaitingManualReview),
		archive.WithProject("proj-a"),
		archive.WithCaptureRange(after, time.Time{}),
		archive.WithMinPriority(3),
		archive.WithOverriddenOnly(),
		archive.WithPage(10, 20),
	)
	sql, args := buildPageQuery(q)
	require.Contains(t, sql, "status = ANY($1)")
	require.Contains(t, sql, "project_id = $2")
	require.Contains(t, sql, "capture_time >= $3")
	require.Contains(t, sql, "priority_score >= $4")
	require.Contains(t, sql, "AND is_manually_overridden")
	require.Contains(t, sql, "LIMIT $5 OFFSET $6")
	require.Equal(t, []any{
		[]string{"filtered_size", "awaiting_manual_review"}, "proj-a", after, 3, 10, 20,
	}, args)

	sql, args = buildPageQuery(archive.NewFilterQuery())
	require.NotContains(t, sql, "WHERE")
	require.Empty(t, args)
}

func TestListPagesScansRows(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)
	held := samplePage("page-002", archive.StatusFilteredSize)
	held.FilterCategory = archive.FilterSize
	mock.ExpectQuery("SELECT .+ FROM shared_pages WHERE status = ANY").
		WillReturnRows(pageRows(samplePage("page-001", archive.StatusFilteredSize), held))

	pages, err := store.ListPages(context.Background(), archive.NewFilterQuery(archive.WithStatuses(archive.StatusFilteredSize)))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, archive.FilterSize, pages[1].FilterCategory)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStuck(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)
	started := testNow.Add(-time.Hour)
	cutoff := testNow.Add(-15 * time.Minute)
	claimed := testNow.Add(-30 * time.Minute)
	mock.ExpectQuery("(?s)status = 'in_progress' AND processing_started_at < .+ OR .+status = 'pending' AND updated_at <").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status", "since"}).
			AddRow("page-003", "in_progress", started).
			AddRow("page-004", "pending", claimed))

	stuck, err := store.ListStuck(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, []archive.StuckPage{
		{ID: "page-003", Status: archive.StatusInProgress, Since: started},
		{ID: "page-004", Status: archive.StatusPending, Since: claimed},
	}, stuck)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregates(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewPageStore(mock, testClock)
	ctx := context.Background()

	mock.ExpectQuery("GROUP BY status").WillReturnRows(
		pgxmock.NewRows([]string{"status", "count"}).AddRow("pending", int64(3)).AddRow("completed", int64(7)))
	mock.ExpectQuery("GROUP BY filter_category").WillReturnRows(
		pgxmock.NewRows([]string{"filter_category", "count"}).AddRow("size", int64(2)))
	mock.ExpectQuery("GROUP BY priority_score").WillReturnRows(
		pgxmock.NewRows([]string{"priority_score", "count"}).AddRow(0, int64(9)).AddRow(5, int64(1)))
	mock.ExpectQuery("FROM shared_pages\\s+WHERE \\(status = 'in_progress'").WillReturnRows(
		pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery("FROM shared_pages WHERE finished_at").WillReturnRows(
		pgxmock.NewRows([]string{"count", "failed"}).AddRow(int64(8), int64(2)))

	statuses, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[archive.PageStatus]int64{archive.StatusPending: 3, archive.StatusCompleted: 7}, statuses)

	categories, err := store.FilterCategoryCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, map[archive.FilterCategory]int64{archive.FilterSize: 2}, categories)

	dist, err := store.PriorityDistribution(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int]int64{0: 9, 5: 1}, dist)

	stuck, err := store.CountStuck(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, int64(1), stuck)

	window, err := store.ErrorWindow(ctx, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, archive.ErrorWindow{Finished: 8, Failed: 2}, window)
	require.NoError(t, mock.ExpectationsWereMet())
}
