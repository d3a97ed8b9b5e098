package postgres

import (
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	testNow   = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	testClock = fixedClock{now: testNow}
)

var pageColumnNames = []string{
	"id", "identity_key", "url", "normalized_url", "capture_time", "content_digest",
	"status", "filter_category", "filter_reason", "filtered_status", "priority_score",
	"is_manually_overridden", "manual_reason", "error_message", "retry_count",
	"title", "author", "content_type", "content_uri", "content_length", "http_status", "word_count",
	"created_at", "updated_at", "processing_started_at", "finished_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func samplePage(id string, status archive.PageStatus) archive.SharedPage {
	return archive.SharedPage{
		ID:            id,
		IdentityKey:   "https://example.com/a|2020-05-04T00:00:00Z",
		URL:           "https://example.com/a",
		NormalizedURL: "https://example.com/a",
		CaptureTime:   time.Date(2020, 5, 4, 10, 30, 0, 0, time.UTC),
		Status:        status,
		CreatedAt:     testNow.Add(-time.Hour),
		UpdatedAt:     testNow.Add(-time.Hour),
	}
}

func pageRows(pages ...archive.SharedPage) *pgxmock.Rows {
	rows := pgxmock.NewRows(pageColumnNames)
	for _, p := range pages {
		rows.AddRow(
			p.ID, p.IdentityKey, p.URL, p.NormalizedURL, p.CaptureTime, p.ContentDigest,
			string(p.Status), string(p.FilterCategory), p.FilterReason, string(p.FilteredStatus), p.PriorityScore,
			p.IsManuallyOverridden, p.ManualReason, p.ErrorMessage, p.RetryCount,
			p.Title, p.Author, p.ContentType, p.ContentURI, p.ContentLength, p.HTTPStatus, p.WordCount,
			p.CreatedAt, p.UpdatedAt, p.ProcessingStartedAt, p.FinishedAt,
		)
	}
	return rows
}

func TestMigrationURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		dsn     string
		want    string
		wantErr bool
	}{
		{"postgres://u:p@db:5432/chrono?sslmode=disable", "pgx5://u:p@db:5432/chrono?sslmode=disable", false},
		{"postgresql://db/chrono", "pgx5://db/chrono", false},
		{"pgx5://db/chrono", "pgx5://db/chrono", false},
		{"mysql://db/chrono", "", true},
	}
	for _, tc := range cases {
		got, err := MigrationURL(tc.dsn)
		if tc.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	t.Parallel()

	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "0001_init.up.sql")
	require.Contains(t, names, "0001_init.down.sql")
}
