package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

const pageColumns = `id, identity_key, url, normalized_url, capture_time, content_digest,
	status, filter_category, filter_reason, filtered_status, priority_score,
	is_manually_overridden, manual_reason, error_message, retry_count,
	title, author, content_type, content_uri, content_length, http_status, word_count,
	created_at, updated_at, processing_started_at, finished_at`

// PageStore persists shared pages. Status changes lock the row, validate the
// edge with archive.ApplyStatusUpdate and write back in one transaction.
type PageStore struct {
	db    DB
	clock archive.Clock
}

// NewPageStore wraps db. A nil clock uses the wall clock.
func NewPageStore(db DB, clock archive.Clock) *PageStore {
	if clock == nil {
		clock = utcClock{}
	}
	return &PageStore{db: db, clock: clock}
}

func scanPage(row pgx.Row) (archive.SharedPage, error) {
	var (
		p                                 archive.SharedPage
		status, category, filteredStatus string
	)
	err := row.Scan(
		&p.ID, &p.IdentityKey, &p.URL, &p.NormalizedURL, &p.CaptureTime, &p.ContentDigest,
		&status, &category, &p.FilterReason, &filteredStatus, &p.PriorityScore,
		&p.IsManuallyOverridden, &p.ManualReason, &p.ErrorMessage, &p.RetryCount,
		&p.Title, &p.Author, &p.ContentType, &p.ContentURI, &p.ContentLength, &p.HTTPStatus, &p.WordCount,
		&p.CreatedAt, &p.UpdatedAt, &p.ProcessingStartedAt, &p.FinishedAt,
	)
	if err != nil {
		return archive.SharedPage{}, err
	}
	p.Status = archive.PageStatus(status)
	p.FilterCategory = archive.FilterCategory(category)
	p.FilteredStatus = archive.PageStatus(filteredStatus)
	return p, nil
}

func getPage(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, id string, forUpdate bool) (archive.SharedPage, error) {
	sql := `SELECT ` + pageColumns + ` FROM shared_pages WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	page, err := scanPage(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.SharedPage{}, fmt.Errorf("page %s: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return archive.SharedPage{}, persistence("select page", err)
	}
	return page, nil
}

// GetPage returns the page with id.
func (s *PageStore) GetPage(ctx context.Context, id string) (archive.SharedPage, error) {
	return getPage(ctx, s.db, id, false)
}

// UpdateStatus applies upd under a row lock.
func (s *PageStore) UpdateStatus(ctx context.Context, id string, upd archive.StatusUpdate) (archive.SharedPage, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return archive.SharedPage{}, persistence("begin", err)
	}
	defer rollback(ctx, tx)

	page, err := getPage(ctx, tx, id, true)
	if err != nil {
		return archive.SharedPage{}, err
	}
	next, err := archive.ApplyStatusUpdate(page, upd, s.clock.Now())
	if err != nil {
		return page, fmt.Errorf("page %s: %w", id, err)
	}
	_, err = tx.Exec(ctx, `
UPDATE shared_pages SET
	status = $2, filter_category = $3, filter_reason = $4, filtered_status = $5,
	is_manually_overridden = $6, manual_reason = $7, error_message = $8, retry_count = $9,
	title = $10, author = $11, content_type = $12, content_uri = $13, content_length = $14,
	http_status = $15, word_count = $16, content_digest = $17, updated_at = $18,
	processing_started_at = $19, finished_at = $20
WHERE id = $1`,
		next.ID, string(next.Status), string(next.FilterCategory), next.FilterReason, string(next.FilteredStatus),
		next.IsManuallyOverridden, next.ManualReason, next.ErrorMessage, next.RetryCount,
		next.Title, next.Author, next.ContentType, next.ContentURI, next.ContentLength,
		next.HTTPStatus, next.WordCount, next.ContentDigest, next.UpdatedAt,
		next.ProcessingStartedAt, next.FinishedAt,
	)
	if err != nil {
		return page, persistence("update page status", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return page, persistence("commit", err)
	}
	return next, nil
}

// SetPriority updates the priority score regardless of status.
func (s *PageStore) SetPriority(ctx context.Context, id string, priority int) (archive.SharedPage, error) {
	page, err := scanPage(s.db.QueryRow(ctx,
		`UPDATE shared_pages SET priority_score = $2, updated_at = $3 WHERE id = $1 RETURNING `+pageColumns,
		id, priority, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.SharedPage{}, fmt.Errorf("page %s: %w", id, archive.ErrNotFound)
	}
	if err != nil {
		return archive.SharedPage{}, persistence("set priority", err)
	}
	return page, nil
}

// buildPageQuery renders q as SQL. Project membership is expressed as a
// subquery on project_pages.
func buildPageQuery(q archive.FilterQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if statuses := q.Statuses(); len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(values)+")")
	}
	if categories := q.FilterCategories(); len(categories) > 0 {
		values := make([]string, len(categories))
		for i, c := range categories {
			values[i] = string(c)
		}
		where = append(where, "filter_category = ANY("+arg(values)+")")
	}
	if project := q.ProjectID(); project != "" {
		where = append(where, "id IN (SELECT shared_page_id FROM project_pages WHERE project_id = "+arg(project)+")")
	}
	after, before := q.CaptureRange()
	if !after.IsZero() {
		where = append(where, "capture_time >= "+arg(after))
	}
	if !before.IsZero() {
		where = append(where, "capture_time < "+arg(before))
	}
	if minPriority, ok := q.MinPriority(); ok {
		where = append(where, "priority_score >= "+arg(minPriority))
	}
	if q.OverriddenOnly() {
		where = append(where, "is_manually_overridden")
	}

	var b strings.Builder
	b.WriteString("SELECT " + pageColumns + " FROM shared_pages")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, id")
	if q.Limit() > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit()))
	}
	if q.Offset() > 0 {
		b.WriteString(" OFFSET " + arg(q.Offset()))
	}
	return b.String(), args
}

// ListPages returns pages matching q in creation order.
func (s *PageStore) ListPages(ctx context.Context, q archive.FilterQuery) ([]archive.SharedPage, error) {
	sql, args := buildPageQuery(q)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistence("list pages", err)
	}
	defer rows.Close()
	out := make([]archive.SharedPage, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, persistence("scan page", err)
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list pages", err)
	}
	return out, nil
}

const stuckPredicate = `(status = 'in_progress' AND processing_started_at < $1)
   OR (status = 'pending' AND updated_at < $1)`

// ListStuck returns in_progress pages started before the cutoff and pending
// pages untouched since it, oldest first.
func (s *PageStore) ListStuck(ctx context.Context, startedBefore time.Time) ([]archive.StuckPage, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, status, coalesce(processing_started_at, updated_at) AS since FROM shared_pages
WHERE `+stuckPredicate+`
ORDER BY since`, startedBefore)
	if err != nil {
		return nil, persistence("list stuck", err)
	}
	defer rows.Close()
	var out []archive.StuckPage
	for rows.Next() {
		var (
			sp     archive.StuckPage
			status string
		)
		if err := rows.Scan(&sp.ID, &status, &sp.Since); err != nil {
			return nil, persistence("scan stuck", err)
		}
		sp.Status = archive.PageStatus(status)
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list stuck", err)
	}
	return out, nil
}

// StatusCounts returns the number of pages per status.
func (s *PageStore) StatusCounts(ctx context.Context) (map[archive.PageStatus]int64, error) {
	out := make(map[archive.PageStatus]int64)
	err := s.groupCount(ctx, `SELECT status, count(*) FROM shared_pages GROUP BY status`, nil, func(key string, n int64) {
		out[archive.PageStatus(key)] = n
	})
	return out, err
}

// FilterCategoryCounts counts pages currently held by each filter category.
func (s *PageStore) FilterCategoryCounts(ctx context.Context) (map[archive.FilterCategory]int64, error) {
	held := archive.HeldStatuses()
	values := make([]string, len(held))
	for i, st := range held {
		values[i] = string(st)
	}
	out := make(map[archive.FilterCategory]int64)
	err := s.groupCount(ctx, `
SELECT filter_category, count(*) FROM shared_pages
WHERE filter_category <> '' AND status = ANY($1)
GROUP BY filter_category`, []any{values}, func(key string, n int64) {
		out[archive.FilterCategory(key)] = n
	})
	return out, err
}

// PriorityDistribution counts pages per priority score.
func (s *PageStore) PriorityDistribution(ctx context.Context) (map[int]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT priority_score, count(*) FROM shared_pages GROUP BY priority_score`)
	if err != nil {
		return nil, persistence("priority distribution", err)
	}
	defer rows.Close()
	out := make(map[int]int64)
	for rows.Next() {
		var (
			priority int
			n        int64
		)
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, persistence("scan priority", err)
		}
		out[priority] = n
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("priority distribution", err)
	}
	return out, nil
}

// CountStuck counts the pages ListStuck would return.
func (s *PageStore) CountStuck(ctx context.Context, startedBefore time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT count(*) FROM shared_pages
WHERE `+stuckPredicate, startedBefore).Scan(&n)
	if err != nil {
		return 0, persistence("count stuck", err)
	}
	return n, nil
}

// ErrorWindow counts pages finished since the cutoff and how many of them failed.
func (s *PageStore) ErrorWindow(ctx context.Context, since time.Time) (archive.ErrorWindow, error) {
	var w archive.ErrorWindow
	err := s.db.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE status = 'failed')
FROM shared_pages WHERE finished_at >= $1`, since).Scan(&w.Finished, &w.Failed)
	if err != nil {
		return archive.ErrorWindow{}, persistence("error window", err)
	}
	return w, nil
}

func (s *PageStore) groupCount(ctx context.Context, sql string, args []any, add func(string, int64)) error {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return persistence("group count", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return persistence("scan count", err)
		}
		add(key, n)
	}
	if err := rows.Err(); err != nil {
		return persistence("group count", err)
	}
	return nil
}
