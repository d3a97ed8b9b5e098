package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

const associationColumns = `project_id, shared_page_id, review_status, tags, is_starred, added_at, updated_at`

// AssociationStore persists project to page links in project_pages.
type AssociationStore struct {
	db DB
}

// NewAssociationStore wraps db.
func NewAssociationStore(db DB) *AssociationStore {
	return &AssociationStore{db: db}
}

func scanAssociation(row pgx.Row) (archive.Association, error) {
	var (
		a      archive.Association
		review string
	)
	if err := row.Scan(&a.ProjectID, &a.SharedPageID, &review, &a.Tags, &a.IsStarred, &a.AddedAt, &a.UpdatedAt); err != nil {
		return archive.Association{}, err
	}
	a.ReviewStatus = archive.ReviewStatus(review)
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a, nil
}

func notFound(projectID, pageID string) error {
	return fmt.Errorf("association %s/%s: %w", projectID, pageID, archive.ErrNotFound)
}

// Attach links projectID to pageID. Attaching twice returns the existing link.
func (s *AssociationStore) Attach(ctx context.Context, projectID, pageID string, now time.Time) (archive.AttachResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return archive.AttachResult{}, persistence("begin", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
INSERT INTO project_pages (project_id, shared_page_id, review_status, tags, is_starred, added_at, updated_at)
VALUES ($1,$2,$3,'{}',FALSE,$4,$4)
ON CONFLICT (project_id, shared_page_id) DO NOTHING`,
		projectID, pageID, string(archive.ReviewUnreviewed), now)
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return archive.AttachResult{}, fmt.Errorf("page %s: %w", pageID, archive.ErrNotFound)
		}
		return archive.AttachResult{}, persistence("attach", err)
	}
	assoc, err := scanAssociation(tx.QueryRow(ctx,
		`SELECT `+associationColumns+` FROM project_pages WHERE project_id = $1 AND shared_page_id = $2`,
		projectID, pageID))
	if err != nil {
		return archive.AttachResult{}, persistence("read association", err)
	}
	var shares int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM project_pages WHERE shared_page_id = $1`, pageID).Scan(&shares); err != nil {
		return archive.AttachResult{}, persistence("count shares", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return archive.AttachResult{}, persistence("commit attach", err)
	}
	return archive.AttachResult{Association: assoc, Created: tag.RowsAffected() == 1, ShareCount: shares}, nil
}

// Detach removes the link. The page itself is untouched.
func (s *AssociationStore) Detach(ctx context.Context, projectID, pageID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM project_pages WHERE project_id = $1 AND shared_page_id = $2`, projectID, pageID)
	if err != nil {
		return persistence("detach", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(projectID, pageID)
	}
	return nil
}

// Get returns one link.
func (s *AssociationStore) Get(ctx context.Context, projectID, pageID string) (archive.Association, error) {
	assoc, err := scanAssociation(s.db.QueryRow(ctx,
		`SELECT `+associationColumns+` FROM project_pages WHERE project_id = $1 AND shared_page_id = $2`,
		projectID, pageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Association{}, notFound(projectID, pageID)
	}
	if err != nil {
		return archive.Association{}, persistence("get association", err)
	}
	return assoc, nil
}

// Update applies the non-nil fields of patch.
func (s *AssociationStore) Update(ctx context.Context, projectID, pageID string, patch archive.AssociationPatch, now time.Time) (archive.Association, error) {
	var (
		review *string
		tags   []string
	)
	if patch.ReviewStatus != nil {
		v := string(*patch.ReviewStatus)
		review = &v
	}
	if patch.Tags != nil {
		tags = append([]string{}, (*patch.Tags)...)
	}
	assoc, err := scanAssociation(s.db.QueryRow(ctx, `
UPDATE project_pages SET
	review_status = COALESCE($3::text, review_status),
	tags = COALESCE($4::text[], tags),
	is_starred = COALESCE($5::boolean, is_starred),
	updated_at = $6
WHERE project_id = $1 AND shared_page_id = $2
RETURNING `+associationColumns,
		projectID, pageID, review, tags, patch.IsStarred, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.Association{}, notFound(projectID, pageID)
	}
	if err != nil {
		return archive.Association{}, persistence("update association", err)
	}
	return assoc, nil
}

// ListByProject returns a project's links, newest first.
func (s *AssociationStore) ListByProject(ctx context.Context, projectID string) ([]archive.Association, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+associationColumns+` FROM project_pages
WHERE project_id = $1
ORDER BY added_at DESC, shared_page_id`, projectID)
	if err != nil {
		return nil, persistence("list associations", err)
	}
	defer rows.Close()
	out := make([]archive.Association, 0)
	for rows.Next() {
		assoc, err := scanAssociation(rows)
		if err != nil {
			return nil, persistence("scan association", err)
		}
		out = append(out, assoc)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list associations", err)
	}
	return out, nil
}

// ProjectsForPage lists the projects sharing pageID, sorted.
func (s *AssociationStore) ProjectsForPage(ctx context.Context, pageID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT project_id FROM project_pages WHERE shared_page_id = $1 ORDER BY project_id`, pageID)
	if err != nil {
		return nil, persistence("projects for page", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistence("scan project", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("projects for page", err)
	}
	return out, nil
}

// Stats summarises the link table.
func (s *AssociationStore) Stats(ctx context.Context) (archive.AssociationStats, error) {
	var st archive.AssociationStats
	err := s.db.QueryRow(ctx, `SELECT count(*), count(DISTINCT shared_page_id) FROM project_pages`).
		Scan(&st.TotalAssociations, &st.DistinctPages)
	if err != nil {
		return archive.AssociationStats{}, persistence("association stats", err)
	}
	st.SharedBeyondFirst = st.TotalAssociations - st.DistinctPages
	return st, nil
}
