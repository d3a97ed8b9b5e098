package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

const maxClaimAttempts = 3

// Registry is the Postgres CDX registry. The primary key on identity_key is
// the serialization point: a claim that loses the insert race rolls back its
// seed page and retries the lookup.
type Registry struct {
	db    DB
	pages *PageStore
	clock archive.Clock
}

// NewRegistry wraps db. Pages read back after a claim go through pages.
func NewRegistry(db DB, pages *PageStore, clock archive.Clock) *Registry {
	if clock == nil {
		clock = utcClock{}
	}
	return &Registry{db: db, pages: pages, clock: clock}
}

// Claim returns the existing page for identity or creates seed as its owner.
func (r *Registry) Claim(ctx context.Context, identity archive.SnapshotIdentity, seed archive.SharedPage) (archive.ClaimResult, error) {
	if seed.ID == "" {
		return archive.ClaimResult{}, fmt.Errorf("%w: seed page id is required", archive.ErrValidation)
	}
	var lastErr error
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		res, err := r.claimOnce(ctx, identity, seed)
		if !errors.Is(err, archive.ErrRegistryConflict) {
			return res, err
		}
		lastErr = err
	}
	return archive.ClaimResult{}, persistence("claim", lastErr)
}

func (r *Registry) claimOnce(ctx context.Context, identity archive.SnapshotIdentity, seed archive.SharedPage) (archive.ClaimResult, error) {
	key := identity.Key()
	pageID, err := r.lookupPageID(ctx, key)
	switch {
	case err == nil:
		return r.existing(ctx, pageID)
	case !errors.Is(err, archive.ErrNotFound):
		return archive.ClaimResult{}, err
	}

	now := r.clock.Now()
	if identity.ContentDigest != "" {
		pageID, err := r.digestOwner(ctx, identity.ContentDigest)
		switch {
		case err == nil:
			if err := r.alias(ctx, key, identity, pageID, now); err != nil {
				return archive.ClaimResult{}, err
			}
			return r.existing(ctx, pageID)
		case !errors.Is(err, archive.ErrNotFound):
			return archive.ClaimResult{}, err
		}
	}
	return r.create(ctx, identity, archive.SeedPage(seed, identity, now), now)
}

func (r *Registry) create(ctx context.Context, identity archive.SnapshotIdentity, page archive.SharedPage, now time.Time) (archive.ClaimResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return archive.ClaimResult{}, persistence("begin", err)
	}
	defer rollback(ctx, tx)

	_, err = tx.Exec(ctx, `
INSERT INTO shared_pages (
	id, identity_key, url, normalized_url, capture_time, content_digest,
	status, priority_score, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		page.ID, page.IdentityKey, page.URL, page.NormalizedURL, page.CaptureTime, page.ContentDigest,
		string(page.Status), page.PriorityScore, page.CreatedAt, page.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == uniqueViolation {
			return archive.ClaimResult{}, fmt.Errorf("%w: page %s", archive.ErrRegistryConflict, page.ID)
		}
		return archive.ClaimResult{}, persistence("insert page", err)
	}
	tag, err := tx.Exec(ctx, `
INSERT INTO cdx_registry (identity_key, normalized_url, capture_bucket, content_digest, shared_page_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (identity_key) DO NOTHING`,
		page.IdentityKey, identity.NormalizedURL, identity.CaptureBucket, identity.ContentDigest, page.ID, now,
	)
	if err != nil {
		return archive.ClaimResult{}, persistence("insert registry entry", err)
	}
	if tag.RowsAffected() == 0 {
		return archive.ClaimResult{}, fmt.Errorf("%w: %s", archive.ErrRegistryConflict, page.IdentityKey)
	}
	if identity.ContentDigest != "" {
		if _, err := tx.Exec(ctx, `
INSERT INTO page_digests (digest, shared_page_id) VALUES ($1,$2)
ON CONFLICT (digest) DO NOTHING`, identity.ContentDigest, page.ID); err != nil {
			return archive.ClaimResult{}, persistence("insert digest", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return archive.ClaimResult{}, persistence("commit claim", err)
	}
	return archive.ClaimResult{IsNew: true, SharedPageID: page.ID, Page: page}, nil
}

func (r *Registry) alias(ctx context.Context, key string, identity archive.SnapshotIdentity, pageID string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
INSERT INTO cdx_registry (identity_key, normalized_url, capture_bucket, content_digest, shared_page_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (identity_key) DO NOTHING`,
		key, identity.NormalizedURL, identity.CaptureBucket, identity.ContentDigest, pageID, now,
	)
	if err != nil {
		return persistence("insert registry alias", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", archive.ErrRegistryConflict, key)
	}
	return nil
}

func (r *Registry) existing(ctx context.Context, pageID string) (archive.ClaimResult, error) {
	page, err := r.pages.GetPage(ctx, pageID)
	if err != nil {
		return archive.ClaimResult{}, err
	}
	return archive.ClaimResult{SharedPageID: pageID, Page: page}, nil
}

func (r *Registry) lookupPageID(ctx context.Context, key string) (string, error) {
	var pageID string
	err := r.db.QueryRow(ctx, `SELECT shared_page_id FROM cdx_registry WHERE identity_key = $1`, key).Scan(&pageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("registry %s: %w", key, archive.ErrNotFound)
	}
	if err != nil {
		return "", persistence("lookup registry", err)
	}
	return pageID, nil
}

func (r *Registry) digestOwner(ctx context.Context, digest string) (string, error) {
	var pageID string
	err := r.db.QueryRow(ctx, `SELECT shared_page_id FROM page_digests WHERE digest = $1`, digest).Scan(&pageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("digest %s: %w", digest, archive.ErrNotFound)
	}
	if err != nil {
		return "", persistence("lookup digest", err)
	}
	return pageID, nil
}

// Lookup returns the registry entry for key.
func (r *Registry) Lookup(ctx context.Context, identityKey string) (archive.RegistryEntry, error) {
	var e archive.RegistryEntry
	err := r.db.QueryRow(ctx, `
SELECT identity_key, normalized_url, capture_bucket, content_digest, shared_page_id, created_at
FROM cdx_registry WHERE identity_key = $1`, identityKey).Scan(
		&e.IdentityKey, &e.NormalizedURL, &e.CaptureBucket, &e.ContentDigest, &e.SharedPageID, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.RegistryEntry{}, fmt.Errorf("registry %s: %w", identityKey, archive.ErrNotFound)
	}
	if err != nil {
		return archive.RegistryEntry{}, persistence("lookup registry", err)
	}
	return e, nil
}

// AttachDigest records the digest observed for the page behind identityKey.
// The first page to report a digest owns it.
func (r *Registry) AttachDigest(ctx context.Context, identityKey string, digest string) error {
	if digest == "" {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return persistence("begin", err)
	}
	defer rollback(ctx, tx)

	var pageID string
	err = tx.QueryRow(ctx, `
UPDATE cdx_registry SET content_digest = CASE WHEN content_digest = '' THEN $2 ELSE content_digest END
WHERE identity_key = $1
RETURNING shared_page_id`, identityKey, digest).Scan(&pageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("registry %s: %w", identityKey, archive.ErrNotFound)
	}
	if err != nil {
		return persistence("attach digest", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO page_digests (digest, shared_page_id) VALUES ($1,$2)
ON CONFLICT (digest) DO NOTHING`, digest, pageID); err != nil {
		return persistence("insert digest", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE shared_pages SET content_digest = $2 WHERE id = $1 AND content_digest = ''`, pageID, digest); err != nil {
		return persistence("set page digest", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence("commit digest", err)
	}
	return nil
}
