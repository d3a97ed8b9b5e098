package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// Registry is the in-process CDX registry. One mutex serializes claims; it is
// held only for map work, never across I/O.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]archive.RegistryEntry
	byDigest map[string]string
	pages    *PageStore
	clock    archive.Clock
}

// NewRegistry returns a Registry that creates winning pages in pages.
func NewRegistry(pages *PageStore, clock archive.Clock) *Registry {
	if clock == nil {
		clock = utcClock{}
	}
	return &Registry{
		entries:  make(map[string]archive.RegistryEntry),
		byDigest: make(map[string]string),
		pages:    pages,
		clock:    clock,
	}
}

// Claim returns the existing page for identity or creates seed as its owner.
func (r *Registry) Claim(ctx context.Context, identity archive.SnapshotIdentity, seed archive.SharedPage) (archive.ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return archive.ClaimResult{}, err
	}
	if seed.ID == "" {
		return archive.ClaimResult{}, fmt.Errorf("%w: seed page id is required", archive.ErrValidation)
	}
	key := identity.Key()
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		return r.existing(ctx, entry.SharedPageID)
	}
	if identity.ContentDigest != "" {
		if pageID, ok := r.byDigest[identity.ContentDigest]; ok {
			r.entries[key] = newEntry(key, identity, pageID, now)
			return r.existing(ctx, pageID)
		}
	}

	page := archive.SeedPage(seed, identity, now)
	if err := r.pages.insert(page); err != nil {
		return archive.ClaimResult{}, err
	}
	r.entries[key] = newEntry(key, identity, page.ID, now)
	if identity.ContentDigest != "" {
		r.byDigest[identity.ContentDigest] = page.ID
	}
	return archive.ClaimResult{IsNew: true, SharedPageID: page.ID, Page: page}, nil
}

func (r *Registry) existing(ctx context.Context, pageID string) (archive.ClaimResult, error) {
	page, err := r.pages.GetPage(ctx, pageID)
	if err != nil {
		return archive.ClaimResult{}, err
	}
	return archive.ClaimResult{SharedPageID: pageID, Page: page}, nil
}

// Lookup returns the registry entry for key.
func (r *Registry) Lookup(_ context.Context, identityKey string) (archive.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[identityKey]
	if !ok {
		return archive.RegistryEntry{}, fmt.Errorf("registry %s: %w", identityKey, archive.ErrNotFound)
	}
	return entry, nil
}

// AttachDigest records the digest observed for the page behind identityKey.
// The first page to report a digest owns it.
func (r *Registry) AttachDigest(_ context.Context, identityKey string, digest string) error {
	if digest == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[identityKey]
	if !ok {
		return fmt.Errorf("registry %s: %w", identityKey, archive.ErrNotFound)
	}
	if entry.ContentDigest == "" {
		entry.ContentDigest = digest
		r.entries[identityKey] = entry
	}
	if _, taken := r.byDigest[digest]; !taken {
		r.byDigest[digest] = entry.SharedPageID
	}
	r.pages.setDigest(entry.SharedPageID, digest)
	return nil
}

func newEntry(key string, identity archive.SnapshotIdentity, pageID string, now time.Time) archive.RegistryEntry {
	return archive.RegistryEntry{
		IdentityKey:   key,
		NormalizedURL: identity.NormalizedURL,
		CaptureBucket: identity.CaptureBucket,
		ContentDigest: identity.ContentDigest,
		SharedPageID:  pageID,
		CreatedAt:     now,
	}
}
