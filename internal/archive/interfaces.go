package archive

import (
	"context"
	"io"
	"time"
)

// Registry maps snapshot identities to shared pages. Claim is the only
// serialization point of the pipeline.
type Registry interface {
	Claim(ctx context.Context, identity SnapshotIdentity, seed SharedPage) (ClaimResult, error)
	Lookup(ctx context.Context, identityKey string) (RegistryEntry, error)
	AttachDigest(ctx context.Context, identityKey string, digest string) error
}

// PageStore persists shared pages. Pages are created by Registry.Claim.
type PageStore interface {
	GetPage(ctx context.Context, id string) (SharedPage, error)
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (SharedPage, error)
	SetPriority(ctx context.Context, id string, priority int) (SharedPage, error)
	ListPages(ctx context.Context, q FilterQuery) ([]SharedPage, error)
	ListStuck(ctx context.Context, startedBefore time.Time) ([]StuckPage, error)
	PageStats
}

// PageStats are the read-only aggregates the monitor and API consume.
type PageStats interface {
	StatusCounts(ctx context.Context) (map[PageStatus]int64, error)
	FilterCategoryCounts(ctx context.Context) (map[FilterCategory]int64, error)
	PriorityDistribution(ctx context.Context) (map[int]int64, error)
	CountStuck(ctx context.Context, startedBefore time.Time) (int64, error)
	ErrorWindow(ctx context.Context, since time.Time) (ErrorWindow, error)
}

// AssociationStore persists project to page links.
type AssociationStore interface {
	Attach(ctx context.Context, projectID, pageID string, now time.Time) (AttachResult, error)
	Detach(ctx context.Context, projectID, pageID string) error
	Get(ctx context.Context, projectID, pageID string) (Association, error)
	Update(ctx context.Context, projectID, pageID string, patch AssociationPatch, now time.Time) (Association, error)
	ListByProject(ctx context.Context, projectID string) ([]Association, error)
	ProjectsForPage(ctx context.Context, pageID string) ([]string, error)
	Stats(ctx context.Context) (AssociationStats, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher retrieves the archived bytes of a snapshot.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue provides enqueue/dequeue semantics for candidates.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// CandidateSource yields candidates until it returns io.EOF.
type CandidateSource interface {
	Next(ctx context.Context) (ScrapeCandidate, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces page IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
