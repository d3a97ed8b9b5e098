// Package archive defines core types shared across subsystems.
package archive

import (
	"net/http"
	"time"
)

// SnapshotIdentity is the canonical identity of a historical snapshot.
type SnapshotIdentity struct {
	NormalizedURL string    `json:"normalized_url"`
	CaptureBucket time.Time `json:"capture_bucket"`
	ContentDigest string    `json:"content_digest,omitempty"`
}

// Key renders the deterministic registry key from the URL and capture bucket.
// The digest is a secondary key: the registry uses it only to alias a new
// key onto a page that already holds the same bytes.
func (id SnapshotIdentity) Key() string {
	return id.NormalizedURL + "|" + id.CaptureBucket.UTC().Format(time.RFC3339)
}

// RegistryEntry maps an identity key to the shared page that owns it.
type RegistryEntry struct {
	IdentityKey   string    `json:"identity_key"`
	NormalizedURL string    `json:"normalized_url"`
	CaptureBucket time.Time `json:"capture_bucket"`
	ContentDigest string    `json:"content_digest,omitempty"`
	SharedPageID  string    `json:"shared_page_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClaimResult reports the outcome of a registry claim.
type ClaimResult struct {
	IsNew        bool
	SharedPageID string
	Page         SharedPage
}

// FilterCategory names the heuristic that held a page back.
type FilterCategory string

// Filter categories assigned by the filter engine.
const (
	FilterNone       FilterCategory = ""
	FilterDuplicate  FilterCategory = "duplicate_query"
	FilterListPage   FilterCategory = "list_page"
	FilterSize       FilterCategory = "size"
	FilterType       FilterCategory = "type"
	FilterCustom     FilterCategory = "custom"
	FilterLowQuality FilterCategory = "low_quality"
)

// FilteredStatus returns the filtered_* status a category maps to.
func (c FilterCategory) FilteredStatus() PageStatus {
	switch c {
	case FilterDuplicate:
		return StatusFilteredDuplicate
	case FilterListPage:
		return StatusFilteredListPage
	case FilterSize:
		return StatusFilteredSize
	case FilterType:
		return StatusFilteredType
	case FilterCustom:
		return StatusFilteredCustom
	case FilterLowQuality:
		return StatusFilteredLowQuality
	default:
		return StatusAwaitingManualReview
	}
}

// SharedPage is the single canonical record for one snapshot identity.
type SharedPage struct {
	ID                   string         `json:"id"`
	IdentityKey          string         `json:"identity_key"`
	URL                  string         `json:"url"`
	NormalizedURL        string         `json:"normalized_url"`
	CaptureTime          time.Time      `json:"capture_time"`
	ContentDigest        string         `json:"content_digest,omitempty"`
	Status               PageStatus     `json:"status"`
	FilterCategory       FilterCategory `json:"filter_category,omitempty"`
	FilterReason         string         `json:"filter_reason,omitempty"`
	FilteredStatus       PageStatus     `json:"filtered_status,omitempty"`
	PriorityScore        int            `json:"priority_score"`
	IsManuallyOverridden bool           `json:"is_manually_overridden"`
	ManualReason         string         `json:"manual_reason,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	RetryCount           int            `json:"retry_count"`
	Title                string         `json:"title,omitempty"`
	Author               string         `json:"author,omitempty"`
	ContentType          string         `json:"content_type,omitempty"`
	ContentURI           string         `json:"content_uri,omitempty"`
	ContentLength        int64          `json:"content_length"`
	HTTPStatus           int            `json:"http_status,omitempty"`
	WordCount            int            `json:"word_count"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	ProcessingStartedAt  *time.Time     `json:"processing_started_at,omitempty"`
	FinishedAt           *time.Time     `json:"finished_at,omitempty"`
}

// SeedPage stamps seed with its identity and the pending status so it can be
// created by a winning claim.
func SeedPage(seed SharedPage, identity SnapshotIdentity, now time.Time) SharedPage {
	page := seed
	page.IdentityKey = identity.Key()
	page.NormalizedURL = identity.NormalizedURL
	page.ContentDigest = identity.ContentDigest
	page.Status = StatusPending
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = page.CreatedAt
	return page
}

// PageContent is the extracted output of a fetch.
type PageContent struct {
	ContentType   string
	HTTPStatus    int
	ContentLength int64
	WordCount     int
	Title         string
	Author        string
	Digest        string
	URI           string
}

func (p *SharedPage) applyContent(c PageContent) {
	if c.ContentType != "" {
		p.ContentType = c.ContentType
	}
	if c.HTTPStatus != 0 {
		p.HTTPStatus = c.HTTPStatus
	}
	if c.ContentLength != 0 {
		p.ContentLength = c.ContentLength
	}
	if c.WordCount != 0 {
		p.WordCount = c.WordCount
	}
	if c.Title != "" {
		p.Title = c.Title
	}
	if c.Author != "" {
		p.Author = c.Author
	}
	if c.Digest != "" {
		p.ContentDigest = c.Digest
	}
	if c.URI != "" {
		p.ContentURI = c.URI
	}
}

// ReviewStatus is a project's own judgment of a page.
type ReviewStatus string

// Review status values.
const (
	ReviewUnreviewed  ReviewStatus = "unreviewed"
	ReviewRelevant    ReviewStatus = "relevant"
	ReviewIrrelevant  ReviewStatus = "irrelevant"
	ReviewNeedsReview ReviewStatus = "needs_review"
)

// Valid reports whether r is a known review status.
func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewUnreviewed, ReviewRelevant, ReviewIrrelevant, ReviewNeedsReview:
		return true
	default:
		return false
	}
}

// Association links a project to a shared page with per-project metadata.
type Association struct {
	ProjectID    string       `json:"project_id"`
	SharedPageID string       `json:"shared_page_id"`
	ReviewStatus ReviewStatus `json:"review_status"`
	Tags         []string     `json:"tags"`
	IsStarred    bool         `json:"is_starred"`
	AddedAt      time.Time    `json:"added_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// AttachResult reports whether Attach created a link and how widely the page is shared.
type AttachResult struct {
	Association Association `json:"association"`
	Created     bool        `json:"created"`
	ShareCount  int         `json:"share_count"`
}

// AssociationPatch carries optional per-project updates.
type AssociationPatch struct {
	ReviewStatus *ReviewStatus `json:"review_status,omitempty"`
	Tags         *[]string     `json:"tags,omitempty"`
	IsStarred    *bool         `json:"is_starred,omitempty"`
}

// AssociationStats summarises the association table.
type AssociationStats struct {
	TotalAssociations int64 `json:"total_associations"`
	DistinctPages     int64 `json:"distinct_pages"`
	SharedBeyondFirst int64 `json:"shared_beyond_first"`
}

// ScrapeCandidate is one (url, capture time) request from a project.
type ScrapeCandidate struct {
	ProjectID     string    `json:"project_id"`
	SessionID     string    `json:"session_id"`
	URL           string    `json:"url"`
	CaptureTime   time.Time `json:"capture_time"`
	Digest        string    `json:"digest,omitempty"`
	MimeType      string    `json:"mime_type,omitempty"`
	Length        int64     `json:"length,omitempty"`
	PriorityScore int       `json:"priority_score"`
}

// CandidateOutcome is the terminal classification of a submitted candidate.
type CandidateOutcome string

// Candidate outcomes.
const (
	OutcomeShared    CandidateOutcome = "shared"
	OutcomeCompleted CandidateOutcome = "completed"
	OutcomeFiltered  CandidateOutcome = "filtered"
	OutcomeHeld      CandidateOutcome = "held_for_review"
	OutcomeFailed    CandidateOutcome = "failed"
	OutcomeRejected  CandidateOutcome = "rejected"
	OutcomeCanceled  CandidateOutcome = "canceled"
)

// CandidateResult is returned by the pipeline for every submitted candidate.
type CandidateResult struct {
	Outcome      CandidateOutcome `json:"outcome"`
	SharedPageID string           `json:"shared_page_id,omitempty"`
	Status       PageStatus       `json:"status,omitempty"`
	Attached     bool             `json:"attached"`
	Error        string           `json:"error,omitempty"`
}

// BulkAction names a bulk command.
type BulkAction string

// Supported bulk actions.
const (
	BulkRetry          BulkAction = "retry"
	BulkSkip           BulkAction = "skip"
	BulkSetPriority    BulkAction = "set-priority"
	BulkManualProcess  BulkAction = "manual-process"
	BulkOverrideFilter BulkAction = "override-filter"
	BulkRestoreFilter  BulkAction = "restore-filter"
)

// Valid reports whether a is a known bulk action.
func (a BulkAction) Valid() bool {
	switch a {
	case BulkRetry, BulkSkip, BulkSetPriority, BulkManualProcess, BulkOverrideFilter, BulkRestoreFilter:
		return true
	default:
		return false
	}
}

// BulkRequest is a bulk command over a set of page IDs.
type BulkRequest struct {
	Action   BulkAction `json:"action"`
	PageIDs  []string   `json:"page_ids"`
	Reason   string     `json:"reason,omitempty"`
	Priority *int       `json:"priority,omitempty"`
}

// BulkOutcome is the per-ID result of a bulk command.
type BulkOutcome struct {
	PageID string     `json:"page_id"`
	OK     bool       `json:"ok"`
	Status PageStatus `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// StuckPage is a page that sat in in_progress, or in pending after its claim,
// longer than the limit. Since is processing_started_at for in_progress pages
// and the last status change for pending ones.
type StuckPage struct {
	ID     string     `json:"id"`
	Status PageStatus `json:"status"`
	Since  time.Time  `json:"since"`
}

// ErrorWindow counts finished and failed pages since a point in time.
type ErrorWindow struct {
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
}

// FetchRequest captures everything needed to fetch a snapshot.
type FetchRequest struct {
	PageID      string
	URL         string
	CaptureTime time.Time
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	ContentType string
}

// QueueItem wraps a candidate ready to run.
type QueueItem struct {
	Candidate ScrapeCandidate
	Attempt   int
	Submitted int64
}
