package archive

import (
	"fmt"
	"time"
)

// PageStatus represents the lifecycle state of a shared page.
type PageStatus string

// Page status values persisted in the page store.
const (
	StatusPending              PageStatus = "pending"
	StatusInProgress           PageStatus = "in_progress"
	StatusCompleted            PageStatus = "completed"
	StatusFailed               PageStatus = "failed"
	StatusSkipped              PageStatus = "skipped"
	StatusFilteredDuplicate    PageStatus = "filtered_duplicate"
	StatusFilteredListPage     PageStatus = "filtered_list_page"
	StatusFilteredLowQuality   PageStatus = "filtered_low_quality"
	StatusFilteredSize         PageStatus = "filtered_size"
	StatusFilteredType         PageStatus = "filtered_type"
	StatusFilteredCustom       PageStatus = "filtered_custom"
	StatusAwaitingManualReview PageStatus = "awaiting_manual_review"
	StatusManuallyApproved     PageStatus = "manually_approved"
)

// AllStatuses lists every known status in a stable order.
var AllStatuses = []PageStatus{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
	StatusSkipped,
	StatusFilteredDuplicate,
	StatusFilteredListPage,
	StatusFilteredLowQuality,
	StatusFilteredSize,
	StatusFilteredType,
	StatusFilteredCustom,
	StatusAwaitingManualReview,
	StatusManuallyApproved,
}

// Valid reports whether s is a known status.
func (s PageStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsFiltered reports whether s is one of the filtered_* statuses.
func (s PageStatus) IsFiltered() bool {
	switch s {
	case StatusFilteredDuplicate, StatusFilteredListPage, StatusFilteredLowQuality,
		StatusFilteredSize, StatusFilteredType, StatusFilteredCustom:
		return true
	default:
		return false
	}
}

// IsHeld reports whether s is a filtered or review-held status, i.e. eligible for manual override.
func (s PageStatus) IsHeld() bool {
	return s.IsFiltered() || s == StatusAwaitingManualReview
}

// HeldStatuses lists every filtered status plus awaiting_manual_review.
func HeldStatuses() []PageStatus {
	return append([]PageStatus(nil), heldStatuses...)
}

// IsTerminal reports whether s is completed, failed or skipped.
func (s PageStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsBacklog reports whether s still needs processing.
func (s PageStatus) IsBacklog() bool {
	return s == StatusPending || s == StatusInProgress
}

// TransitionCause tags why a status change is requested. The store accepts an
// edge only when the cause is allowed for it.
type TransitionCause string

// Supported transition causes.
const (
	CauseProcessing TransitionCause = "processing"
	CauseManual     TransitionCause = "manual"
	CauseRetry      TransitionCause = "retry"
	CauseTimeout    TransitionCause = "timeout"
)

type edge struct {
	from PageStatus
	to   PageStatus
}

var heldStatuses = []PageStatus{
	StatusFilteredDuplicate,
	StatusFilteredListPage,
	StatusFilteredLowQuality,
	StatusFilteredSize,
	StatusFilteredType,
	StatusFilteredCustom,
	StatusAwaitingManualReview,
}

var transitions = buildTransitions()

func buildTransitions() map[edge][]TransitionCause {
	t := map[edge][]TransitionCause{
		{StatusPending, StatusInProgress}:          {CauseProcessing, CauseManual, CauseRetry},
		{StatusPending, StatusSkipped}:             {CauseManual},
		{StatusPending, StatusFailed}:              {CauseProcessing, CauseTimeout},
		{StatusInProgress, StatusCompleted}:        {CauseProcessing},
		{StatusInProgress, StatusFailed}:           {CauseProcessing, CauseTimeout},
		{StatusInProgress, StatusSkipped}:          {CauseProcessing, CauseManual},
		{StatusManuallyApproved, StatusInProgress}: {CauseManual, CauseProcessing},
		{StatusFailed, StatusPending}:              {CauseRetry},
	}
	for _, held := range heldStatuses {
		t[edge{StatusInProgress, held}] = []TransitionCause{CauseProcessing}
		t[edge{held, StatusManuallyApproved}] = []TransitionCause{CauseManual}
		t[edge{held, StatusSkipped}] = []TransitionCause{CauseManual}
		t[edge{StatusManuallyApproved, held}] = []TransitionCause{CauseManual}
	}
	return t
}

// CanTransition reports whether the state machine allows from→to for cause.
func CanTransition(from, to PageStatus, cause TransitionCause) bool {
	causes, ok := transitions[edge{from, to}]
	if !ok {
		return false
	}
	for _, c := range causes {
		if c == cause {
			return true
		}
	}
	return false
}

// StatusUpdate describes a requested status change plus the metadata that
// travels with it.
type StatusUpdate struct {
	To             PageStatus
	Cause          TransitionCause
	FilterCategory FilterCategory
	FilterReason   string
	ErrorMessage   string
	ManualReason   string
	Content        *PageContent

	// From, when set, must equal the page's current status.
	From PageStatus
	// StartedAt, when set, must equal the page's processing_started_at at
	// microsecond precision. It ties a write to one processing attempt.
	StartedAt *time.Time
}

// ApplyStatusUpdate validates upd against the state machine and returns the
// page as it must be persisted. It never mutates page. Stores call it while
// holding the row (or their mutex) so the check and the write are atomic.
func ApplyStatusUpdate(page SharedPage, upd StatusUpdate, now time.Time) (SharedPage, error) {
	if !upd.To.Valid() {
		return page, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, upd.To)
	}
	if upd.From != "" && page.Status != upd.From {
		return page, fmt.Errorf("%w: expected %s, page is %s", ErrInvalidTransition, upd.From, page.Status)
	}
	if upd.StartedAt != nil && !sameAttempt(page.ProcessingStartedAt, *upd.StartedAt) {
		return page, fmt.Errorf("%w: stale processing attempt", ErrInvalidTransition)
	}
	if !CanTransition(page.Status, upd.To, upd.Cause) {
		return page, fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, page.Status, upd.To, upd.Cause)
	}
	next := page
	next.Status = upd.To
	next.UpdatedAt = now

	switch {
	case upd.To == StatusInProgress:
		started := now
		next.ProcessingStartedAt = &started
		next.FinishedAt = nil
		next.ErrorMessage = ""
	case upd.To == StatusPending && upd.Cause == CauseRetry:
		next.RetryCount++
		next.ProcessingStartedAt = nil
		next.FinishedAt = nil
	case upd.To == StatusManuallyApproved:
		next.IsManuallyOverridden = true
		next.FilteredStatus = page.Status
		next.ManualReason = upd.ManualReason
	case page.Status == StatusManuallyApproved && upd.To.IsHeld():
		if page.FilteredStatus != upd.To {
			return page, fmt.Errorf("%w: restore to %s but page was %s", ErrInvalidTransition, upd.To, page.FilteredStatus)
		}
		next.IsManuallyOverridden = false
		next.ManualReason = upd.ManualReason
	}

	if upd.To.IsTerminal() || (upd.To.IsHeld() && page.Status == StatusInProgress) {
		finished := now
		next.FinishedAt = &finished
	}
	if upd.To.IsHeld() && page.Status == StatusInProgress {
		next.FilterCategory = upd.FilterCategory
		next.FilterReason = upd.FilterReason
	}
	if upd.To == StatusFailed {
		next.ErrorMessage = upd.ErrorMessage
	}
	if upd.To == StatusSkipped && upd.ManualReason != "" {
		next.ManualReason = upd.ManualReason
	}
	if upd.Content != nil {
		next.applyContent(*upd.Content)
	}
	return next, nil
}

// sameAttempt compares start stamps at the precision Postgres stores.
func sameAttempt(current *time.Time, want time.Time) bool {
	if current == nil {
		return false
	}
	return current.Truncate(time.Microsecond).Equal(want.Truncate(time.Microsecond))
}
