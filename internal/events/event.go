// Package events carries page lifecycle notifications from the pipeline and
// association layer to pluggable sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes which lifecycle milestone an Event represents.
type Kind string

// Supported event kinds.
const (
	KindClaimed    Kind = "page.claimed"
	KindDedupHit   Kind = "page.dedup_hit"
	KindFiltered   Kind = "page.filtered"
	KindCompleted  Kind = "page.completed"
	KindFailed     Kind = "page.failed"
	KindSkipped    Kind = "page.skipped"
	KindOverridden Kind = "page.overridden"
	KindRestored   Kind = "page.restored"
	KindTimedOut   Kind = "page.timed_out"
	KindAttached   Kind = "association.attached"
	KindDetached   Kind = "association.detached"
)

var knownKinds = map[Kind]struct{}{
	KindClaimed: {}, KindDedupHit: {}, KindFiltered: {}, KindCompleted: {},
	KindFailed: {}, KindSkipped: {}, KindOverridden: {}, KindRestored: {},
	KindTimedOut: {}, KindAttached: {}, KindDetached: {},
}

// Event is one lifecycle notification.
type Event struct {
	Kind      Kind      `json:"kind"`
	TS        time.Time `json:"ts"`
	PageID    string    `json:"page_id"`
	ProjectID string    `json:"project_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    string    `json:"status,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if _, ok := knownKinds[e.Kind]; !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.PageID == "" {
		return errors.New("page id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindAttached, KindDetached:
		if e.ProjectID == "" {
			return errors.New("association events require project id")
		}
	}
	return nil
}

// Attributes returns routing attributes for message brokers.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"kind":    string(e.Kind),
		"page_id": e.PageID,
	}
	if e.ProjectID != "" {
		attrs["project_id"] = e.ProjectID
	}
	return attrs
}
