package archive

import (
	"context"
	"io"
	"sync"
)

// SliceSource is a CandidateSource over a fixed list, used by the HTTP submit
// path and tests.
type SliceSource struct {
	mu    sync.Mutex
	items []ScrapeCandidate
	next  int
}

// NewSliceSource returns a source that yields items in order.
func NewSliceSource(items []ScrapeCandidate) *SliceSource {
	return &SliceSource{items: append([]ScrapeCandidate(nil), items...)}
}

// Next implements CandidateSource.
func (s *SliceSource) Next(ctx context.Context) (ScrapeCandidate, error) {
	if err := ctx.Err(); err != nil {
		return ScrapeCandidate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.items) {
		return ScrapeCandidate{}, io.EOF
	}
	item := s.items[s.next]
	s.next++
	return item, nil
}
