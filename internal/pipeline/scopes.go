package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

type scopeKind string

const (
	scopeSession scopeKind = "session"
	scopeProject scopeKind = "project"
)

type scopeKey struct {
	kind scopeKind
	id   string
}

type inflight struct {
	cancel context.CancelCauseFunc
}

// Scopes tracks in-flight candidate contexts per session and project so either
// can be canceled as a unit. A canceled scope also rejects later candidates.
type Scopes struct {
	mu       sync.Mutex
	canceled map[scopeKey]struct{}
	live     map[scopeKey]map[*inflight]struct{}
}

// NewScopes constructs an empty registry.
func NewScopes() *Scopes {
	return &Scopes{
		canceled: make(map[scopeKey]struct{}),
		live:     make(map[scopeKey]map[*inflight]struct{}),
	}
}

func candidateKeys(c archive.ScrapeCandidate) []scopeKey {
	keys := make([]scopeKey, 0, 2)
	if c.SessionID != "" {
		keys = append(keys, scopeKey{scopeSession, c.SessionID})
	}
	if c.ProjectID != "" {
		keys = append(keys, scopeKey{scopeProject, c.ProjectID})
	}
	return keys
}

// Bind derives a cancelable context for c. The returned release func must be
// called when the candidate finishes.
func (s *Scopes) Bind(ctx context.Context, c archive.ScrapeCandidate) (context.Context, func(), error) {
	keys := candidateKeys(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.canceled[k]; ok {
			return ctx, func() {}, fmt.Errorf("%w: %s %s", archive.ErrSessionCanceled, k.kind, k.id)
		}
	}
	child, cancel := context.WithCancelCause(ctx)
	entry := &inflight{cancel: cancel}
	for _, k := range keys {
		set, ok := s.live[k]
		if !ok {
			set = make(map[*inflight]struct{})
			s.live[k] = set
		}
		set[entry] = struct{}{}
	}
	release := func() {
		s.mu.Lock()
		for _, k := range keys {
			if set, ok := s.live[k]; ok {
				delete(set, entry)
				if len(set) == 0 {
					delete(s.live, k)
				}
			}
		}
		s.mu.Unlock()
		cancel(nil)
	}
	return child, release, nil
}

// CancelSession cancels a session's in-flight work and returns how many candidates were interrupted.
func (s *Scopes) CancelSession(id string) int {
	return s.cancel(scopeKey{scopeSession, id})
}

// CancelProject cancels a project's in-flight work and returns how many candidates were interrupted.
func (s *Scopes) CancelProject(id string) int {
	return s.cancel(scopeKey{scopeProject, id})
}

// Resume clears a cancellation so new candidates of the scope are accepted again.
func (s *Scopes) Resume(kind string, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.canceled, scopeKey{scopeKind(kind), id})
}

func (s *Scopes) cancel(k scopeKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled[k] = struct{}{}
	n := 0
	for entry := range s.live[k] {
		entry.cancel(fmt.Errorf("%w: %s %s", archive.ErrSessionCanceled, k.kind, k.id))
		n++
	}
	return n
}
