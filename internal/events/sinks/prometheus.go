package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linksmith/chrono-scraper-sub004/internal/events"
)

// PrometheusSink exports lifecycle event counts, in-flight pages and the
// claim-to-terminal latency of each page.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
	inFlight    prometheus.Gauge
	lifetime    *prometheus.HistogramVec

	tracker *claimTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
// Collectors that are already registered are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chrono_events_total",
		Help: "Lifecycle events emitted partitioned by kind.",
	}, []string{"kind"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chrono_pages_in_flight",
		Help: "Pages claimed but not yet in a terminal state.",
	})
	lifetime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chrono_page_processing_seconds",
		Help:    "Time from claim to terminal event partitioned by outcome.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 300},
	}, []string{"outcome"})

	var err error
	if eventsTotal, err = registerOrReuse(reg, eventsTotal); err != nil {
		return nil, err
	}
	if inFlight, err = registerOrReuse(reg, inFlight); err != nil {
		return nil, err
	}
	if lifetime, err = registerOrReuse(reg, lifetime); err != nil {
		return nil, err
	}
	return &PrometheusSink{
		eventsTotal: eventsTotal,
		inFlight:    inFlight,
		lifetime:    lifetime,
		tracker:     newClaimTracker(),
	}, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register event collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindClaimed:
			if s.tracker.start(evt.PageID, evt.TS) {
				s.inFlight.Inc()
			}
		case events.KindCompleted, events.KindFailed, events.KindFiltered,
			events.KindSkipped, events.KindTimedOut:
			started, ok := s.tracker.complete(evt.PageID)
			if !ok {
				continue
			}
			s.inFlight.Dec()
			if d := evt.TS.Sub(started); d > 0 {
				s.lifetime.WithLabelValues(outcomeLabel(evt.Kind)).Observe(d.Seconds())
			}
		}
	}
	return nil
}

func outcomeLabel(k events.Kind) string {
	switch k {
	case events.KindCompleted:
		return "completed"
	case events.KindFailed:
		return "failed"
	case events.KindFiltered:
		return "filtered"
	case events.KindSkipped:
		return "skipped"
	default:
		return "timed_out"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type claimTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newClaimTracker() *claimTracker {
	return &claimTracker{running: make(map[string]time.Time)}
}

func (t *claimTracker) start(pageID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[pageID]; ok {
		return false
	}
	t.running[pageID] = at
	return true
}

func (t *claimTracker) complete(pageID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.running[pageID]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, pageID)
	return at, true
}
