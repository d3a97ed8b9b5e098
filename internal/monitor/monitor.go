// Package monitor computes backlog and health figures on demand from the page
// store, the association store and the pipeline counters.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/pipeline"
)

// AssociationStats is the slice of the association layer the monitor reads.
type AssociationStats interface {
	Stats(ctx context.Context) (archive.AssociationStats, error)
}

// CounterSource yields in-process pipeline counters.
type CounterSource interface {
	Snapshot() pipeline.CountersSnapshot
}

// Config tunes the monitor windows.
type Config struct {
	// StuckAfter is the in_progress age past which a page counts as stuck.
	StuckAfter time.Duration
	// ErrorWindow is the lookback for the error rate.
	ErrorWindow time.Duration
	// CollectTimeout bounds a Prometheus scrape.
	CollectTimeout time.Duration
}

// Snapshot is one computed view. Ratios are always within [0,1].
type Snapshot struct {
	GeneratedAt          time.Time                        `json:"generated_at"`
	DeduplicationRate    float64                          `json:"deduplication_rate"`
	SharingEfficiency    float64                          `json:"sharing_efficiency"`
	APIReduction         float64                          `json:"api_reduction"`
	ProcessingBacklog    int64                            `json:"processing_backlog"`
	StuckPages           int64                            `json:"stuck_pages"`
	ErrorRate24h         float64                          `json:"error_rate_24h"`
	StatusCounts         map[archive.PageStatus]int64     `json:"status_counts"`
	FilterCategories     map[archive.FilterCategory]int64 `json:"filter_categories"`
	PriorityDistribution map[int]int64                    `json:"priority_distribution"`
	Associations         archive.AssociationStats         `json:"associations"`
	ErrorWindow          archive.ErrorWindow              `json:"error_window"`
	Counters             pipeline.CountersSnapshot        `json:"counters"`
}

// Monitor is a read-only aggregator.
type Monitor struct {
	cfg          Config
	pages        archive.PageStats
	associations AssociationStats
	counters     CounterSource
	clock        archive.Clock
	logger       *zap.Logger
}

// New builds a Monitor. Zero durations fall back to 15m stuck, 24h errors and
// a 5s scrape timeout.
func New(cfg Config, pages archive.PageStats, associations AssociationStats, counters CounterSource, clock archive.Clock, logger *zap.Logger) *Monitor {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 15 * time.Minute
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = 24 * time.Hour
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:          cfg,
		pages:        pages,
		associations: associations,
		counters:     counters,
		clock:        clock,
		logger:       logger,
	}
}

// Snapshot reads every aggregate concurrently and derives the ratios.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	now := m.clock.Now()
	snap := Snapshot{GeneratedAt: now}
	if m.counters != nil {
		snap.Counters = m.counters.Snapshot()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		counts, err := m.pages.StatusCounts(gctx)
		if err != nil {
			return fmt.Errorf("status counts: %w", err)
		}
		snap.StatusCounts = counts
		return nil
	})
	g.Go(func() error {
		counts, err := m.pages.FilterCategoryCounts(gctx)
		if err != nil {
			return fmt.Errorf("filter categories: %w", err)
		}
		snap.FilterCategories = counts
		return nil
	})
	g.Go(func() error {
		dist, err := m.pages.PriorityDistribution(gctx)
		if err != nil {
			return fmt.Errorf("priority distribution: %w", err)
		}
		snap.PriorityDistribution = dist
		return nil
	})
	g.Go(func() error {
		n, err := m.pages.CountStuck(gctx, now.Add(-m.cfg.StuckAfter))
		if err != nil {
			return fmt.Errorf("stuck pages: %w", err)
		}
		snap.StuckPages = n
		return nil
	})
	g.Go(func() error {
		w, err := m.pages.ErrorWindow(gctx, now.Add(-m.cfg.ErrorWindow))
		if err != nil {
			return fmt.Errorf("error window: %w", err)
		}
		snap.ErrorWindow = w
		return nil
	})
	if m.associations != nil {
		g.Go(func() error {
			stats, err := m.associations.Stats(gctx)
			if err != nil {
				return fmt.Errorf("association stats: %w", err)
			}
			snap.Associations = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	for status, n := range snap.StatusCounts {
		if status.IsBacklog() {
			snap.ProcessingBacklog += n
		}
	}
	c := snap.Counters
	snap.DeduplicationRate = Ratio(c.DedupHits, c.Total)
	snap.APIReduction = Ratio(c.DedupHits, c.DedupHits+c.Fetches)
	snap.SharingEfficiency = Ratio(snap.Associations.SharedBeyondFirst, snap.Associations.TotalAssociations)
	snap.ErrorRate24h = Ratio(snap.ErrorWindow.Failed, snap.ErrorWindow.Finished)
	return snap, nil
}

// Ratio divides num by den, reporting 0 for a non-positive denominator and
// clamping the result to [0,1].
func Ratio(num, den int64) float64 {
	if den <= 0 || num <= 0 {
		return 0
	}
	r := float64(num) / float64(den)
	if r > 1 {
		return 1
	}
	return r
}
