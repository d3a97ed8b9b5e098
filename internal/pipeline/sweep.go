package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
)

// Sweep fails every page that has been in_progress longer than the configured
// limit, plus claimed pages left pending that long, and returns how many it
// moved. Each write is conditioned on the status and start stamp it listed,
// so concurrent sweeps never reclassify a page twice and a page restarted
// since the listing is left alone.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Sweep")
	defer span.End()

	cutoff := p.deps.Clock.Now().Add(-p.cfg.MaxProcessingDuration)
	stuck, err := p.deps.Pages.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck: %w", err)
	}
	swept := 0
	for _, s := range stuck {
		if ctx.Err() != nil {
			break
		}
		upd := archive.StatusUpdate{
			To:    archive.StatusFailed,
			Cause: archive.CauseTimeout,
			From:  s.Status,
		}
		if s.Status == archive.StatusInProgress {
			since := s.Since
			upd.StartedAt = &since
			upd.ErrorMessage = fmt.Sprintf("processing exceeded %s (started %s)", p.cfg.MaxProcessingDuration, s.Since.Format(time.RFC3339))
		} else {
			upd.ErrorMessage = fmt.Sprintf("never started within %s (pending since %s)", p.cfg.MaxProcessingDuration, s.Since.Format(time.RFC3339))
		}
		msg := upd.ErrorMessage
		page, err := p.deps.Pages.UpdateStatus(ctx, s.ID, upd)
		if err != nil {
			if errors.Is(err, archive.ErrInvalidTransition) || errors.Is(err, archive.ErrNotFound) {
				continue
			}
			return swept, fmt.Errorf("sweep %s: %w", s.ID, err)
		}
		swept++
		p.counters.failed.Add(1)
		p.emit(events.KindTimedOut, page, archive.ScrapeCandidate{}, msg)
	}
	if swept > 0 {
		metrics.ObserveStuckSwept(swept)
		p.logger.Warn("failed stuck pages", zap.Int("count", swept), zap.Time("cutoff", cutoff))
	}
	return swept, nil
}

// RunSweeper sweeps on every interval tick until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Sweep(ctx); err != nil {
				p.logger.Error("stuck sweep failed", zap.Error(err))
			}
		}
	}
}

// MaxProcessingDuration is the in_progress limit the sweeper enforces.
func (p *Pipeline) MaxProcessingDuration() time.Duration { return p.cfg.MaxProcessingDuration }
