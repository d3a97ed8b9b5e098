// Package worker implements the candidate execution loop.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
	"github.com/linksmith/chrono-scraper-sub004/internal/queue/memory"
)

// Processor runs one candidate through the pipeline.
type Processor interface {
	Submit(ctx context.Context, c archive.ScrapeCandidate) (archive.CandidateResult, error)
}

// Worker consumes queue items and hands them to the Processor.
type Worker struct {
	id        int
	queue     archive.Queue
	processor Processor
	logger    *zap.Logger
}

// New constructs a Worker.
func New(id int, queue archive.Queue, processor Processor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:        id,
		queue:     queue,
		processor: processor,
		logger:    logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.handle(ctx, item)
	}
}

func (w *Worker) handle(ctx context.Context, item archive.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	c := item.Candidate
	w.logger.Debug("dequeued candidate", zap.String("project_id", c.ProjectID), zap.String("url", c.URL))
	res, err := w.processor.Submit(ctx, c)
	if err != nil {
		level := zap.WarnLevel
		if res.Outcome == archive.OutcomeFailed {
			level = zap.ErrorLevel
		}
		w.logger.Log(level, "candidate not processed",
			zap.String("project_id", c.ProjectID),
			zap.String("url", c.URL),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("candidate processed",
		zap.String("project_id", c.ProjectID),
		zap.String("page_id", res.SharedPageID),
		zap.String("outcome", string(res.Outcome)),
	)
}
