// Package dispatcher manages worker fan-out over the candidate queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   archive.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue archive.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue wraps c in a queue item and forwards it to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, c archive.ScrapeCandidate) error {
	item := archive.QueueItem{Candidate: c, Attempt: 1, Submitted: time.Now().UnixNano()}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Ingest drains src into the queue until it returns io.EOF. It returns the
// number of candidates enqueued.
func (d *Dispatcher) Ingest(ctx context.Context, src archive.CandidateSource) (int, error) {
	n := 0
	for {
		c, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("candidate source: %w", err)
		}
		if err := d.Enqueue(ctx, c); err != nil {
			return n, err
		}
		n++
	}
}
