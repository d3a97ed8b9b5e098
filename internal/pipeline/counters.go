package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// Counters are in-process totals since start. They back the monitor's
// deduplication and API-reduction ratios.
type Counters struct {
	total             atomic.Int64
	dedupHits         atomic.Int64
	created           atomic.Int64
	fetches           atomic.Int64
	fetchErrors       atomic.Int64
	persistenceErrors atomic.Int64
	invalidURLs       atomic.Int64
	canceled          atomic.Int64
	completed         atomic.Int64
	failed            atomic.Int64

	mu       sync.Mutex
	filtered map[archive.FilterCategory]int64
}

// CountersSnapshot is a point-in-time copy of Counters.
type CountersSnapshot struct {
	Total             int64                            `json:"total"`
	DedupHits         int64                            `json:"dedup_hits"`
	Created           int64                            `json:"created"`
	Fetches           int64                            `json:"fetches"`
	FetchErrors       int64                            `json:"fetch_errors"`
	PersistenceErrors int64                            `json:"persistence_errors"`
	InvalidURLs       int64                            `json:"invalid_urls"`
	Canceled          int64                            `json:"canceled"`
	Completed         int64                            `json:"completed"`
	Failed            int64                            `json:"failed"`
	Filtered          map[archive.FilterCategory]int64 `json:"filtered"`
}

func newCounters() *Counters {
	return &Counters{filtered: make(map[archive.FilterCategory]int64)}
}

func (c *Counters) addFiltered(category archive.FilterCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filtered[category]++
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() CountersSnapshot {
	c.mu.Lock()
	filtered := make(map[archive.FilterCategory]int64, len(c.filtered))
	for k, v := range c.filtered {
		filtered[k] = v
	}
	c.mu.Unlock()
	return CountersSnapshot{
		Total:             c.total.Load(),
		DedupHits:         c.dedupHits.Load(),
		Created:           c.created.Load(),
		Fetches:           c.fetches.Load(),
		FetchErrors:       c.fetchErrors.Load(),
		PersistenceErrors: c.persistenceErrors.Load(),
		InvalidURLs:       c.invalidURLs.Load(),
		Canceled:          c.canceled.Load(),
		Completed:         c.completed.Load(),
		Failed:            c.failed.Load(),
		Filtered:          filtered,
	}
}
