package monitor

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	dedupRateDesc = prometheus.NewDesc("chrono_monitor_deduplication_rate",
		"Dedup hits over total candidates since start.", nil, nil)
	sharingDesc = prometheus.NewDesc("chrono_monitor_sharing_efficiency",
		"Associations beyond the first per page over total associations.", nil, nil)
	apiReductionDesc = prometheus.NewDesc("chrono_monitor_api_reduction",
		"Dedup hits over dedup hits plus fetches performed.", nil, nil)
	backlogDesc = prometheus.NewDesc("chrono_monitor_processing_backlog",
		"Pages pending or in progress.", nil, nil)
	stuckDesc = prometheus.NewDesc("chrono_monitor_stuck_pages",
		"Pages in progress beyond the allowed processing time.", nil, nil)
	errorRateDesc = prometheus.NewDesc("chrono_monitor_error_rate_24h",
		"Failed pages over finished pages in the error window.", nil, nil)
	pagesDesc = prometheus.NewDesc("chrono_monitor_pages",
		"Shared pages by status.", []string{"status"}, nil)
	filteredDesc = prometheus.NewDesc("chrono_monitor_filtered_pages",
		"Shared pages by filter category.", []string{"category"}, nil)
	priorityDesc = prometheus.NewDesc("chrono_monitor_priority_pages",
		"Shared pages by priority score.", []string{"priority"}, nil)
)

// Describe implements prometheus.Collector.
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		dedupRateDesc, sharingDesc, apiReductionDesc, backlogDesc, stuckDesc,
		errorRateDesc, pagesDesc, filteredDesc, priorityDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector by taking a fresh snapshot.
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CollectTimeout)
	defer cancel()
	snap, err := m.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("monitor snapshot failed", zap.Error(err))
		ch <- prometheus.NewInvalidMetric(backlogDesc, err)
		return
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(dedupRateDesc, snap.DeduplicationRate)
	gauge(sharingDesc, snap.SharingEfficiency)
	gauge(apiReductionDesc, snap.APIReduction)
	gauge(backlogDesc, float64(snap.ProcessingBacklog))
	gauge(stuckDesc, float64(snap.StuckPages))
	gauge(errorRateDesc, snap.ErrorRate24h)
	for status, n := range snap.StatusCounts {
		gauge(pagesDesc, float64(n), string(status))
	}
	for category, n := range snap.FilterCategories {
		if category == "" {
			continue
		}
		gauge(filteredDesc, float64(n), string(category))
	}
	for priority, n := range snap.PriorityDistribution {
		gauge(priorityDesc, float64(n), strconv.Itoa(priority))
	}
}
