// Package metrics exposes Prometheus collectors for the deduplication service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	candidatesTotal            *prometheus.CounterVec
	dedupHitsTotal             prometheus.Counter
	pagesCreatedTotal          prometheus.Counter
	filteredTotal              *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	sharingTotal               prometheus.Counter
	bulkActionsTotal           *prometheus.CounterVec
	stuckSweptTotal            prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_candidates_total",
				Help: "Total number of submitted candidates, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dedupHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chrono_dedup_hits_total",
				Help: "Candidates resolved to an existing shared page without a fetch.",
			},
		)

		pagesCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chrono_pages_created_total",
				Help: "Shared pages created by a winning registry claim.",
			},
		)

		filteredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_filtered_total",
				Help: "Pages held back by a filter rule, labeled by category and stage.",
			},
			[]string{"category", "stage"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_fetches_total",
				Help: "Snapshot fetches, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chrono_fetch_duration_seconds",
				Help:    "Histogram of snapshot fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		sharingTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chrono_sharing_total",
				Help: "Associations created on a page another project already holds.",
			},
		)

		bulkActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrono_bulk_actions_total",
				Help: "Per-page bulk action results, labeled by action and result.",
			},
			[]string{"action", "result"},
		)

		stuckSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chrono_stuck_swept_total",
				Help: "In-progress pages failed by the stuck-page sweep.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chrono_active_workers",
				Help: "Number of workers currently processing a candidate.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chrono_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCandidate increments the candidate counter for outcome.
func ObserveCandidate(outcome string) {
	Init()
	candidatesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDedupHit records a registry hit.
func ObserveDedupHit() {
	Init()
	dedupHitsTotal.Inc()
}

// ObservePageCreated records a winning claim.
func ObservePageCreated() {
	Init()
	pagesCreatedTotal.Inc()
}

// ObserveFiltered records a filter match.
func ObserveFiltered(category, stage string) {
	Init()
	filteredTotal.WithLabelValues(category, stage).Inc()
}

// ObserveFetch records one fetch attempt outcome.
func ObserveFetch(site, result string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(site), result).Inc()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveSharing records a new association on an already shared page.
func ObserveSharing() {
	Init()
	sharingTotal.Inc()
}

// ObserveBulk records a per-page bulk result.
func ObserveBulk(action, result string) {
	Init()
	bulkActionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveStuckSwept records pages failed by the sweep.
func ObserveStuckSwept(n int) {
	Init()
	stuckSweptTotal.Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records request counts and latencies keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
