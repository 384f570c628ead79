// Package metrics exposes Prometheus collectors for the asset service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	resolutionsTotal           *prometheus.CounterVec
	liveFailuresTotal          *prometheus.CounterVec
	upstreamRequestsTotal      *prometheus.CounterVec
	upstreamBytesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	throttleMarksTotal         *prometheus.CounterVec
	archiveOutcomesTotal       *prometheus.CounterVec
	bulkOutcomesTotal          *prometheus.CounterVec
	batchFailedSlotsTotal      prometheus.Counter
	cacheIndexEntries          prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_resolutions_total",
				Help: "Total number of resolved items, labeled by source and tier.",
			},
			[]string{"source", "tier"},
		)

		liveFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_live_failures_total",
				Help: "Live tier attempts that fell through, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_upstream_requests_total",
				Help: "Total number of upstream fetches, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		upstreamBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_upstream_bytes_total",
				Help: "Total number of bytes fetched, labeled by host.",
			},
			[]string{"host"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		throttleMarksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_throttle_marks_total",
				Help: "Number of times a throttle window was set, labeled by key.",
			},
			[]string{"key"},
		)

		archiveOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_archive_outcomes_total",
				Help: "Archive collector iterations, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		bulkOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vector_bulk_outcomes_total",
				Help: "Bulk builder candidates, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		batchFailedSlotsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vector_batch_failed_slots_total",
				Help: "Batch slots that could not be resolved by any tier.",
			},
		)

		cacheIndexEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vector_cache_index_entries",
				Help: "Number of entries in the in-memory cache index mirror.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vector_rate_limit_delays_seconds",
				Help:    "Histogram of politeness limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// ObserveResolution counts a resolved item.
func ObserveResolution(source, tier string) {
	Init()
	resolutionsTotal.WithLabelValues(source, tier).Inc()
}

// ObserveLiveFailure counts a live attempt that fell through to the next tier.
func ObserveLiveFailure(source, reason string) {
	Init()
	liveFailuresTotal.WithLabelValues(source, reason).Inc()
}

// ObserveFetch increments the upstream fetch metrics.
func ObserveFetch(rawURL string, status int, bytesFetched int) {
	Init()
	host := SanitizeSite(rawURL)
	upstreamRequestsTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		upstreamBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveThrottleMark counts a throttle window being set.
func ObserveThrottleMark(key string) {
	Init()
	throttleMarksTotal.WithLabelValues(key).Inc()
}

// ObserveArchiveOutcome counts one archive collector iteration.
func ObserveArchiveOutcome(outcome string) {
	Init()
	archiveOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBulkOutcome counts one bulk builder candidate.
func ObserveBulkOutcome(outcome string) {
	Init()
	bulkOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBatchFailedSlot counts a batch slot that yielded nothing.
func ObserveBatchFailedSlot() {
	Init()
	batchFailedSlotsTotal.Inc()
}

// SetCacheIndexEntries records the current size of the index mirror.
func SetCacheIndexEntries(n int) {
	Init()
	cacheIndexEntries.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
