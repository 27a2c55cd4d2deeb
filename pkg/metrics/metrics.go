// Package metrics provides Prometheus instrumentation for the tap.
//
// All collectors are registered at package init through promauto. The tap
// is a batch process, so the primary consumer is the end-of-run summary
// logged by the CLI; long-running deployments can additionally expose the
// default registry over HTTP.
//
// # Basic Usage
//
//	metrics.RecordsEmitted.WithLabelValues("account").Add(150)
//
//	timer := metrics.NewTimer()
//	syncEntity(ctx, entity)
//	metrics.EntitySyncDuration.WithLabelValues("account", "success").
//	    Observe(timer.Stop().Seconds())
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsEmitted counts RECORD messages written to the output stream.
	// Labels: entity (logical name)
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_records_emitted_total",
			Help: "Total RECORD messages emitted",
		},
		[]string{"entity"},
	)

	// PagesFetched counts result pages retrieved from the Web API.
	// Labels: entity
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_pages_fetched_total",
			Help: "Total result pages fetched",
		},
		[]string{"entity"},
	)

	// HTTPRequests counts individual HTTP attempts by outcome.
	// Labels: method, status (numeric code or "error")
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_http_requests_total",
			Help: "Total HTTP requests issued",
		},
		[]string{"method", "status"},
	)

	// HTTPRetries counts retried attempts by trigger.
	// Labels: reason (rate_limit/server/connection/auth)
	HTTPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_http_retries_total",
			Help: "Total HTTP retries by reason",
		},
		[]string{"reason"},
	)

	// TokenRefreshes counts access-token exchanges.
	// Labels: trigger (expiry/forced)
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_token_refreshes_total",
			Help: "Total OAuth2 token exchanges",
		},
		[]string{"trigger"},
	)

	// BookmarksWritten counts STATE messages carrying advanced bookmarks.
	// Labels: entity
	BookmarksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_bookmarks_written_total",
			Help: "Total bookmark checkpoints emitted",
		},
		[]string{"entity"},
	)

	// EntitySyncDuration tracks wall-clock seconds per entity sync.
	// Labels: entity, status (success/failure)
	EntitySyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quasar_entity_sync_duration_seconds",
			Help:    "Entity sync duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"entity", "status"},
	)

	// EntityFailures counts entity syncs that ended in failure.
	// Labels: entity, error_type
	EntityFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_entity_failures_total",
			Help: "Total failed entity syncs by error type",
		},
		[]string{"entity", "error_type"},
	)
)

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// RunStats aggregates per-run totals for the CLI summary line. The
// Prometheus counters above are cumulative across the process; RunStats
// is reset per invocation and cheap to read.
type RunStats struct {
	startTime time.Time

	records  int64
	pages    int64
	entities int64
	failures int64
}

// NewRunStats creates run-scoped counters starting now.
func NewRunStats() *RunStats {
	return &RunStats{startTime: time.Now()}
}

// AddRecords adds emitted record count.
func (s *RunStats) AddRecords(n int64) { atomic.AddInt64(&s.records, n) }

// AddPage notes a fetched page.
func (s *RunStats) AddPage() { atomic.AddInt64(&s.pages, 1) }

// AddEntity notes a completed entity sync; failed marks it unsuccessful.
func (s *RunStats) AddEntity(failed bool) {
	atomic.AddInt64(&s.entities, 1)
	if failed {
		atomic.AddInt64(&s.failures, 1)
	}
}

// Snapshot returns the current totals along with elapsed wall time.
func (s *RunStats) Snapshot() (records, pages, entities, failures int64, elapsed time.Duration) {
	return atomic.LoadInt64(&s.records),
		atomic.LoadInt64(&s.pages),
		atomic.LoadInt64(&s.entities),
		atomic.LoadInt64(&s.failures),
		time.Since(s.startTime)
}
