// Package metrics exposes Bichon's runtime counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IMAP pool metrics (C2)
	PoolConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bichon_imap_pool_connections_active",
		Help: "Number of checked-out IMAP connections per account",
	}, []string{"account_id"})

	PoolConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bichon_imap_pool_connections_idle",
		Help: "Number of idle IMAP connections per account",
	}, []string{"account_id"})

	PoolWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bichon_imap_pool_wait_duration_seconds",
		Help:    "Time spent waiting to acquire an IMAP connection",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	PoolConnectionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_imap_pool_connections_evicted_total",
		Help: "Total IMAP connections evicted as broken",
	}, []string{"account_id"})

	// IMAP executor metrics (C3)
	IMAPCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_imap_commands_total",
		Help: "Total IMAP commands executed by command name",
	}, []string{"command", "result"})

	IMAPCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bichon_imap_command_duration_seconds",
		Help:    "Time taken to execute an IMAP command",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"command"})

	// Sync controller metrics (C7)
	SyncWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bichon_sync_workers_active",
		Help: "Number of accounts currently syncing",
	})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_sync_runs_total",
		Help: "Total sync runs by outcome",
	}, []string{"outcome"})

	SyncEnvelopesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_sync_envelopes_indexed_total",
		Help: "Total envelopes indexed per account",
	}, []string{"account_id"})

	SyncBackoffSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bichon_sync_backoff_seconds",
		Help: "Current backoff duration applied to a stalled account sync",
	}, []string{"account_id"})

	// Index writer metrics (C5/C6)
	IndexBatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_index_batch_flushes_total",
		Help: "Total index batch flushes by index and trigger",
	}, []string{"index", "trigger"})

	IndexBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bichon_index_batch_size",
		Help:    "Number of documents committed per batch flush",
		Buckets: prometheus.LinearBuckets(50, 50, 10),
	}, []string{"index"})

	IndexBatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_index_batch_failures_total",
		Help: "Total batch commit failures after retry exhaustion",
	}, []string{"index"})

	IndexQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bichon_index_queue_depth",
		Help: "Current number of documents buffered awaiting flush",
	}, []string{"index"})

	// Ingest metrics (C8)
	IngestMessagesImported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_ingest_messages_imported_total",
		Help: "Total messages imported by source kind",
	}, []string{"source"})

	// HTTP boundary metrics (C13)
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_http_requests_total",
		Help: "Total HTTP requests by operation and status class",
	}, []string{"operation", "status_class"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bichon_http_request_duration_seconds",
		Help:    "HTTP request duration by operation",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"operation"})

	// Auth & rate-limit metrics (C11)
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_auth_attempts_total",
		Help: "Total authentication attempts by result",
	}, []string{"result"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_rate_limit_rejections_total",
		Help: "Total requests rejected for exceeding a user's rate limit",
	}, []string{"user_id"})

	// System metrics
	Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bichon_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bichon_errors_total",
		Help: "Total errors by component and error kind",
	}, []string{"component", "kind"})
)

// RecordIMAPCommand records an executed IMAP command and its duration.
func RecordIMAPCommand(command string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	IMAPCommands.WithLabelValues(command, result).Inc()
	IMAPCommandDuration.WithLabelValues(command).Observe(durationSeconds)
}

// RecordSyncRun records the terminal outcome of one account sync pass.
func RecordSyncRun(outcome string) {
	SyncRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordIndexFlush records a completed batch flush for an index.
func RecordIndexFlush(index, trigger string, size int) {
	IndexBatchFlushes.WithLabelValues(index, trigger).Inc()
	IndexBatchSize.WithLabelValues(index).Observe(float64(size))
}

// RecordAuth records an authentication attempt.
func RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result).Inc()
}

// RecordError records an error by originating component and kind.
func RecordError(component, kind string) {
	Errors.WithLabelValues(component, kind).Inc()
}
