package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backup Manager wave metrics
	BackupWavesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeeper_backup_waves_total",
			Help: "Total number of backup manager waves run, by outcome",
		},
		[]string{"outcome"},
	)

	ServiceBackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeeper_service_backups_total",
			Help: "Total number of per-service backup pipeline runs, by outcome",
		},
		[]string{"service", "outcome"},
	)

	ServiceBackupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultkeeper_service_backup_duration_seconds",
			Help:    "Time taken to run one service's backup pipeline",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"service"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultkeeper_pipeline_stage_duration_seconds",
			Help:    "Time taken by one pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ArchiveBytesWritten = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultkeeper_archive_bytes_written",
			Help:    "Size in bytes of completed archives",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10), // 1MiB .. ~256GiB
		},
		[]string{"service"},
	)

	// Lock Manager metrics
	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeeper_lock_contention_total",
			Help: "Total number of lock acquisitions that found an existing live lock",
		},
		[]string{"service"},
	)

	StaleLocksReplacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeeper_stale_locks_replaced_total",
			Help: "Total number of stale locks replaced or swept",
		},
	)

	// Retention Engine metrics
	RetentionSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultkeeper_retention_sweep_duration_seconds",
			Help:    "Time taken for a retention sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetentionDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeeper_retention_deleted_total",
			Help: "Total number of archives deleted by the retention engine",
		},
	)

	// Registry Adapter metrics
	RegistryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultkeeper_registry_requests_total",
			Help: "Total number of registry HTTP requests, by outcome",
		},
		[]string{"outcome"},
	)

	RegistryCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultkeeper_registry_cache_hits_total",
			Help: "Total number of registry cache read hits",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BackupWavesTotal,
		ServiceBackupsTotal,
		ServiceBackupDuration,
		PipelineStageDuration,
		ArchiveBytesWritten,
		LockContentionTotal,
		StaleLocksReplacedTotal,
		RetentionSweepDuration,
		RetentionDeletedTotal,
		RegistryRequestsTotal,
		RegistryCacheHitsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
