package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task/scheduler metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentctl_tasks_total",
			Help: "Total number of known tasks by running state",
		},
		[]string{"state"},
	)

	TasksLaunchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentctl_tasks_launched_total",
			Help: "Total number of task runs launched",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentctl_tasks_failed_total",
			Help: "Total number of task runs that exited non-zero",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentctl_scheduling_latency_seconds",
			Help:    "Time taken for one scheduler poll-to-dispatch cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Manifest/module loader metrics
	ManifestLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentctl_manifest_load_duration_seconds",
			Help:    "Time taken to fetch and verify the manifest",
			Buckets: prometheus.DefBuckets,
		},
	)

	ManifestVerifyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentctl_manifest_verify_failures_total",
			Help: "Total number of manifest signature verification failures",
		},
	)

	ModuleFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentctl_module_fetches_total",
			Help: "Total number of module fetches by source",
		},
		[]string{"source"}, // "cache" or "network"
	)

	ModuleDecryptFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentctl_module_decrypt_failures_total",
			Help: "Total number of module integrity/decrypt failures",
		},
	)

	// Transport metrics
	TransportRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentctl_transport_requests_total",
			Help: "Total number of transport requests by logical route and status",
		},
		[]string{"route", "status"},
	)

	TransportRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentctl_transport_request_duration_seconds",
			Help:    "Transport request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Cache metrics
	CacheEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentctl_cache_entries_total",
			Help: "Total number of entries in the content cache",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentctl_cache_evictions_total",
			Help: "Total number of cache evictions by reason",
		},
		[]string{"reason"}, // "expired", "tag", "capacity"
	)

	// Worker metrics
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentctl_workers_running",
			Help: "Number of worker child processes currently running",
		},
	)

	WorkerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentctl_worker_start_duration_seconds",
			Help:    "Time taken to spawn a worker child process",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksLaunchedTotal,
		TasksFailedTotal,
		SchedulingLatency,
		ManifestLoadDuration,
		ManifestVerifyFailuresTotal,
		ModuleFetchesTotal,
		ModuleDecryptFailuresTotal,
		TransportRequestsTotal,
		TransportRequestDuration,
		CacheEntriesTotal,
		CacheEvictionsTotal,
		WorkersRunning,
		WorkerStartDuration,
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

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
