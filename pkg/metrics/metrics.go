package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsTotal tracks jobs known to the broker by state.
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maelstrom_jobs_total",
			Help: "Total number of jobs known to the broker by state",
		},
		[]string{"state"},
	)

	// JobsCompletedTotal tracks jobs that reached a terminal outcome.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maelstrom_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal outcome, by kind",
		},
		[]string{"outcome"},
	)

	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_workers_total",
			Help: "Total number of workers currently connected to the broker",
		},
	)

	WorkerSlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_worker_slots_total",
			Help: "Sum of all connected workers' slot counts",
		},
	)

	WorkerSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_worker_slots_in_use",
			Help: "Sum of all connected workers' currently occupied slots",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maelstrom_scheduling_latency_seconds",
			Help:    "Time from a job entering the pending queue to being dispatched to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maelstrom_jobs_dispatched_total",
			Help: "Total number of job-to-worker assignments made by the scheduler",
		},
	)

	ArtifactBytesStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_artifact_bytes_stored",
			Help: "Total bytes of artifact blobs currently held by the broker registry",
		},
	)

	WorkerCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maelstrom_worker_cache_hits_total",
			Help: "Total number of worker cache lookups satisfied without a fetch",
		},
	)

	WorkerCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maelstrom_worker_cache_misses_total",
			Help: "Total number of worker cache lookups that triggered a fetch",
		},
	)

	WorkerCacheBytesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maelstrom_worker_cache_bytes_in_use",
			Help: "Bytes currently occupied by the worker's on-disk artifact cache",
		},
	)

	WorkerCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maelstrom_worker_cache_evictions_total",
			Help: "Total number of cache entries evicted to reach the byte budget",
		},
	)

	ContainerBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maelstrom_container_build_duration_seconds",
			Help:    "Time spent constructing a job's container before exec",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ArtifactFetchDuration is labeled by artifact kind so a manifest's
	// near-instant fetch doesn't share buckets with a multi-megabyte tar
	// layer.
	ArtifactFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maelstrom_artifact_fetch_duration_seconds",
			Help:    "Time spent fetching one artifact from the broker, by artifact kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsTotal,
		JobsCompletedTotal,
		WorkersTotal,
		WorkerSlotsTotal,
		WorkerSlotsInUse,
		SchedulingLatency,
		JobsDispatchedTotal,
		ArtifactBytesStored,
		WorkerCacheHitsTotal,
		WorkerCacheMissesTotal,
		WorkerCacheBytesInUse,
		WorkerCacheEvictionsTotal,
		ContainerBuildDuration,
		ArtifactFetchDuration,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and observes the elapsed duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labels ...string) {
	histogramVec.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
