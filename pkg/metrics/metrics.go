// Package metrics exports Prometheus instrumentation for the scheduler, the
// workload control loops, and the runtime listing cache. Collection is
// opt-in: callers must register the collectors (via MustRegisterAll) with a
// prometheus.Registerer of their choice, matching the teacher's convention of
// a package-level variable set of collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WorkloadsCreated counts successful runtime adapter Create calls.
	WorkloadsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbital_workloads_created_total",
		Help: "Total number of workload instances successfully created by the runtime adapter.",
	})

	// WorkloadsFailed counts Create calls that ultimately exhausted restarts.
	WorkloadsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbital_workloads_failed_total",
		Help: "Total number of workload instances that failed after exhausting restarts.",
	})

	// RestartsTotal counts control-loop restart self-sends.
	RestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbital_workload_restarts_total",
		Help: "Total number of restart attempts issued by workload control loops.",
	}, []string{"workload"})

	// SchedulerQueueDepth reports the current number of pending scheduler entries.
	SchedulerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbital_scheduler_queue_depth",
		Help: "Number of workload operations currently parked in the dependency scheduler.",
	})

	// ControlLoopLatency times how long a Create/Update/Delete command takes
	// end-to-end against the runtime adapter.
	ControlLoopLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbital_control_loop_command_duration_seconds",
		Help:    "Duration of a single control-loop command against the runtime adapter.",
		Buckets: prometheus.DefBuckets,
	})

	// ListingCacheHits/Misses instrument the runtime listing cache's single-flight behavior.
	ListingCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbital_runtime_listing_cache_hits_total",
		Help: "Number of list_states() calls served from the cache without an external call.",
	})
	ListingCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbital_runtime_listing_cache_misses_total",
		Help: "Number of list_states() calls that triggered an external refresh.",
	})

	// ReconciliationCyclesTotal / ReconciliationDuration instrument the agent's
	// scheduler re-scan cycle.
	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbital_scheduler_rescan_total",
		Help: "Total number of dependency scheduler re-scan cycles.",
	})
	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbital_scheduler_rescan_duration_seconds",
		Help:    "Duration of one dependency scheduler re-scan cycle.",
		Buckets: prometheus.DefBuckets,
	})
)

// Timer wraps a monotonic start time for ObserveDuration, matching the
// teacher's pkg/metrics.Timer convenience type.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// MustRegisterAll registers every collector in this package with reg.
func MustRegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		WorkloadsCreated,
		WorkloadsFailed,
		RestartsTotal,
		SchedulerQueueDepth,
		ControlLoopLatency,
		ListingCacheHits,
		ListingCacheMisses,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
	)
}
