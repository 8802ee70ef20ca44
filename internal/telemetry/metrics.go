package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdmitted         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "plugin_jobs_admitted_total", Help: "Job records created by the admission path"}, []string{"job_kind"})
	SchedulingFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "plugin_jobs_scheduling_failures_total", Help: "Chains the transport rejected"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "plugin_jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsSucceeded        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "plugin_jobs_succeeded_total", Help: "Jobs that reached SUCCESS"}, []string{"job_kind"})
	JobsFailed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "plugin_jobs_failed_total", Help: "Jobs finalized as FAILURE by the error link"}, []string{"job_kind"})
	FinalizationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "plugin_jobs_finalization_failures_total", Help: "Failures escalated because the record could not be finalized"})
	LoadFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "plugin_jobs_load_failures_total", Help: "Deliveries dropped because the record was missing"})
	JobDuration          = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "plugin_job_duration_seconds", Help: "Chain run time on the worker", Buckets: prometheus.DefBuckets}, []string{"job_kind"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "plugin_jobs_queue_depth", Help: "Ready messages waiting for a worker"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "plugin_jobs_inflight", Help: "Chains currently running on this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			SchedulingFailures,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			FinalizationFailures,
			LoadFailures,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
