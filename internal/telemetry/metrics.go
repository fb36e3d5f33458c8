package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_jobs_enqueued_total", Help: "Jobs enqueued"}, []string{"type"})
	JobsClaimed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_jobs_claimed_total", Help: "Jobs claimed by a worker"}, []string{"type"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_jobs_retried_total", Help: "Failed attempts that will retry"}, []string{"type"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_jobs_failed_total", Help: "Jobs failed terminally"}, []string{"type"})
	JobsDeferred   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_jobs_deferred_total", Help: "Jobs returned to pending without consuming an attempt"}, []string{"api", "reason"})
	JobsReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_jobs_reaped_total", Help: "Processing jobs requeued after lease expiry"})
	QuotaDenials   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "catalog_quota_denials_total", Help: "Ledger admissions denied"}, []string{"api", "reason"})
	SyncsTriggered = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_syncs_triggered_total", Help: "sync_source jobs enqueued by the periodic trigger"})

	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_http_rate_limit_rejects_total", Help: "Requests rejected by the enqueue throttle"})

	ReadyDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "catalog_jobs_ready", Help: "Pending jobs whose scheduled time has arrived"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "catalog_jobs_inflight", Help: "Jobs currently run by this process"})
	JobDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_job_duration_seconds",
		Help:    "Handler run time",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"type", "outcome"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsDeferred,
			JobsReaped,
			QuotaDenials,
			SyncsTriggered,
			RateLimitRejects,
			ReadyDepthGauge,
			InFlightGauge,
			JobDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
