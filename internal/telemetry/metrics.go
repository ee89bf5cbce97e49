package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_submissions_total", Help: "Annotation jobs accepted by the gateway"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_jobs_started_total", Help: "Jobs transitioned to RUNNING"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_jobs_completed_total", Help: "Jobs transitioned to COMPLETED"})
	ArchivesTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_archives_total", Help: "Results tiered to the cold-storage vault"})
	ThawsTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_thaw_retrievals_total", Help: "Vault retrieval requests initiated"})
	RestoresTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_restores_total", Help: "Results restored from the vault"})
	NotifyTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "annotation_notifications_total", Help: "Completion emails sent"})
	HandlerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "annotation_handler_failures_total", Help: "Per-queue message handling failures left for redelivery"}, []string{"queue"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "annotation_queue_depth", Help: "Ready depth per bus queue"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionCounter,
			RateLimitRejects,
			JobsStarted,
			JobsCompleted,
			ArchivesTotal,
			ThawsTotal,
			RestoresTotal,
			NotifyTotal,
			HandlerFailures,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
