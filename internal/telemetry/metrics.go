package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted by the enqueuer"})
	JobsDeduped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deduped_total", Help: "Enqueue calls collapsed onto an active job via dedupe key"})
	JobsClaimed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs leased by workers"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs that finished successfully"})
	JobsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed executions rescheduled with backoff"})
	JobsExhausted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_exhausted_total", Help: "Jobs that reached max attempts or failed permanently"})
	LeasesReaped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_leases_reaped_total", Help: "Stale processing leases returned to pending"})
	WebhooksSeen    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_total", Help: "Webhook notifications received"})
	WebhookReplays  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_replays_total", Help: "Webhook deliveries dropped as replays"})
	WebhooksMapped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_jobs_enqueued_total", Help: "Webhook notifications translated into enqueue calls"})
	PendingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_pending", Help: "Jobs waiting to be claimed"})
	ProcessingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_processing", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduped,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsExhausted,
			LeasesReaped,
			WebhooksSeen,
			WebhookReplays,
			WebhooksMapped,
			PendingGauge,
			ProcessingGauge,
		)
	})
	return promhttp.Handler()
}
