package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	OutboxEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_outbox_enqueued_total", Help: "Statements written to the outbox"})
	OutboxDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_outbox_duplicates_total", Help: "Enqueues ignored because the idempotency key already existed"})
	OutboxSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_outbox_sent_total", Help: "Outbox entries delivered to the LRS"})
	OutboxFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_outbox_failed_total", Help: "Delivery attempts that failed and will retry"})
	OutboxDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_outbox_dead_letter_total", Help: "Outbox entries moved to DLQ"})
	OutboxLeaseLost  = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_outbox_lease_lost_total", Help: "Outbox results discarded because another worker re-claimed the entry"})
	OutboxPending    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "xapi_outbox_pending", Help: "Pending outbox entries at the last worker run"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})

	ActivitiesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "learner_activities_recorded_total", Help: "Journal rows appended"}, []string{"type"})
	PolicyExecutions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "policy_executions_total", Help: "Policy side effects by outcome"}, []string{"policy", "outcome"})

	LRSRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lrs_request_duration_seconds",
		Help:    "LRS HTTP round trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			OutboxEnqueued,
			OutboxDuplicates,
			OutboxSent,
			OutboxFailures,
			OutboxDeadLetter,
			OutboxLeaseLost,
			OutboxPending,
			RateLimitRejects,
			ActivitiesRecorded,
			PolicyExecutions,
			LRSRequestDuration,
		)
	})
	return promhttp.Handler()
}
