package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted and published by the producer"}, []string{"kind"})
	EnqueueFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_failed_total", Help: "Jobs marked failed because publish did not succeed"}, []string{"kind"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	JobsSucceeded     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"kind"})
	JobsRetried       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job executions scheduled for retry"}, []string{"kind"})
	JobsDeadLettered  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs that exhausted retries and were dead lettered"}, []string{"kind"})
	MessagesDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_messages_dropped_total", Help: "Malformed task messages dropped without retry"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing"})
	SweeperStaleMarks = prometheus.NewCounter(prometheus.CounterOpts{Name: "sweeper_stale_workers_total", Help: "Workers marked stale by the sweeper"})
	SweeperReaped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweeper_stuck_jobs_total", Help: "Stuck jobs forced to failed by the sweeper"}, []string{"kind"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueFailures,
			RateLimitRejects,
			JobsSucceeded,
			JobsRetried,
			JobsDeadLettered,
			MessagesDropped,
			InFlightGauge,
			SweeperStaleMarks,
			SweeperReaped,
		)
	})
	return promhttp.Handler()
}
