package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_queue_enqueued_total", Help: "Validation requests enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_queue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-user rate limiter"})
	ProcessSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_queue_completed_total", Help: "Items completed successfully"})
	ProcessRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_queue_retries_scheduled_total", Help: "Failed attempts rescheduled for retry"})
	ProcessFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_queue_failed_total", Help: "Items failed terminally after exhausting attempts"})
	ProcessPanics    = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_queue_panics_total", Help: "Processing passes that panicked"})
	ErrorsByStep     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "validation_queue_errors_total", Help: "Processing errors by pipeline step"}, []string{"step"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "validation_queue_items", Help: "Queue items by status"}, []string{"status"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "validation_queue_inflight", Help: "Items currently being processed by this instance"})
	DrainDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_queue_drain_duration_seconds",
		Help:    "Wall time of one drain cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})
	StaleRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "validation_queue_stale_recovered_total", Help: "Stale processing items recovered by the sweeper"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ProcessSuccess,
			ProcessRetries,
			ProcessFailures,
			ProcessPanics,
			ErrorsByStep,
			QueueDepthGauge,
			InFlightGauge,
			DrainDuration,
			StaleRecovered,
		)
	})
	return promhttp.Handler()
}
