// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlengine_runs_total",
			Help: "Total number of unit executions, labeled by status and error type.",
		},
		[]string{"status", "error_type"},
	)

	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlengine_pipeline_runs_total",
			Help: "Total number of pipeline runs, labeled by run type and status.",
		},
		[]string{"run_type", "status"},
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlengine_pipeline_duration_seconds",
			Help:    "Histogram of pipeline run durations, labeled by run type.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"run_type"},
	)

	unitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlengine_units_in_flight",
			Help: "Number of crawler units currently executing.",
		},
	)

	outboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlengine_outbox_events_total",
			Help: "Total number of item events handed to the outbox, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	scheduledDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlengine_scheduled_dispatches_total",
			Help: "Total number of scheduler dispatch decisions, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RunCompleted records one terminal unit execution.
func RunCompleted(status, errorType string) {
	if errorType == "" {
		errorType = "none"
	}
	runsTotal.WithLabelValues(status, errorType).Inc()
}

// PipelineCompleted records one finished pipeline run.
func PipelineCompleted(runType, status string, duration time.Duration) {
	pipelineRunsTotal.WithLabelValues(runType, status).Inc()
	pipelineDurationSeconds.WithLabelValues(runType).Observe(duration.Seconds())
}

// IncUnitsInFlight increments the in-flight unit gauge.
func IncUnitsInFlight() {
	unitsInFlight.Inc()
}

// DecUnitsInFlight decrements the in-flight unit gauge.
func DecUnitsInFlight() {
	unitsInFlight.Dec()
}

// OutboxEvent records one outbox publish attempt outcome ("published",
// "duplicate", or "failed").
func OutboxEvent(outcome string) {
	outboxEventsTotal.WithLabelValues(outcome).Inc()
}

// ScheduledDispatch records one scheduler decision ("dispatched", "lost_claim",
// or "failed").
func ScheduledDispatch(outcome string) {
	scheduledDispatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
