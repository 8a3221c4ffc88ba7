// Package metrics provides Prometheus metrics for the image analyzer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Analysis metrics
	analyzeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imganalyzer_analyze_total",
			Help: "Total number of analyze calls by outcome",
		},
		[]string{"outcome"},
	)

	analyzeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imganalyzer_analyze_retries_total",
			Help: "Total number of analysis retries",
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imganalyzer_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imganalyzer_queue_pending",
			Help: "Number of tasks waiting in the request queue",
		},
	)

	queueTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imganalyzer_queue_tasks_total",
			Help: "Settled queue tasks by status",
		},
		[]string{"status"},
	)

	queueTaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imganalyzer_queue_task_duration_seconds",
			Help:    "Time a task held the queue slot",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Provider metrics
	providerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imganalyzer_provider_requests_total",
			Help: "Requests sent to model backends",
		},
		[]string{"provider", "op", "status"},
	)

	providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imganalyzer_provider_request_duration_seconds",
			Help:    "Model backend request duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "op"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAnalyze counts a finished analyze call. outcome is one of "hit",
// "analyzed" or "error".
func RecordAnalyze(outcome string) {
	analyzeTotal.WithLabelValues(outcome).Inc()
}

func RecordRetry() {
	analyzeRetries.Inc()
}

func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordTask records a settled queue task. status is "ok", "error",
// "timeout", "cleared" or "canceled".
func RecordTask(status string, held time.Duration) {
	queueTasks.WithLabelValues(status).Inc()
	if held > 0 {
		queueTaskDuration.Observe(held.Seconds())
	}
}

// RecordProviderRequest records one backend call.
func RecordProviderRequest(provider, op string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	providerRequests.WithLabelValues(provider, op, status).Inc()
	providerRequestDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}
