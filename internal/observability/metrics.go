// Package observability provides Prometheus metrics, HTTP middleware and
// logging for sandbox sessions.
package observability

import "github.com/prometheus/client_golang/prometheus"

// SnippetBuckets covers snippet run times from 1ms to the default 60s code
// timeout.
var SnippetBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60}

// LLMBuckets covers delegated completion latencies from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// SessionsActive tracks sessions created and not yet closed.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rlm_sessions_active",
			Help: "Open sandbox sessions",
		},
	)

	// SessionEventsTotal counts lifecycle transitions by event.
	SessionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_session_events_total",
			Help: "Session lifecycle events",
		},
		[]string{"event"},
	)

	// ExecutionsTotal counts snippet executions by status and error kind.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_executions_total",
			Help: "Snippet executions",
		},
		[]string{"status", "kind"},
	)

	// ExecutionDuration records snippet run time in seconds.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_execution_duration_seconds",
			Help:    "Snippet execution duration",
			Buckets: SnippetBuckets,
		},
	)

	// OutputTruncatedTotal counts executions whose output hit the cap.
	OutputTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rlm_output_truncated_total",
			Help: "Executions with truncated output",
		},
	)

	// DelegationsTotal counts returned llm_query calls by depth and outcome.
	DelegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_delegations_total",
			Help: "Delegated sub-model calls",
		},
		[]string{"depth", "status"},
	)

	// RequestsTotal counts HTTP API requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP API request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionEventsTotal,
		ExecutionsTotal,
		ExecutionDuration,
		OutputTruncatedTotal,
		DelegationsTotal,
		RequestsTotal,
		RequestDuration,
	)
}
