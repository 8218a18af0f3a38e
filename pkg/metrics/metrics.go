// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ContextAssemblyDuration tracks smart-context assembly latency. The
	// "path" label separates warmed reads from the warm-up (cold start) path.
	ContextAssemblyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memory_context_assembly_seconds",
			Help:    "Smart context assembly latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"path"},
	)

	// MessagesTotal tracks messages recorded per tenant and direction.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages recorded",
		},
		[]string{"tenant_id", "direction", "channel"},
	)

	// EventsAppended tracks domain events appended to the log.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_appended_total",
			Help: "Domain events appended to the event log",
		},
		[]string{"tenant_id", "type"},
	)

	// EventsProcessed tracks handler dispatch outcomes.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_processed_total",
			Help: "Domain events dispatched to handlers",
		},
		[]string{"type", "status"},
	)

	// SendsTotal tracks outbound channel sends.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_sends_total",
			Help: "Outbound channel send attempts",
		},
		[]string{"channel", "status"},
	)

	// SendDuration tracks outbound channel send latency.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_send_duration_seconds",
			Help:    "Outbound channel send latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	// SchedulerTickDuration tracks dispatcher tick duration per tenant.
	SchedulerTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Dispatcher tick duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"tenant_id"},
	)

	// SchedulerDeferrals tracks actions deferred by a dispatch gate.
	SchedulerDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_deferrals_total",
			Help: "Due actions deferred before dispatch",
		},
		[]string{"reason"},
	)

	// CompactionJobs tracks warm-window compaction outcomes.
	CompactionJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memory_compaction_jobs_total",
			Help: "Conversation summary compaction jobs",
		},
		[]string{"status"},
	)

	// LLMRequestDuration tracks LLM call latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// SequenceTransitions tracks sequence state transitions.
	SequenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequence_transitions_total",
			Help: "Sequence state transitions",
		},
		[]string{"to_status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMRequest records metrics for an LLM call.
func RecordLLMRequest(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}
