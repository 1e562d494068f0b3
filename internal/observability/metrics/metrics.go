package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent runtime
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_envelopes_sent_total",
			Help: "Envelopes sent by agents, by outcome",
		},
		[]string{"agent", "type", "outcome"},
	)

	EnvelopesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_envelopes_handled_total",
			Help: "Envelopes passed to a handler, by outcome",
		},
		[]string{"agent", "type", "outcome"}, // "ok" or "error"
	)

	ReceiveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_receive_failures_total",
			Help: "Broker receive calls that failed",
		},
		[]string{"agent"},
	)

	// Coordinator
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_conversation_phase_transitions_total",
			Help: "Conversation phase transitions, by target phase",
		},
		[]string{"phase"},
	)

	IgnoredResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_ignored_responses_total",
			Help: "Responses dropped by the coordinator",
		},
		[]string{"reason"},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcptrader_active_conversations",
			Help: "Conversations not yet completed or stalled",
		},
	)

	// Orders
	OrdersByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_orders_total",
			Help: "Execution results, by result status and error kind",
		},
		[]string{"status", "kind"},
	)

	SubmitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_order_submit_attempts_total",
			Help: "Order placement attempts against the trading api",
		},
		[]string{"outcome"},
	)

	ActiveOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcptrader_active_orders",
			Help: "Orders waiting for a terminal status",
		},
	)

	// Collaborators
	StorageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_storage_failures_total",
			Help: "Best-effort writes that failed",
		},
		[]string{"component", "operation"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcptrader_llm_latency_seconds",
			Help:    "Language model invocation latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"family", "outcome"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcptrader_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcptrader_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"handler", "method"},
	)
)
