package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
//
// Tracked surfaces:
//   - model requests, latency, and token consumption per provider/model
//   - tool executions per tool and outcome
//   - durable events per channel and subscriber drops
//   - permission decisions per mode and verdict
//   - store operations per backend
//   - live agent count
type Metrics struct {
	// ModelRequests counts model turns. Labels: provider, model, status.
	ModelRequests *prometheus.CounterVec

	// ModelLatency measures model turn duration in seconds.
	ModelLatency *prometheus.HistogramVec

	// ModelTokens counts token usage. Labels: provider, model, type.
	ModelTokens *prometheus.CounterVec

	// ToolExecutions counts tool calls. Labels: tool, status.
	ToolExecutions *prometheus.CounterVec

	// ToolLatency measures tool execution duration in seconds.
	ToolLatency *prometheus.HistogramVec

	// EventsEmitted counts durable events. Labels: channel, type.
	EventsEmitted *prometheus.CounterVec

	// EventsDropped counts per-subscriber drops under backpressure.
	EventsDropped *prometheus.CounterVec

	// PermissionDecisions counts gate outcomes. Labels: mode, verdict.
	PermissionDecisions *prometheus.CounterVec

	// StoreOperations counts store calls. Labels: backend, operation, status.
	StoreOperations *prometheus.CounterVec

	// ActiveAgents gauges live agents.
	ActiveAgents prometheus.Gauge
}

// NewMetrics registers all collectors with the default registry. Call it
// once per process.
func NewMetrics() *Metrics {
	return NewMetricsWith(nil)
}

// NewMetricsWith registers against the given registerer; nil means the
// default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_model_requests_total",
			Help: "Model turns by provider, model, and status",
		}, []string{"provider", "model", "status"}),

		ModelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moor_model_request_duration_seconds",
			Help:    "Model turn duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		ModelTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_model_tokens_total",
			Help: "Token usage by provider, model, and type",
		}, []string{"provider", "model", "type"}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_tool_executions_total",
			Help: "Tool executions by tool name and status",
		}, []string{"tool", "status"}),

		ToolLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moor_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_events_emitted_total",
			Help: "Durable events appended by channel and type",
		}, []string{"channel", "type"}),

		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_events_dropped_total",
			Help: "Events dropped from lagging subscriber queues",
		}, []string{"channel"}),

		PermissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_permission_decisions_total",
			Help: "Permission gate outcomes by mode and verdict",
		}, []string{"mode", "verdict"}),

		StoreOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moor_store_operations_total",
			Help: "Store operations by backend, operation, and status",
		}, []string{"backend", "operation", "status"}),

		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "moor_active_agents",
			Help: "Live agents in the process",
		}),
	}
}

// RecordModelRequest records one model turn.
func (m *Metrics) RecordModelRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int) {
	m.ModelRequests.WithLabelValues(provider, model, status).Inc()
	m.ModelLatency.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolLatency.WithLabelValues(tool).Observe(seconds)
}

// RecordEvent records one durable event append.
func (m *Metrics) RecordEvent(channel, eventType string) {
	m.EventsEmitted.WithLabelValues(channel, eventType).Inc()
}

// RecordEventDrop records a burst of subscriber queue drops.
func (m *Metrics) RecordEventDrop(channel string, n uint64) {
	m.EventsDropped.WithLabelValues(channel).Add(float64(n))
}

// RecordPermissionDecision records one gate outcome.
func (m *Metrics) RecordPermissionDecision(mode, verdict string) {
	m.PermissionDecisions.WithLabelValues(mode, verdict).Inc()
}

// RecordStoreOperation records one store call.
func (m *Metrics) RecordStoreOperation(backend, operation, status string) {
	m.StoreOperations.WithLabelValues(backend, operation, status).Inc()
}

// AgentStarted bumps the live agent gauge.
func (m *Metrics) AgentStarted() { m.ActiveAgents.Inc() }

// AgentStopped drops the live agent gauge.
func (m *Metrics) AgentStopped() { m.ActiveAgents.Dec() }
