// Package metrics exposes orchestrator Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests and CLI one-shots.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the orchestrator updates.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	breakerTrans    *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	budgetDecisions *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	auditDropped    prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aura_operations_total",
				Help: "Total number of orchestrated operations by outcome",
			},
			[]string{"provider", "operation_type", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aura_operation_duration_milliseconds",
				Help:    "Operation duration in milliseconds",
				Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
			},
			[]string{"operation_type"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aura_provider_attempts_total",
				Help: "Total number of provider invocation attempts",
			},
			[]string{"provider", "status"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aura_circuit_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),
		breakerTrans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aura_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aura_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		budgetDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aura_budget_decisions_total",
				Help: "Budget checks by decision",
			},
			[]string{"decision"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aura_model_resolutions_total",
				Help: "Model resolutions by winning scope level",
			},
			[]string{"source"},
		),
		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aura_audit_sink_dropped_total",
				Help: "Audit entries not persisted because the sink queue was full",
			},
		),
	}
	m.registry.MustRegister(
		m.operations,
		m.duration,
		m.attempts,
		m.breakerState,
		m.breakerTrans,
		m.cacheLookups,
		m.budgetDecisions,
		m.resolutions,
		m.auditDropped,
	)
	return m
}

// Registry returns the registry to serve on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveOperation records a terminal operation.
func (m *Metrics) ObserveOperation(provider, opType, outcome string, latencyMs int64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(provider, opType, outcome).Inc()
	m.duration.WithLabelValues(opType).Observe(float64(latencyMs))
}

// ObserveAttempt records one provider invocation attempt.
func (m *Metrics) ObserveAttempt(provider, status string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, status).Inc()
}

// SetCircuitState publishes a breaker transition.
func (m *Metrics) SetCircuitState(provider, from, to string) {
	if m == nil {
		return
	}
	var v float64
	switch to {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(provider).Set(v)
	if from != "" {
		m.breakerTrans.WithLabelValues(provider, from, to).Inc()
	}
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// BudgetDecision records the outcome of a budget check.
func (m *Metrics) BudgetDecision(decision string) {
	if m == nil {
		return
	}
	m.budgetDecisions.WithLabelValues(decision).Inc()
}

// Resolution records which scope level produced a model.
func (m *Metrics) Resolution(source string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(source).Inc()
}

// AuditDropped counts entries the persistent sink could not accept.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}
