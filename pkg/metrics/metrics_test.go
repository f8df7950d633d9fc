package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("p", "completion", "completed", 10)
	m.ObserveAttempt("p", "ok")
	m.SetCircuitState("p", "closed", "open")
	m.CacheLookup(true)
	m.BudgetDecision("allow")
	m.Resolution("global_default")
	m.AuditDropped()
	assert.NotNil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveOperation("openai", "completion", "completed", 120)
	m.ObserveOperation("openai", "completion", "completed", 80)
	m.ObserveOperation("openai", "completion", "failed", 80)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("openai", "completion", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("openai", "completion", "failed")))

	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))

	m.AuditDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditDropped))
}

func TestCircuitState(t *testing.T) {
	m := New()

	m.SetCircuitState("openai", "closed", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerTrans.WithLabelValues("openai", "closed", "open")))

	m.SetCircuitState("openai", "open", "half_open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("openai")))

	m.SetCircuitState("openai", "half_open", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("openai")))
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.Resolution("stage_pinned")
	n, err := testutil.GatherAndCount(m.Registry(), "aura_model_resolutions_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
