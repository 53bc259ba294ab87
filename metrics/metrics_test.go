package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OutboxPushed()
	m.OutboxFailed(true)
	m.OutboxDepth(3, 1)
	m.GovernanceRun(nil)
	m.GovernanceRun(errors.New("boom"))
	m.BeliefRevision("SUPERSEDE")

	assert.InDelta(t, 1, testutil.ToFloat64(m.outboxPushed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.outboxParked), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.outboxDepth.WithLabelValues("pending")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.governanceRun.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.beliefOutcome.WithLabelValues("SUPERSEDE")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OutboxPushed()
		m.OutboxFailed(false)
		m.RecallDegraded("embedder")
		m.BreakerState("openai", true)
	})
}
