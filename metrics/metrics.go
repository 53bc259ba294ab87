// Package metrics holds the Prometheus collectors Cortex records into. Collectors are
// registered on a caller-supplied registry so tests and embedders can isolate them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cortex"

// Metrics is the set of Cortex collectors. A nil *Metrics records nothing.
type Metrics struct {
	outboxPushed  prometheus.Counter
	outboxFailed  prometheus.Counter
	outboxParked  prometheus.Counter
	outboxDepth   *prometheus.GaugeVec
	governanceRun *prometheus.CounterVec
	governanceDel *prometheus.CounterVec
	recallLatency prometheus.Histogram
	recallDegrade *prometheus.CounterVec
	beliefOutcome *prometheus.CounterVec
	upstreamState *prometheus.GaugeVec
	jobRuns       *prometheus.CounterVec
}

// New registers the Cortex collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outboxPushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph_sync",
			Name:      "pushed_total",
			Help:      "Outbox items delivered to the graph store",
		}),
		outboxFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph_sync",
			Name:      "failed_total",
			Help:      "Failed graph store deliveries",
		}),
		outboxParked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph_sync",
			Name:      "parked_total",
			Help:      "Outbox items parked after exhausting retries",
		}),
		outboxDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "graph_sync",
			Name:      "queue_depth",
			Help:      "Unsynced outbox items",
		}, []string{"state"}), // "pending" or "parked"
		governanceRun: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governance",
			Name:      "runs_total",
			Help:      "Governance policy enforcement runs",
		}, []string{"status"}),
		governanceDel: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governance",
			Name:      "deleted_total",
			Help:      "Rows removed by governance",
		}, []string{"layer", "kind"}),
		recallLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_duration_seconds",
			Help:      "Recall latency",
			Buckets:   prometheus.DefBuckets,
		}),
		recallDegrade: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_degraded_total",
			Help:      "Recalls served without a dependency",
		}, []string{"reason"}),
		beliefOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facts",
			Name:      "revisions_total",
			Help:      "Belief revision outcomes",
		}, []string{"action"}),
		upstreamState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_breaker_open",
			Help:      "1 while an upstream circuit breaker is open",
		}, []string{"upstream"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled maintenance job runs",
		}, []string{"job", "status"}),
	}
}

// OutboxPushed counts a delivered outbox item.
func (m *Metrics) OutboxPushed() {
	if m != nil {
		m.outboxPushed.Inc()
	}
}

// OutboxFailed counts a failed delivery, and a park when parked is set.
func (m *Metrics) OutboxFailed(parked bool) {
	if m == nil {
		return
	}
	m.outboxFailed.Inc()
	if parked {
		m.outboxParked.Inc()
	}
}

// OutboxDepth records the current queue depth.
func (m *Metrics) OutboxDepth(pending, parked int) {
	if m == nil {
		return
	}
	m.outboxDepth.WithLabelValues("pending").Set(float64(pending))
	m.outboxDepth.WithLabelValues("parked").Set(float64(parked))
}

// GovernanceRun counts one enforcement run.
func (m *Metrics) GovernanceRun(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.governanceRun.WithLabelValues(status).Inc()
}

// GovernanceDeleted records versions and records removed from a layer.
func (m *Metrics) GovernanceDeleted(layer string, versions, records int) {
	if m == nil {
		return
	}
	m.governanceDel.WithLabelValues(layer, "versions").Add(float64(versions))
	m.governanceDel.WithLabelValues(layer, "records").Add(float64(records))
}

// RecallObserved records the latency of one recall.
func (m *Metrics) RecallObserved(d time.Duration) {
	if m != nil {
		m.recallLatency.Observe(d.Seconds())
	}
}

// RecallDegraded counts a recall that fell back, e.g. to keyword-only search.
func (m *Metrics) RecallDegraded(reason string) {
	if m != nil {
		m.recallDegrade.WithLabelValues(reason).Inc()
	}
}

// BeliefRevision counts a fact pipeline outcome.
func (m *Metrics) BeliefRevision(action string) {
	if m != nil {
		m.beliefOutcome.WithLabelValues(action).Inc()
	}
}

// BreakerState records whether the named upstream's breaker is open.
func (m *Metrics) BreakerState(upstream string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.upstreamState.WithLabelValues(upstream).Set(v)
}

// JobRun counts one run of a scheduled job.
func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
}
