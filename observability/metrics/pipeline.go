package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exposes Prometheus collectors for the mandate execution
// pipeline: verification outcomes, policy and compliance decisions, broadcasts,
// and end-to-end settlement latency.
type PipelineMetrics struct {
	verifications  *prometheus.CounterVec
	policyDenials  *prometheus.CounterVec
	complianceHits *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	settled        *prometheus.CounterVec
	reconEnqueued  prometheus.Counter
	reconResolved  prometheus.Counter
	reconDepth     prometheus.Gauge
	latency        *prometheus.HistogramVec
	auditDropped   prometheus.Counter
	criticals      *prometheus.CounterVec
}

var (
	pipelineOnce     sync.Once
	pipelineRegistry *PipelineMetrics
)

// Pipeline returns the lazily initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentpay_mandate_verifications_total",
				Help: "Mandate chain verification outcomes by reason code.",
			}, []string{"result"}),
			policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentpay_policy_denials_total",
				Help: "Spending policy denials by reason code.",
			}, []string{"reason"}),
			complianceHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentpay_compliance_decisions_total",
				Help: "Compliance gate decisions by reason and provider.",
			}, []string{"reason", "provider"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentpay_broadcasts_total",
				Help: "Chain broadcasts by chain and outcome.",
			}, []string{"chain", "outcome"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentpay_settlements_total",
				Help: "Settled payments by chain and token.",
			}, []string{"chain", "token"}),
			reconEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agentpay_reconciliation_enqueued_total",
				Help: "Broadcast successes whose ledger append was deferred to reconciliation.",
			}),
			reconResolved: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agentpay_reconciliation_resolved_total",
				Help: "Reconciliation entries finalised by the background worker.",
			}),
			reconDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "agentpay_reconciliation_pending",
				Help: "Reconciliation entries currently awaiting ledger append.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agentpay_execution_seconds",
				Help:    "Wall-clock duration of mandate executions by terminal status.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"status"}),
			auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "agentpay_audit_entries_dropped_total",
				Help: "Audit ring entries evicted because the ring was full.",
			}),
			criticals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "agentpay_critical_conditions_total",
				Help: "Consistency-threatening conditions by subsystem.",
			}, []string{"subsystem"}),
		}
		prometheus.MustRegister(
			pipelineRegistry.verifications,
			pipelineRegistry.policyDenials,
			pipelineRegistry.complianceHits,
			pipelineRegistry.broadcasts,
			pipelineRegistry.settled,
			pipelineRegistry.reconEnqueued,
			pipelineRegistry.reconResolved,
			pipelineRegistry.reconDepth,
			pipelineRegistry.latency,
			pipelineRegistry.auditDropped,
			pipelineRegistry.criticals,
		)
	})
	return pipelineRegistry
}

// RecordVerification counts one verification outcome ("accepted" or a reason code).
func (m *PipelineMetrics) RecordVerification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// RecordPolicyDenial counts one spending policy denial.
func (m *PipelineMetrics) RecordPolicyDenial(reason string) {
	if m == nil {
		return
	}
	m.policyDenials.WithLabelValues(reason).Inc()
}

// RecordCompliance counts one compliance gate decision.
func (m *PipelineMetrics) RecordCompliance(reason, provider string) {
	if m == nil {
		return
	}
	m.complianceHits.WithLabelValues(reason, provider).Inc()
}

// RecordBroadcast counts one broadcast attempt outcome.
func (m *PipelineMetrics) RecordBroadcast(chain, outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(chain, outcome).Inc()
}

// RecordSettlement counts one settled payment.
func (m *PipelineMetrics) RecordSettlement(chain, token string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(chain, token).Inc()
}

// RecordReconEnqueued counts one deferral to the reconciliation queue.
func (m *PipelineMetrics) RecordReconEnqueued() {
	if m == nil {
		return
	}
	m.reconEnqueued.Inc()
}

// RecordReconResolved counts one reconciliation entry finalised.
func (m *PipelineMetrics) RecordReconResolved() {
	if m == nil {
		return
	}
	m.reconResolved.Inc()
}

// SetReconDepth records the current reconciliation backlog.
func (m *PipelineMetrics) SetReconDepth(depth int) {
	if m == nil {
		return
	}
	m.reconDepth.Set(float64(depth))
}

// ObserveExecution records one end-to-end execution duration.
func (m *PipelineMetrics) ObserveExecution(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(status).Observe(d.Seconds())
}

// RecordAuditDrop counts one audit ring eviction.
func (m *PipelineMetrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// RecordCritical counts one critical condition for the named subsystem.
func (m *PipelineMetrics) RecordCritical(subsystem string) {
	if m == nil {
		return
	}
	m.criticals.WithLabelValues(subsystem).Inc()
}
