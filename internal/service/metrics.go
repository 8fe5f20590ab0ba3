package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the decision engine.
// Pass to components that need to record metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	QuotaConsumed      *prometheus.CounterVec
	PersistenceErrors  *prometheus.CounterVec
	ExportDropsTotal   prometheus.Counter
	ExportErrorsTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "agentgate"
	}
	return &Metrics{
		EvaluationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total policy evaluations by decision",
			},
			[]string{"decision", "mode"}, // decision=ALLOW/DENY/AUDIT/ESCALATE, mode=resolved/single
		),
		EvaluationDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "policy_evaluation_duration_seconds",
				Help:      "Wall-clock duration of a single evaluation",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),
		QuotaConsumed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_quota_consumed_total",
				Help:      "Policy calls consumed by applied decisions",
			},
			[]string{"result"}, // result=ok/exhausted/error
		),
		PersistenceErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Storage failures while recording a decision",
			},
			[]string{"op"}, // op=audit/quota
		),
		ExportDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_export_drops_total",
				Help:      "Audit entries dropped by the export pipeline due to backpressure",
			},
		),
		ExportErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_export_errors_total",
				Help:      "Failed audit export batches by exporter",
			},
			[]string{"exporter"},
		),
	}
}

func (m *Metrics) observeDecision(decision, mode string, seconds float64) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(decision, mode).Inc()
	m.EvaluationDuration.Observe(seconds)
}

func (m *Metrics) quota(result string) {
	if m == nil {
		return
	}
	m.QuotaConsumed.WithLabelValues(result).Inc()
}

func (m *Metrics) persistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) exportDrop() {
	if m == nil {
		return
	}
	m.ExportDropsTotal.Inc()
}

func (m *Metrics) exportError(exporter string) {
	if m == nil {
		return
	}
	m.ExportErrorsTotal.WithLabelValues(exporter).Inc()
}
