package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus collectors for workflow execution, all
// namespaced "chainflow_".
//
// Collectors:
//   - active_workflows (gauge, labels: type): records currently being driven.
//   - step_latency_ms (histogram, labels: type, step, outcome): per-step
//     execution duration.
//   - step_retries_total (counter, labels: type, step, category): retry
//     attempts by error category.
//   - reconciliations_total (counter, labels: type, action): reconciler
//     decisions by action kind.
//   - workflows_terminal_total (counter, labels: type, state): terminal
//     outcomes (COMPLETED / FAILED) plus STALLED transitions.
//   - tx_submissions_total (counter, labels: type, step): on-chain
//     submissions performed by step executors.
//
// Expose via promhttp against the registry passed to NewMetrics.
type Metrics struct {
	activeWorkflows *prometheus.GaugeVec
	stepLatency     *prometheus.HistogramVec
	stepRetries     *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	terminal        *prometheus.CounterVec
	txSubmissions   *prometheus.CounterVec
	signerLocks     *prometheus.GaugeVec

	enabled bool
}

// NewMetrics creates and registers all workflow collectors with the
// registry (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		activeWorkflows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainflow",
			Name:      "active_workflows",
			Help:      "Number of workflow records currently being driven.",
		}, []string{"type"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chainflow",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"type", "step", "outcome"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainflow",
			Name:      "step_retries_total",
			Help:      "Retry attempts by error category.",
		}, []string{"type", "step", "category"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainflow",
			Name:      "reconciliations_total",
			Help:      "Reconciler decisions by action kind.",
		}, []string{"type", "action"}),
		terminal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainflow",
			Name:      "workflows_terminal_total",
			Help:      "Workflow terminal and stalled transitions.",
		}, []string{"type", "state"}),
		txSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainflow",
			Name:      "tx_submissions_total",
			Help:      "On-chain transaction submissions by step.",
		}, []string{"type", "step"}),
		signerLocks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chainflow",
			Name:      "signer_locks_held",
			Help:      "Signer locks currently held by workflow drivers.",
		}, []string{"signer"}),
	}
}

// DriverStarted records a driver picking up a record.
func (m *Metrics) DriverStarted(typ Type) {
	if m == nil || !m.enabled {
		return
	}
	m.activeWorkflows.WithLabelValues(string(typ)).Inc()
}

// DriverStopped records a driver releasing a record.
func (m *Metrics) DriverStopped(typ Type) {
	if m == nil || !m.enabled {
		return
	}
	m.activeWorkflows.WithLabelValues(string(typ)).Dec()
}

// ObserveStep records a step execution.
func (m *Metrics) ObserveStep(typ Type, step string, outcome OutcomeKind, d time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.stepLatency.WithLabelValues(string(typ), step, string(outcome)).
		Observe(float64(d) / float64(time.Millisecond))
}

// ObserveRetry records a retry attempt.
func (m *Metrics) ObserveRetry(typ Type, step string, category Category) {
	if m == nil || !m.enabled {
		return
	}
	m.stepRetries.WithLabelValues(string(typ), step, string(category)).Inc()
}

// ObserveReconciliation records a reconciler decision.
func (m *Metrics) ObserveReconciliation(typ Type, action ActionKind) {
	if m == nil || !m.enabled {
		return
	}
	m.reconciliations.WithLabelValues(string(typ), string(action)).Inc()
}

// ObserveTerminal records a terminal or stalled transition.
func (m *Metrics) ObserveTerminal(typ Type, state MetaState) {
	if m == nil || !m.enabled {
		return
	}
	m.terminal.WithLabelValues(string(typ), string(state)).Inc()
}

// ObserveSubmission records an on-chain submission.
func (m *Metrics) ObserveSubmission(typ Type, step string) {
	if m == nil || !m.enabled {
		return
	}
	m.txSubmissions.WithLabelValues(string(typ), step).Inc()
}

// LockAcquired records a signer lock being taken. Satisfies the tx queue's
// lock metrics hook.
func (m *Metrics) LockAcquired(signer string) {
	if m == nil || !m.enabled {
		return
	}
	m.signerLocks.WithLabelValues(signer).Inc()
}

// LockReleased records a signer lock being released.
func (m *Metrics) LockReleased(signer string) {
	if m == nil || !m.enabled {
		return
	}
	m.signerLocks.WithLabelValues(signer).Dec()
}

// SetEnabled toggles recording without unregistering collectors.
func (m *Metrics) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	m.enabled = enabled
}
