package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus metrics for pipeline execution, all namespaced
// with "notegraph":
//
//   - runs_started_total (counter): runs that entered execution.
//   - runs_completed_total (counter): finished runs, labeled by terminal
//     status (completed, failed, cancelled).
//   - active_runs (gauge): runs currently executing.
//   - node_duration_ms (histogram): per-stage execution duration, labeled by
//     stage key. Buckets cover 50ms to 10s.
//   - workflow_duration_ms (histogram): whole-run duration.
//   - node_retries_total (counter): retry attempts, labeled by stage key.
//   - fallbacks_total (counter): fallback invocations, labeled by stage key.
//   - model_usage_tokens_total (counter): token consumption, labeled by stage
//     key and type (prompt, completion).
//   - safety_issues_total (counter): safety findings, labeled by rule ID and
//     severity.
//
// A nil *Metrics is valid and records nothing, so callers can leave metrics
// unconfigured in tests.
type Metrics struct {
	runsStarted      prometheus.Counter
	runsCompleted    *prometheus.CounterVec
	activeRuns       prometheus.Gauge
	nodeDuration     *prometheus.HistogramVec
	workflowDuration prometheus.Histogram
	nodeRetries      *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	usageTokens      *prometheus.CounterVec
	safetyIssues     *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metrics with the given
// registry. Pass prometheus.DefaultRegisterer for the global registry, or a
// fresh prometheus.NewRegistry() for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notegraph",
			Name:      "runs_started_total",
			Help:      "Pipeline runs that entered execution",
		}),
		runsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegraph",
			Name:      "runs_completed_total",
			Help:      "Pipeline runs that reached a terminal status",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "notegraph",
			Name:      "active_runs",
			Help:      "Pipeline runs currently executing",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "notegraph",
			Name:      "node_duration_ms",
			Help:      "Stage execution duration in milliseconds",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"stage"}),
		workflowDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notegraph",
			Name:      "workflow_duration_ms",
			Help:      "Whole-run duration in milliseconds",
			Buckets:   []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegraph",
			Name:      "node_retries_total",
			Help:      "Stage retry attempts",
		}, []string{"stage"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegraph",
			Name:      "fallbacks_total",
			Help:      "Stage fallback invocations",
		}, []string{"stage"}),
		usageTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegraph",
			Name:      "model_usage_tokens_total",
			Help:      "Model tokens consumed, split by prompt and completion",
		}, []string{"stage", "type"}),
		safetyIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notegraph",
			Name:      "safety_issues_total",
			Help:      "Safety rule findings",
		}, []string{"rule_id", "severity"}),
	}
}

// RunStarted records a run entering execution.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run reaching a terminal status.
func (m *Metrics) RunFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsCompleted.WithLabelValues(status).Inc()
	m.workflowDuration.Observe(float64(elapsed.Milliseconds()))
}

// StageDuration records a stage execution duration.
func (m *Metrics) StageDuration(stageKey string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(stageKey).Observe(float64(elapsed.Milliseconds()))
}

// StageRetried records one retry attempt.
func (m *Metrics) StageRetried(stageKey string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(stageKey).Inc()
}

// FallbackUsed records a fallback invocation.
func (m *Metrics) FallbackUsed(stageKey string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(stageKey).Inc()
}

// TokensUsed records model token consumption for a stage.
func (m *Metrics) TokensUsed(stageKey string, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	if promptTokens > 0 {
		m.usageTokens.WithLabelValues(stageKey, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.usageTokens.WithLabelValues(stageKey, "completion").Add(float64(completionTokens))
	}
}

// SafetyIssue records one safety finding.
func (m *Metrics) SafetyIssue(ruleID string, severity string) {
	if m == nil {
		return
	}
	m.safetyIssues.WithLabelValues(ruleID, severity).Inc()
}
