// Package metrics exposes Prometheus collectors for the execution pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agent_runner"

// Metrics groups every collector the service reports.
type Metrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	queueActive       prometheus.Gauge
	queueQueued       prometheus.Gauge
	queueMax          prometheus.Gauge
	workspaceSetup    *prometheus.HistogramVec
	callbacks         *prometheus.CounterVec
	callbackDuration  prometheus.Histogram
	pushVerifications *prometheus.CounterVec
}

// MustNewMetrics registers the collectors on reg and panics on conflicts.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "executions_total",
			Help:      "Executions finished, by outcome and provider.",
		}, []string{"outcome", "provider"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of executions from validation to result.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"outcome"}),
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "active",
			Help:      "Executions currently running.",
		}),
		queueQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "queued",
			Help:      "Executions waiting for a slot.",
		}),
		queueMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "max_concurrent",
			Help:      "Configured concurrency limit.",
		}),
		workspaceSetup: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "setup_duration_seconds",
			Help:      "Time spent preparing workspaces.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "deliveries_total",
			Help:      "Callback delivery attempts by result.",
		}, []string{"result"}),
		callbackDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent on callback delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		pushVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workspace",
			Name:      "push_verifications_total",
			Help:      "Branch push verifications by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.executions,
		m.executionDuration,
		m.queueActive,
		m.queueQueued,
		m.queueMax,
		m.workspaceSetup,
		m.callbacks,
		m.callbackDuration,
		m.pushVerifications,
	)
	return m
}

// ObserveExecution records a finished execution.
func (m *Metrics) ObserveExecution(outcome, provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome, provider).Inc()
	m.executionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetQueue mirrors the queue status into gauges.
func (m *Metrics) SetQueue(active, queued, max int) {
	if m == nil {
		return
	}
	m.queueActive.Set(float64(active))
	m.queueQueued.Set(float64(queued))
	m.queueMax.Set(float64(max))
}

// ObserveWorkspaceSetup records one workspace setup.
func (m *Metrics) ObserveWorkspaceSetup(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.workspaceSetup.WithLabelValues(kind, resultLabel(err == nil)).Observe(d.Seconds())
}

// ObserveCallback records one callback attempt.
func (m *Metrics) ObserveCallback(delivered bool, d time.Duration) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(resultLabel(delivered)).Inc()
	m.callbackDuration.Observe(d.Seconds())
}

// ObservePushVerification records whether the expected branch push was found.
func (m *Metrics) ObservePushVerification(pushed bool) {
	if m == nil {
		return
	}
	label := "pushed"
	if !pushed {
		label = "not_pushed"
	}
	m.pushVerifications.WithLabelValues(label).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
