package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecorded(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.ObserveExecution("success", "echo", 2*time.Second)
	m.ObserveExecution("timed_out", "claude", time.Minute)
	m.ObserveExecution("success", "echo", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.executions.WithLabelValues("success", "echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("timed_out", "claude")))

	m.SetQueue(2, 3, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueQueued))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueMax))

	m.ObserveCallback(true, 20*time.Millisecond)
	m.ObserveCallback(false, time.Second)
	m.ObserveCallback(false, 10*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.callbacks.WithLabelValues("failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.callbackDuration))

	m.ObservePushVerification(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pushVerifications.WithLabelValues("not_pushed")))

	m.ObserveWorkspaceSetup("git", time.Second, errors.New("clone failed"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.workspaceSetup))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExecution("success", "echo", time.Second)
		m.SetQueue(1, 0, 1)
		m.ObserveWorkspaceSetup("tempdir", time.Millisecond, nil)
		m.ObserveCallback(true, time.Millisecond)
		m.ObservePushVerification(true)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNewMetrics(reg)
	assert.Panics(t, func() { MustNewMetrics(reg) })
}
