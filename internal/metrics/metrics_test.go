package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorialio/scotty/internal/apptypes"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()

	return New(prometheus.NewRegistry())
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, g.Write(&m))

	return m.GetGauge().GetValue()
}

func TestMetrics_SampleApps_RecordsTotalsAndStatus(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)

	checked := time.Now().Add(-30 * time.Second)
	apps := []*apptypes.App{
		{Status: apptypes.StatusRunning, Services: []apptypes.ContainerState{{}, {}}, LastChecked: &checked},
		{Status: apptypes.StatusStopped, Services: nil},
	}

	m.SampleApps(apps)

	assert.Equal(t, float64(2), gaugeValue(t, m.appsTotal))

	running, err := m.appsByStatus.GetMetricWithLabelValues(string(apptypes.StatusRunning))
	require.NoError(t, err)
	assert.Equal(t, float64(1), gaugeValue(t, running))
}

func TestMetrics_RecordTaskStart_RecordsOutcome(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)

	finish := m.RecordTaskStart("lifecycle:create")
	finish("ok")

	var out dto.Metric
	counter, err := m.tasksTotal.GetMetricWithLabelValues("lifecycle:create", "ok")
	require.NoError(t, err)
	require.NoError(t, counter.Write(&out))
	assert.Equal(t, float64(1), out.GetCounter().GetValue())
}

func TestMetrics_RecordFSMFailure(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)

	m.RecordFSMFailure("create")
	m.RecordFSMFailure("create")

	var out dto.Metric
	counter, err := m.fsmFailures.GetMetricWithLabelValues("create")
	require.NoError(t, err)
	require.NoError(t, counter.Write(&out))
	assert.Equal(t, float64(2), out.GetCounter().GetValue())
}

func TestMetrics_SetWebSocketConnections(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)

	m.SetWebSocketConnections(3)
	assert.Equal(t, float64(3), gaugeValue(t, m.wsConnections))
}
