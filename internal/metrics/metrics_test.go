package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestSetStateOnlyCurrentStateReadsOne(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetState(StateValidating)

	require.Equal(t, float64(1), gaugeValue(t, m.State.WithLabelValues(StateValidating)))
	require.Equal(t, float64(0), gaugeValue(t, m.State.WithLabelValues(StateVoting)))
}

func TestSetChildStatsAndClear(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetChildStats(1024, 12.5)

	require.Equal(t, float64(1024), gaugeValue(t, m.ChildRSSBytes))
	require.Equal(t, 12.5, gaugeValue(t, m.ChildCPUPercent))

	m.ClearChildStats()
	require.Equal(t, float64(0), gaugeValue(t, m.ChildRSSBytes))
}
