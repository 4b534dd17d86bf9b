package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/ygrebnov/fleetpool/metrics"
)

func TestPrometheusProvider_CounterIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := metrics.NewPrometheusProvider(reg)

	c := p.Counter("fleetpool_tasks_completed_total", metrics.WithDescription("completed tasks"))
	c.Add(1)
	c.Add(2)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, mf := range mfs {
		if mf.GetName() == "fleetpool_tasks_completed_total" {
			found = mf
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	require.Equal(t, float64(3), found.Metric[0].GetCounter().GetValue())
}
