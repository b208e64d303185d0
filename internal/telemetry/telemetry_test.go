package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsIncrementsCounters(t *testing.T) {
	assert := assert.New(t)

	m := NewMetrics()
	m.TicksTotal.Inc()
	m.StashesTotal.Add(5)
	m.ErrorsTotal.WithLabelValues("transport").Inc()

	assert.Equal(float64(1), counterValue(t, m.TicksTotal))
	assert.Equal(float64(5), counterValue(t, m.StashesTotal))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestInitTracerNoopWhenCollectorUnset(t *testing.T) {
	require := require.New(t)

	tracer, shutdown, err := InitTracer(context.Background(), "indexer-test", "")
	require.NoError(err)
	require.NotNil(tracer, "expected a non-nil no-op tracer")
	require.NoError(shutdown(context.Background()))
}
