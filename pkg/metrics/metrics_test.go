package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObservePrediction("network")
	m.ObservePrediction("network")
	m.ObserveAnomaly("network", "critical")
	m.ObserveCorrelation("lateral_movement")
	m.ObserveDropped("duplicate")
	m.ObserveAssessment("SRV-WEB-01", 72.5)
	m.ObserveCycle("risk_engine", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Predictions.WithLabelValues("network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnomaliesDetected.WithLabelValues("network", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CorrelationsCreated.WithLabelValues("lateral_movement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("duplicate")))
	assert.Equal(t, 72.5, testutil.ToFloat64(m.DeviceRiskScore.WithLabelValues("SRV-WEB-01")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskAssessments))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "threatcore_cycle_duration_seconds")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePrediction("file")
		m.ObserveAnomaly("file", "low")
		m.ObserveSuppressed("file")
		m.ObservePublished()
		m.ObserveDropped("invalid")
		m.ObserveIngested()
		m.ObserveCorrelation("r")
		m.ObserveCorrelationSkipped("r")
		m.ObserveAssessment("d", 1)
		m.ObserveCycle("e", time.Second)
		m.ObserveCycleError("e")
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
