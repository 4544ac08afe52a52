package anomaly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/features"
)

var t0 = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T, admission float64, rng features.Rand, source features.Source) *Detector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AdmissionRate = admission
	d, err := NewDetector(zerolog.Nop(), cfg, source, rng)
	require.NoError(t, err)
	return d
}

func observeN(t *testing.T, d *Detector, category features.Category, vectors [][]float64) {
	t.Helper()
	for i, v := range vectors {
		_, err := d.Observe(features.Sample{Category: category, DeviceID: "WS-IT-01", Values: v}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
}

func TestDetector_IdenticalVectorsNeverAnomalous(t *testing.T) {
	d := newTestDetector(t, 1, features.FixedRand(0), nil)
	observeN(t, d, features.CategoryNetwork, repeat([]float64{10, 10, 10, 10}, 15))

	p, err := d.Observe(features.Sample{Category: features.CategoryNetwork, Values: []float64{10, 10, 10, 10}}, t0)
	require.NoError(t, err)
	assert.False(t, p.Anomaly)
	assert.Equal(t, 0.0, p.Confidence)
	assert.Empty(t, d.Anomalies(Filter{}))
}

func TestDetector_OutlierAfterTightBaseline(t *testing.T) {
	d := newTestDetector(t, 1, features.FixedRand(0), nil)

	baseline := make([][]float64, 15)
	for i := range baseline {
		jitter := 0.1
		if i%2 == 0 {
			jitter = -0.1
		}
		baseline[i] = []float64{10 + jitter, 10 - jitter, 10, 10 + jitter/2}
	}
	observeN(t, d, features.CategoryNetwork, baseline)

	p, err := d.Observe(features.Sample{Category: features.CategoryNetwork, DeviceID: "WS-HR-01", Values: []float64{100, 10, 10, 10}}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, p.Anomaly)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)

	records := d.Anomalies(Filter{})
	require.Len(t, records, 1)
	r := records[0]
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, events.SeverityCritical, r.Severity)
	assert.Equal(t, features.CategoryNetwork, r.Category)
	assert.Equal(t, "WS-HR-01", r.DeviceID)
	assert.Equal(t, t0.Add(time.Minute), r.Timestamp)
	assert.Contains(t, descriptionTemplates[features.CategoryNetwork], r.Description)
	assert.Equal(t, 100.0, r.Features["bytesPerSecond"])
	assert.Equal(t, "ML_Statistical", r.Metadata["detection_method"])
	assert.Equal(t, []float64{100, 10, 10, 10}, r.Metadata["feature_vector"])
}

func TestDetector_NonFiniteSampleDoesNotBlindFeature(t *testing.T) {
	d := newTestDetector(t, 1, features.FixedRand(0), nil)
	observeN(t, d, features.CategoryNetwork, [][]float64{
		{9.9, 10, 10, 10}, {10.1, 10, 10, 10}, {9.9, 10, 10, 10}, {10.1, 10, 10, 10},
		{9.9, 10, 10, 10}, {10.1, 10, 10, 10}, {9.9, 10, 10, 10}, {10.1, 10, 10, 10},
		{9.9, 10, 10, 10}, {10.1, 10, 10, 10}, {9.9, 10, 10, 10}, {10.1, 10, 10, 10},
	})
	observeN(t, d, features.CategoryNetwork, [][]float64{{math.NaN(), 10, 10, 10}})

	p, err := d.Observe(features.Sample{Category: features.CategoryNetwork, DeviceID: "WS-IT-01", Values: []float64{100, 10, 10, 10}}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, p.Anomaly)
	assert.InDelta(t, 1.0, p.Confidence, 1e-9)
}

func TestDetector_AdmissionGate(t *testing.T) {
	// draws of 0.5 never pass a 0.2 gate
	d := newTestDetector(t, 0.2, features.FixedRand(0.5), nil)
	require.NoError(t, d.Train(features.CategoryUser, [][]float64{{1}, {3}, {1}, {3}, {1}, {3}, {1}, {3}, {1}, {3}}))

	p, err := d.Observe(features.Sample{Category: features.CategoryUser, Values: []float64{50}}, t0)
	require.NoError(t, err)
	assert.True(t, p.Anomaly)
	assert.Empty(t, d.Anomalies(Filter{}))
	assert.Equal(t, int64(1), d.Stats()["anomalies_suppressed"])

	// the suppressed sample still joined the history
	assert.Equal(t, 11, d.Stats()["history_by_category"].(map[string]int)["user"])
}

func TestDetector_RecordsBoundedNewestFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdmissionRate = 1
	cfg.MaxRecords = 3
	cfg.MinSamples = 2
	// a large window keeps the baseline spread dominant
	d, err := NewDetector(zerolog.Nop(), cfg, nil, features.FixedRand(0))
	require.NoError(t, err)
	require.NoError(t, d.Train(features.CategoryFile, repeat([]float64{1}, 500)))
	require.NoError(t, d.Train(features.CategoryFile, repeat([]float64{3}, 500)))

	for i := 0; i < 5; i++ {
		_, err := d.Observe(features.Sample{Category: features.CategoryFile, DeviceID: fmt.Sprintf("dev-%d", i), Values: []float64{10}}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	records := d.Anomalies(Filter{})
	require.Len(t, records, 3)
	assert.Equal(t, "dev-4", records[0].DeviceID)
	assert.Equal(t, "dev-2", records[2].DeviceID)
}

func TestDetector_FilterAndCopies(t *testing.T) {
	d := newTestDetector(t, 1, features.FixedRand(0), nil)
	for _, c := range []features.Category{features.CategoryNetwork, features.CategorySystem} {
		require.NoError(t, d.Train(c, [][]float64{{1}, {3}, {1}, {3}, {1}, {3}, {1}, {3}, {1}, {3}}))
		_, err := d.Observe(features.Sample{Category: c, Values: []float64{100}}, t0)
		require.NoError(t, err)
	}

	assert.Len(t, d.Anomalies(Filter{}), 2)
	assert.Len(t, d.Anomalies(Filter{Category: features.CategorySystem}), 1)
	assert.Len(t, d.Anomalies(Filter{Severity: events.SeverityCritical}), 2)
	assert.Empty(t, d.Anomalies(Filter{Category: features.CategoryFile}))

	got := d.Anomalies(Filter{})
	got[0].Features["injected"] = 1
	got[0].Metadata["detection_method"] = "tampered"
	fresh := d.Anomalies(Filter{})
	assert.NotContains(t, fresh[0].Features, "injected")
	assert.Equal(t, "ML_Statistical", fresh[0].Metadata["detection_method"])
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       events.Severity
	}{
		{0, events.SeverityLow},
		{0.24, events.SeverityLow},
		{0.25, events.SeverityMedium},
		{0.5, events.SeverityHigh},
		{0.71, events.SeverityHigh},
		{0.75, events.SeverityCritical},
		{1, events.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.confidence), "confidence %v", tt.confidence)
	}
}

func TestDetector_MalformedSamples(t *testing.T) {
	d := newTestDetector(t, 1, features.FixedRand(0), nil)

	_, err := d.Observe(features.Sample{Category: features.CategoryNetwork}, t0)
	assert.True(t, errors.Is(err, apperrors.ErrMalformedSample))

	_, err = d.Observe(features.Sample{Category: "kernel", Values: []float64{1}}, t0)
	assert.True(t, errors.Is(err, apperrors.ErrMalformedSample))

	assert.Error(t, d.Train("kernel", nil))
	_, err = d.Predict("kernel", nil)
	assert.Error(t, err)
}

func TestNewDetector_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdmissionRate = 1.5
	_, err := NewDetector(zerolog.Nop(), cfg, nil, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfiguration))

	cfg = DefaultConfig()
	cfg.Threshold = -0.1
	_, err = NewDetector(zerolog.Nop(), cfg, nil, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfiguration))
}

type flakySource struct {
	inner features.Source
	fail  features.Category
}

func (f *flakySource) Sample(ctx context.Context, c features.Category) (features.Sample, error) {
	if c == f.fail {
		return features.Sample{}, errors.New("collector offline")
	}
	return f.inner.Sample(ctx, c)
}

func TestDetector_TickContinuesAfterSourceError(t *testing.T) {
	var buf bytes.Buffer
	collector := apperrors.NewStatsCollector()
	handler := apperrors.NewErrorHandler(zerolog.New(&buf), collector)

	src := &flakySource{inner: features.NewSyntheticSource(features.NewRand(3)), fail: features.CategoryFile}
	d := newTestDetector(t, 0.2, features.NewRand(4), src)
	d.SetErrorHandler(handler)

	for i := 0; i < 3; i++ {
		d.Tick(context.Background(), t0.Add(time.Duration(i)*15*time.Second))
	}

	history := d.Stats()["history_by_category"].(map[string]int)
	assert.Equal(t, 3, history["network"])
	assert.Equal(t, 3, history["system"])
	assert.Equal(t, 0, history["file"])

	stats := collector.GetErrorStats()
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Contains(t, buf.String(), "collector offline")
	assert.Equal(t, int64(3), d.Runs())
}

func TestDetector_TickHonoursCancellation(t *testing.T) {
	d := newTestDetector(t, 0.2, features.NewRand(4), features.NewSyntheticSource(features.NewRand(1)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Tick(ctx, t0)
	assert.ErrorIs(t, d.LastError(), context.Canceled)
	assert.Equal(t, int64(0), d.Stats()["predictions"])
}
