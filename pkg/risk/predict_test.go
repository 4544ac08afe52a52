package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/features"
)

func TestSlope(t *testing.T) {
	assert.InDelta(t, 1.0, Slope([]float64{1, 2, 3, 4, 5}), 1e-9)
	assert.InDelta(t, -2.0, Slope([]float64{10, 8, 6}), 1e-9)
	assert.InDelta(t, 0.0, Slope([]float64{7, 7, 7, 7}), 1e-9)
	assert.Equal(t, 0.0, Slope([]float64{42}))
	assert.Equal(t, 0.0, Slope(nil))
}

func trendsNewestFirst(scores ...float64) []Trend {
	out := make([]Trend, len(scores))
	for i, s := range scores {
		out[i] = Trend{Timestamp: baseTime.Add(-time.Duration(i) * time.Minute), Score: s}
	}
	return out
}

func TestTrendFactor(t *testing.T) {
	// rising scores, newest first
	assert.InDelta(t, 0.1, trendFactor(trendsNewestFirst(5, 4, 3, 2, 1)), 1e-9)
	// only the five most recent points count
	assert.InDelta(t, 0.1, trendFactor(trendsNewestFirst(5, 4, 3, 2, 1, 90, 90)), 1e-9)
	assert.InDelta(t, -0.1, trendFactor(trendsNewestFirst(1, 2, 3)), 1e-9)
	assert.Equal(t, 0.0, trendFactor(trendsNewestFirst(50)))
}

func TestPredict(t *testing.T) {
	preds := predict(50, nil, features.FixedRand(0.5), DefaultJitter)
	require.Len(t, preds, 5)

	want := []struct {
		tf         Timeframe
		score      float64
		confidence float64
		factors    int
	}{
		{Horizon1h, 51, 0.98, 3},
		{Horizon6h, 52.5, 0.95, 3},
		{Horizon24h, 55, 0.9, 3},
		{Horizon7d, 60, 0.8, 5},
		{Horizon30d, 70, 0.6, 5},
	}
	for i, w := range want {
		assert.Equal(t, w.tf, preds[i].Timeframe)
		assert.InDelta(t, w.score, preds[i].PredictedScore, 1e-9, string(w.tf))
		assert.InDelta(t, w.confidence, preds[i].Confidence, 1e-9, string(w.tf))
		assert.Len(t, preds[i].RiskFactors, w.factors)
	}
	assert.Equal(t, []string{"vulnerabilities", "threats", "configuration", "behavioral_changes", "environment_changes"},
		preds[4].RiskFactors)

	confidence := 1.0
	for _, p := range preds {
		assert.LessOrEqual(t, p.Confidence, confidence)
		assert.GreaterOrEqual(t, p.Confidence, 0.5)
		confidence = p.Confidence
	}
}

func TestPredict_TrendAndJitter(t *testing.T) {
	rising := trendsNewestFirst(5, 4, 3, 2, 1)
	preds := predict(50, rising, features.FixedRand(0.5), DefaultJitter)
	assert.InDelta(t, 56, preds[0].PredictedScore, 1e-9)

	low := predict(50, nil, features.FixedRand(0), DefaultJitter)
	assert.InDelta(t, 46, low[0].PredictedScore, 1e-9)

	noJitter := predict(50, nil, features.FixedRand(0), 0)
	assert.InDelta(t, 51, noJitter[0].PredictedScore, 1e-9)

	clamped := predict(90, nil, features.FixedRand(0.5), DefaultJitter)
	assert.Equal(t, 100.0, clamped[4].PredictedScore)

	falling := predict(1, trendsNewestFirst(0, 40, 80), features.FixedRand(0), DefaultJitter)
	for _, p := range falling {
		assert.Equal(t, 0.0, p.PredictedScore)
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{100, LevelCritical},
		{80, LevelCritical},
		{79.99, LevelHigh},
		{60, LevelHigh},
		{59.99, LevelMedium},
		{40, LevelMedium},
		{39.99, LevelLow},
		{0, LevelLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %v", tt.score)
	}
	assert.True(t, LevelCritical.Elevated())
	assert.False(t, LevelMedium.Elevated())
}

func TestComputeFactors(t *testing.T) {
	m := features.DeviceMetrics{
		VulnerabilityCount: 4,
		PatchLevel:         80,
		ThreatEvents:       45,
		AnomalyCount:       2,
		NetworkExposure:    33.3,
		ConfigurationScore: 91,
		UserRisk:           12,
	}
	factors := computeFactors(m, DefaultWeights())
	require.Len(t, factors, 7)

	byID := make(map[string]Factor)
	for _, f := range factors {
		byID[f.ID] = f
	}
	assert.InDelta(t, 40, byID[FactorCriticalVulnerabilities].Value, 1e-9)
	assert.InDelta(t, 20, byID[FactorPatchStatus].Value, 1e-9)
	assert.InDelta(t, 100, byID[FactorThreatExposure].Value, 1e-9)
	assert.InDelta(t, 40, byID[FactorBehavioralAnomalies].Value, 1e-9)
	assert.InDelta(t, 33.3, byID[FactorNetworkExposure].Value, 1e-9)
	assert.InDelta(t, 9, byID[FactorConfigurationSecurity].Value, 1e-9)
	assert.InDelta(t, 12, byID[FactorUserRisk].Value, 1e-9)

	assert.Equal(t, "4 vulnerabilities detected", byID[FactorCriticalVulnerabilities].Description)
	assert.Equal(t, "80.0% patched", byID[FactorPatchStatus].Description)
	assert.Equal(t, "Security configuration score: 91.0%", byID[FactorConfigurationSecurity].Description)
	assert.Equal(t, CategoryThreat, byID[FactorThreatExposure].Category)
	assert.Equal(t, "User Behavior Analysis", byID[FactorUserRisk].Source)

	// 10 + 3 + 20 + 6 + 3.33 + 0.9 + 0.6
	assert.InDelta(t, 43.83, OverallScore(factors), 1e-9)

	out := computeFactors(features.DeviceMetrics{PatchLevel: 120, NetworkExposure: 250, ConfigurationScore: -10}, DefaultWeights())
	for _, f := range out {
		assert.GreaterOrEqual(t, f.Value, 0.0, f.ID)
		assert.LessOrEqual(t, f.Value, 100.0, f.ID)
	}
}

func TestValidateWeights(t *testing.T) {
	require.NoError(t, ValidateWeights(DefaultWeights()))

	unknown := DefaultWeights()
	unknown["uptime"] = 0
	missing := DefaultWeights()
	delete(missing, FactorUserRisk)
	negative := DefaultWeights()
	negative[FactorUserRisk] = -0.05
	negative[FactorPatchStatus] = 0.25
	offByALittle := DefaultWeights()
	offByALittle[FactorUserRisk] = 0.0501

	for name, w := range map[string]map[string]float64{
		"unknown":  unknown,
		"missing":  missing,
		"negative": negative,
		"sum":      offByALittle,
	} {
		err := ValidateWeights(w)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidConfiguration), name)
	}
}

func TestRecommendations(t *testing.T) {
	factors := []Factor{
		{ID: FactorNetworkExposure, Value: 71},
		{ID: FactorBehavioralAnomalies, Value: 70},
		{ID: FactorUserRisk, Value: 99},
	}
	assert.Equal(t, []string{"Review network segmentation", "Update firewall rules"}, recommendations(factors, LevelMedium))
	assert.Empty(t, recommendations(nil, LevelLow))

	critical := recommendations(factors, LevelCritical)
	assert.Equal(t, []string{"Immediate attention required", "Review network segmentation", "Update firewall rules",
		"Consider emergency incident response"}, critical)
}
