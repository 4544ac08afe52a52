package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lucid-vigil/threatcore/pkg/features"
)

// Timeframe is a prediction horizon.
type Timeframe string

const (
	Horizon1h  Timeframe = "1h"
	Horizon6h  Timeframe = "6h"
	Horizon24h Timeframe = "24h"
	Horizon7d  Timeframe = "7d"
	Horizon30d Timeframe = "30d"
)

// DefaultJitter bounds the random term of a prediction.
const DefaultJitter = 0.1

const (
	trendPoints   = 5
	trendScale    = 0.1
	minConfidence = 0.5
)

var horizons = []struct {
	timeframe  Timeframe
	multiplier float64
}{
	{Horizon1h, 0.02},
	{Horizon6h, 0.05},
	{Horizon24h, 0.10},
	{Horizon7d, 0.20},
	{Horizon30d, 0.40},
}

// Timeframes lists the prediction horizons, shortest first.
func Timeframes() []Timeframe {
	out := make([]Timeframe, len(horizons))
	for i, h := range horizons {
		out[i] = h.timeframe
	}
	return out
}

// Prediction is a forward-looking score estimate for one horizon.
type Prediction struct {
	Timeframe      Timeframe `json:"timeframe"`
	PredictedScore float64   `json:"predicted_score"`
	Confidence     float64   `json:"confidence"`
	RiskFactors    []string  `json:"risk_factors"`
}

// Slope returns the least-squares slope of ys against their indices, or 0
// for fewer than two points.
func Slope(ys []float64) float64 {
	if len(ys) < 2 {
		return 0
	}
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta
}

// trendFactor scales the slope of the most recent trend points. trends are
// newest first; the fit runs in chronological order.
func trendFactor(trends []Trend) float64 {
	n := len(trends)
	if n > trendPoints {
		n = trendPoints
	}
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[n-1-i] = trends[i].Score
	}
	return Slope(scores) * trendScale
}

func predictionFactors(tf Timeframe) []string {
	factors := []string{"vulnerabilities", "threats", "configuration"}
	if tf == Horizon7d || tf == Horizon30d {
		factors = append(factors, "behavioral_changes", "environment_changes")
	}
	return factors
}

// predict builds one prediction per horizon from the current score and the
// prior trend history.
func predict(score float64, trends []Trend, rng features.Rand, jitter float64) []Prediction {
	// rising scores over time give a positive trend
	trend := trendFactor(trends)

	out := make([]Prediction, 0, len(horizons))
	for _, h := range horizons {
		var noise float64
		if rng != nil && jitter > 0 {
			noise = (rng.Float64()*2 - 1) * jitter
		}
		predicted := clamp(score*(1+h.multiplier+trend+noise), 0, 100)

		out = append(out, Prediction{
			Timeframe:      h.timeframe,
			PredictedScore: features.Round2(predicted),
			Confidence:     math.Max(minConfidence, 1-h.multiplier),
			RiskFactors:    predictionFactors(h.timeframe),
		})
	}
	return out
}
