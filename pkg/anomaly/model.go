package anomaly

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	DefaultMinSamples = 10
	DefaultWindowSize = 1000
	DefaultThreshold  = 0.7

	// z-scores are divided by this before clipping to [0,1]
	zScale = 3.0
)

// Prediction is the outcome of scoring one feature vector.
type Prediction struct {
	Anomaly    bool    `json:"anomaly"`
	Confidence float64 `json:"confidence"`
}

// Model is a rolling z-score model over the recent vectors of one category.
// It is not safe for concurrent use; the Detector serializes access.
type Model struct {
	history    [][]float64
	minSamples int
	windowSize int
	threshold  float64
}

// NewModel creates an empty model. Non-positive arguments select the defaults.
func NewModel(minSamples, windowSize int, threshold float64) *Model {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Model{
		minSamples: minSamples,
		windowSize: windowSize,
		threshold:  threshold,
	}
}

// Predict scores values against the history. With fewer than minSamples
// vectors it returns the neutral {false, 0.5}. Otherwise the score is the
// largest |z|/3 over features with nonzero spread, clipped to [0,1].
// Features missing from a history row, or from the probe, are skipped, as
// are non-finite values on either side.
func (m *Model) Predict(values []float64) Prediction {
	if len(m.history) < m.minSamples {
		return Prediction{Anomaly: false, Confidence: 0.5}
	}

	var score float64
	column := make([]float64, 0, len(m.history))
	for i, v := range values {
		if !finite(v) {
			continue
		}

		column = column[:0]
		for _, row := range m.history {
			if i < len(row) && finite(row[i]) {
				column = append(column, row[i])
			}
		}
		if len(column) < 2 {
			continue
		}

		mean, std := stat.PopMeanStdDev(column, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}

		if z := math.Abs(v-mean) / std / zScale; z > score {
			score = z
		}
	}

	score = math.Min(math.Max(score, 0), 1)
	return Prediction{Anomaly: score > m.threshold, Confidence: score}
}

// Retrain appends vectors to the history and keeps the most recent
// windowSize. Empty vectors are ignored.
func (m *Model) Retrain(vectors [][]float64) {
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		m.history = append(m.history, append([]float64(nil), v...))
	}
	if excess := len(m.history) - m.windowSize; excess > 0 {
		// copy so the dropped prefix can be collected
		m.history = append([][]float64(nil), m.history[excess:]...)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Len returns the number of vectors in the history.
func (m *Model) Len() int {
	return len(m.history)
}
