package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/base"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/features"
	"github.com/lucid-vigil/threatcore/pkg/metrics"
)

const (
	DefaultAdmissionRate = 0.2
	DefaultMaxRecords    = 100

	detectionMethod = "ML_Statistical"
)

var descriptionTemplates = map[features.Category][]string{
	features.CategoryNetwork: {
		"Unusual network traffic pattern detected",
		"Abnormal connection behavior observed",
		"Suspicious data transfer volume",
	},
	features.CategoryProcess: {
		"Abnormal process execution pattern",
		"Unusual resource consumption detected",
		"Suspicious process behavior observed",
	},
	features.CategoryFile: {
		"Unusual file system activity",
		"Abnormal file modification pattern",
		"Suspicious file access behavior",
	},
	features.CategoryUser: {
		"Unusual user behavior pattern",
		"Abnormal authentication activity",
		"Suspicious privilege usage",
	},
	features.CategorySystem: {
		"Abnormal system performance pattern",
		"Unusual system configuration changes",
		"Suspicious system event sequence",
	},
}

// Config tunes the detector. Zero values select the defaults, except
// AdmissionRate where zero means no anomaly is ever recorded.
type Config struct {
	MinSamples    int     `mapstructure:"min_samples"`
	WindowSize    int     `mapstructure:"window_size"`
	Threshold     float64 `mapstructure:"threshold"`
	AdmissionRate float64 `mapstructure:"admission_rate"`
	MaxRecords    int     `mapstructure:"max_records"`
}

// DefaultConfig returns the reference detector settings.
func DefaultConfig() Config {
	return Config{
		MinSamples:    DefaultMinSamples,
		WindowSize:    DefaultWindowSize,
		Threshold:     DefaultThreshold,
		AdmissionRate: DefaultAdmissionRate,
		MaxRecords:    DefaultMaxRecords,
	}
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return apperrors.NewConfigError("anomaly_detector", "threshold must be within [0,1]",
			map[string]interface{}{"threshold": c.Threshold})
	}
	if c.AdmissionRate < 0 || c.AdmissionRate > 1 {
		return apperrors.NewConfigError("anomaly_detector", "admission_rate must be within [0,1]",
			map[string]interface{}{"admission_rate": c.AdmissionRate})
	}
	if c.MinSamples < 0 || c.WindowSize < 0 || c.MaxRecords < 0 {
		return apperrors.NewConfigError("anomaly_detector", "sizes must not be negative", nil)
	}
	return nil
}

// Record is one admitted anomaly.
type Record struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Category    features.Category      `json:"type"`
	Severity    events.Severity        `json:"severity"`
	Confidence  float64                `json:"confidence"`
	Description string                 `json:"description"`
	Features    map[string]float64     `json:"features"`
	DeviceID    string                 `json:"device_id"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (r Record) clone() Record {
	named := make(map[string]float64, len(r.Features))
	for k, v := range r.Features {
		named[k] = v
	}
	r.Features = named
	r.Metadata = events.CloneMetadata(r.Metadata)
	return r
}

// Filter narrows Anomalies. Empty fields match everything.
type Filter struct {
	Category features.Category
	Severity events.Severity
}

func (f Filter) matches(r Record) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	return true
}

// Detector runs one Model per category and keeps a bounded, newest-first
// list of anomaly records.
type Detector struct {
	*base.BaseTask
	cfg        Config
	source     features.Source
	rng        features.Rand
	errHandler *apperrors.ErrorHandler
	metrics    *metrics.Metrics

	mu          sync.RWMutex
	models      map[features.Category]*Model
	records     []Record
	predictions int64
	anomalies   int64
	suppressed  int64
}

// NewDetector creates a detector pulling samples from source. source may be
// nil when samples are pushed through Observe only.
func NewDetector(logger zerolog.Logger, cfg Config, source features.Source, rng features.Rand) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if rng == nil {
		rng = features.NewRand(time.Now().UnixNano())
	}

	d := &Detector{
		BaseTask: base.NewBaseTask("anomaly_detector", logger),
		cfg:      cfg,
		source:   source,
		rng:      rng,
		models:   make(map[features.Category]*Model, len(features.Categories)),
	}
	for _, c := range features.Categories {
		d.models[c] = NewModel(cfg.MinSamples, cfg.WindowSize, cfg.Threshold)
	}
	return d, nil
}

// SetErrorHandler routes cycle errors to h.
func (d *Detector) SetErrorHandler(h *apperrors.ErrorHandler) { d.errHandler = h }

// SetMetrics attaches Prometheus collectors.
func (d *Detector) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Observe scores sample, records it when anomalous and admitted, then adds
// it to the category history.
func (d *Detector) Observe(sample features.Sample, now time.Time) (Prediction, error) {
	if !sample.Category.Valid() {
		return Prediction{}, apperrors.NewMalformedSampleError(d.Name(),
			fmt.Sprintf("unknown feature category %q", sample.Category), nil)
	}
	if len(sample.Values) == 0 {
		return Prediction{}, apperrors.NewMalformedSampleError(d.Name(), "empty feature vector",
			map[string]interface{}{"category": string(sample.Category), "device_id": sample.DeviceID})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	model := d.models[sample.Category]
	prediction := model.Predict(sample.Values)
	d.predictions++
	d.metrics.ObservePrediction(string(sample.Category))

	if prediction.Anomaly {
		if d.rng.Float64() < d.cfg.AdmissionRate {
			record := d.newRecord(sample, prediction, now)
			d.records = append([]Record{record}, d.records...)
			if len(d.records) > d.cfg.MaxRecords {
				d.records = d.records[:d.cfg.MaxRecords]
			}
			d.anomalies++
			d.metrics.ObserveAnomaly(string(record.Category), string(record.Severity))
			d.Logger().Info().
				Str("anomaly_id", record.ID).
				Str("category", string(record.Category)).
				Str("severity", string(record.Severity)).
				Float64("confidence", record.Confidence).
				Str("device_id", record.DeviceID).
				Msg("Anomaly detected")
		} else {
			d.suppressed++
			d.metrics.ObserveSuppressed(string(sample.Category))
		}
	}

	model.Retrain([][]float64{sample.Values})
	return prediction, nil
}

func (d *Detector) newRecord(sample features.Sample, p Prediction, now time.Time) Record {
	templates := descriptionTemplates[sample.Category]

	return Record{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Category:    sample.Category,
		Severity:    SeverityFor(p.Confidence),
		Confidence:  p.Confidence,
		Description: templates[features.Pick(d.rng, len(templates))],
		Features:    sample.Named(),
		DeviceID:    sample.DeviceID,
		Metadata: map[string]interface{}{
			"detection_method": detectionMethod,
			"feature_vector":   append([]float64(nil), sample.Values...),
		},
	}
}

// SeverityFor buckets a confidence in [0,1] into the four severity levels.
func SeverityFor(confidence float64) events.Severity {
	idx := int(math.Floor(confidence * 4))
	if idx < 0 {
		idx = 0
	}
	if idx > 3 {
		idx = 3
	}
	return events.Severities[idx]
}

// Train seeds the history of one category without scoring.
func (d *Detector) Train(category features.Category, vectors [][]float64) error {
	if !category.Valid() {
		return apperrors.NewMalformedSampleError(d.Name(),
			fmt.Sprintf("unknown feature category %q", category), nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.models[category].Retrain(vectors)
	return nil
}

// Predict scores values against a category model without side effects.
func (d *Detector) Predict(category features.Category, values []float64) (Prediction, error) {
	if !category.Valid() {
		return Prediction{}, apperrors.NewMalformedSampleError(d.Name(),
			fmt.Sprintf("unknown feature category %q", category), nil)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.models[category].Predict(values), nil
}

// Tick pulls one sample per category from the source and observes it.
// Source failures are reported and the remaining categories still run.
func (d *Detector) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	var lastErr error

	for _, category := range features.Categories {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if d.source == nil {
			break
		}

		sample, err := d.source.Sample(ctx, category)
		if err == nil {
			_, err = d.Observe(sample, now)
		}
		if err != nil {
			lastErr = err
			d.report(ctx, err, category)
		}
	}

	d.metrics.ObserveCycle(d.Name(), time.Since(start))
	d.RecordRun(now, lastErr)
}

func (d *Detector) report(ctx context.Context, err error, category features.Category) {
	d.metrics.ObserveCycleError(d.Name())

	var ae *apperrors.AnalyticsError
	if !errors.As(err, &ae) {
		ae = apperrors.NewSourceError(d.Name(), string(category), err)
	}
	if d.errHandler != nil {
		_ = d.errHandler.HandleError(ctx, ae)
		return
	}
	d.Logger().Warn().Err(err).Str("category", string(category)).Msg("Anomaly detection cycle error")
}

// Anomalies returns copies of the records matching f, newest first.
func (d *Detector) Anomalies(f Filter) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		if f.matches(r) {
			out = append(out, r.clone())
		}
	}
	return out
}

// Stats returns detector counters and per-category history sizes.
func (d *Detector) Stats() map[string]interface{} {
	stats := d.BaseStats()

	d.mu.RLock()
	defer d.mu.RUnlock()

	history := make(map[string]int, len(d.models))
	for c, m := range d.models {
		history[string(c)] = m.Len()
	}
	stats["history_by_category"] = history
	stats["predictions"] = d.predictions
	stats["anomalies_detected"] = d.anomalies
	stats["anomalies_suppressed"] = d.suppressed
	stats["records"] = len(d.records)
	stats["admission_rate"] = d.cfg.AdmissionRate
	return stats
}
