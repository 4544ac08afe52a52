package risk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/base"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/features"
	"github.com/lucid-vigil/threatcore/pkg/metrics"
)

// DefaultTrendCap bounds each device's trend history.
const DefaultTrendCap = 100

// Trend is one point of a device's score history.
type Trend struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Factors   []string  `json:"factors"`
}

// Assessment is the latest risk snapshot of one device.
type Assessment struct {
	DeviceID        string       `json:"device_id"`
	OverallScore    float64      `json:"overall_score"`
	Level           Level        `json:"risk_level"`
	Factors         []Factor     `json:"factors"`
	Trends          []Trend      `json:"trends"`
	Predictions     []Prediction `json:"predictions"`
	Recommendations []string     `json:"recommendations"`
	LastUpdated     time.Time    `json:"last_updated"`
}

func (a Assessment) clone() Assessment {
	a.Factors = append([]Factor(nil), a.Factors...)
	a.Trends = cloneTrends(a.Trends)
	preds := make([]Prediction, len(a.Predictions))
	for i, p := range a.Predictions {
		p.RiskFactors = append([]string(nil), p.RiskFactors...)
		preds[i] = p
	}
	a.Predictions = preds
	a.Recommendations = append([]string(nil), a.Recommendations...)
	return a
}

func cloneTrends(in []Trend) []Trend {
	out := make([]Trend, len(in))
	for i, t := range in {
		t.Factors = append([]string(nil), t.Factors...)
		out[i] = t
	}
	return out
}

// Config tunes the engine. Nil weights select DefaultWeights.
type Config struct {
	Weights  map[string]float64 `mapstructure:"weights"`
	TrendCap int                `mapstructure:"trend_cap"`
	Jitter   float64            `mapstructure:"jitter"`
}

// DefaultConfig returns the reference engine settings.
func DefaultConfig() Config {
	return Config{
		Weights:  DefaultWeights(),
		TrendCap: DefaultTrendCap,
		Jitter:   DefaultJitter,
	}
}

// Validate checks the weights and bounds.
func (c Config) Validate() error {
	if c.Weights != nil {
		if err := ValidateWeights(c.Weights); err != nil {
			return err
		}
	}
	if c.TrendCap < 0 {
		return apperrors.NewConfigError("risk_engine", "trend cap must not be negative",
			map[string]interface{}{"trend_cap": c.TrendCap})
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return apperrors.NewConfigError("risk_engine", "jitter must be within [0,1]",
			map[string]interface{}{"jitter": c.Jitter})
	}
	return nil
}

// Listener is told about devices that moved into the high or critical band.
type Listener func(ctx context.Context, a Assessment)

// Engine periodically scores every tracked device.
type Engine struct {
	*base.BaseTask
	cfg        Config
	source     features.MetricsSource
	rng        features.Rand
	clock      func() time.Time
	errHandler *apperrors.ErrorHandler
	metrics    *metrics.Metrics

	mu          sync.RWMutex
	weights     map[string]float64
	assessments map[string]Assessment
	trends      map[string][]Trend
	lastMetrics map[string]features.DeviceMetrics
	listeners   []Listener
}

// NewEngine creates a risk engine reading device metrics from source.
func NewEngine(logger zerolog.Logger, cfg Config, source features.MetricsSource, rng features.Rand) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.TrendCap == 0 {
		cfg.TrendCap = DefaultTrendCap
	}

	return &Engine{
		BaseTask:    base.NewBaseTask("risk_engine", logger),
		cfg:         cfg,
		source:      source,
		rng:         rng,
		clock:       time.Now,
		weights:     copyWeights(cfg.Weights),
		assessments: make(map[string]Assessment),
		trends:      make(map[string][]Trend),
		lastMetrics: make(map[string]features.DeviceMetrics),
	}, nil
}

// SetErrorHandler routes per-device failures to h.
func (e *Engine) SetErrorHandler(h *apperrors.ErrorHandler) { e.errHandler = h }

// SetMetrics attaches Prometheus collectors.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// SetClock replaces the time source used by out-of-cycle re-assessments.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// OnEscalation registers a listener for devices entering the high or
// critical band.
func (e *Engine) OnEscalation(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Tick fetches metrics for every device and re-assesses them at now.
// Devices whose metrics cannot be read keep their previous assessment.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	start := time.Now()

	if e.source == nil {
		e.RecordRun(now, nil)
		return
	}

	devices, err := e.source.Devices(ctx)
	if err != nil {
		e.report(ctx, err, "")
		e.RecordRun(now, err)
		return
	}

	fetched := make(map[string]features.DeviceMetrics, len(devices))
	var lastErr error
	for _, id := range devices {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		m, err := e.source.Metrics(ctx, id)
		if err != nil {
			lastErr = err
			e.report(ctx, err, id)
			continue
		}
		fetched[id] = m
	}

	e.mu.Lock()
	for id, m := range fetched {
		e.lastMetrics[id] = m
	}
	escalated := e.assessLocked(ctx, fetched, now)
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	e.notify(ctx, listeners, escalated)

	e.Logger().Debug().
		Int("devices", len(fetched)).
		Msg("Risk assessment completed")

	e.metrics.ObserveCycle(e.Name(), time.Since(start))
	e.RecordRun(now, lastErr)
}

// assessLocked scores each device and records its trend point. It returns
// the assessments that moved into an elevated band. Caller holds the write lock.
func (e *Engine) assessLocked(ctx context.Context, batch map[string]features.DeviceMetrics, now time.Time) []Assessment {
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	// sorted so jitter draws are reproducible for a seeded source
	sort.Strings(ids)

	var escalated []Assessment
	for _, id := range ids {
		a := e.assess(id, batch[id], now)

		prev, existed := e.assessments[id]
		e.assessments[id] = a
		e.metrics.ObserveAssessment(id, a.OverallScore)

		if a.Level.Elevated() && (!existed || a.Level.rank() > prev.Level.rank()) {
			escalated = append(escalated, a.clone())
		}
	}
	return escalated
}

// assess computes one assessment. Predictions use the history prior to now;
// the returned snapshot includes the new trend point.
func (e *Engine) assess(deviceID string, m features.DeviceMetrics, now time.Time) Assessment {
	factors := computeFactors(m, e.weights)
	score := OverallScore(factors)
	level := LevelFor(score)
	history := e.trends[deviceID]
	predictions := predict(score, history, e.rng, e.cfg.Jitter)

	point := Trend{Timestamp: now, Score: score, Factors: contributingCategories(factors)}
	history = append([]Trend{point}, history...)
	if len(history) > e.cfg.TrendCap {
		history = history[:e.cfg.TrendCap]
	}
	e.trends[deviceID] = history

	return Assessment{
		DeviceID:        deviceID,
		OverallScore:    score,
		Level:           level,
		Factors:         factors,
		Trends:          cloneTrends(history),
		Predictions:     predictions,
		Recommendations: recommendations(factors, level),
		LastUpdated:     now,
	}
}

func (e *Engine) notify(ctx context.Context, listeners []Listener, escalated []Assessment) {
	for _, a := range escalated {
		e.Logger().Warn().
			Str("device_id", a.DeviceID).
			Float64("score", a.OverallScore).
			Str("risk_level", string(a.Level)).
			Msg("Device risk escalated")
		for _, l := range listeners {
			l(ctx, a)
		}
	}
}

func (e *Engine) report(ctx context.Context, err error, deviceID string) {
	e.metrics.ObserveCycleError(e.Name())

	var ae *apperrors.AnalyticsError
	if !errors.As(err, &ae) {
		ae = apperrors.NewSourceError(e.Name(), "device_metrics", err)
	}
	if deviceID != "" {
		if ae.Details == nil {
			ae.Details = map[string]interface{}{}
		}
		ae.Details["device_id"] = deviceID
	}
	if e.errHandler != nil {
		_ = e.errHandler.HandleError(ctx, ae)
		return
	}
	e.Logger().Warn().Err(err).Str("device_id", deviceID).Msg("Risk assessment error")
}

// RiskAssessment returns the latest assessment of a device.
func (e *Engine) RiskAssessment(deviceID string) (Assessment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.assessments[deviceID]
	if !ok {
		return Assessment{}, apperrors.NewNotFoundError(e.Name(), "risk assessment", deviceID)
	}
	return a.clone(), nil
}

// AllRiskAssessments returns every assessment sorted by device id.
func (e *Engine) AllRiskAssessments() []Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Assessment, 0, len(e.assessments))
	for _, a := range e.assessments {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// HighRiskDevices returns high and critical assessments, highest score first.
func (e *Engine) HighRiskDevices() []Assessment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Assessment, 0)
	for _, a := range e.assessments {
		if a.Level.Elevated() {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OverallScore != out[j].OverallScore {
			return out[i].OverallScore > out[j].OverallScore
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Trends returns a device's score history, newest first.
func (e *Engine) Trends(deviceID string) []Trend {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneTrends(e.trends[deviceID])
}

// Weights returns a copy of the current factor weights.
func (e *Engine) Weights() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyWeights(e.weights)
}

// UpdateRiskFactorWeight sets one factor's weight, rescales the others so
// the total stays 1 and re-assesses every known device immediately.
func (e *Engine) UpdateRiskFactorWeight(ctx context.Context, factorID string, weight float64) error {
	if !isFactor(factorID) {
		return apperrors.NewNotFoundError(e.Name(), "risk factor", factorID)
	}
	if weight < 0 || weight > 1 {
		return apperrors.NewConfigError(e.Name(), "weight must be within [0,1]",
			map[string]interface{}{"factor": factorID, "weight": weight})
	}

	return e.replaceWeights(ctx, func(current map[string]float64) map[string]float64 {
		return reweight(current, factorID, weight)
	})
}

// SetRiskFactorWeights replaces all weights and re-assesses every known
// device immediately. The weights must sum to 1.
func (e *Engine) SetRiskFactorWeights(ctx context.Context, weights map[string]float64) error {
	return e.replaceWeights(ctx, func(map[string]float64) map[string]float64 {
		return copyWeights(weights)
	})
}

func (e *Engine) replaceWeights(ctx context.Context, next func(current map[string]float64) map[string]float64) error {
	e.mu.Lock()
	weights := next(e.weights)
	if err := ValidateWeights(weights); err != nil {
		e.mu.Unlock()
		return err
	}
	e.weights = weights
	escalated := e.assessLocked(ctx, e.lastMetrics, e.clock())
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	e.Logger().Info().
		Interface("weights", weights).
		Msg("Risk factor weights updated")

	e.notify(ctx, listeners, escalated)
	return nil
}

// Stats returns risk engine statistics
func (e *Engine) Stats() map[string]interface{} {
	stats := e.BaseStats()

	e.mu.RLock()
	defer e.mu.RUnlock()

	byLevel := make(map[string]int)
	for _, a := range e.assessments {
		byLevel[string(a.Level)]++
	}
	stats["devices_assessed"] = len(e.assessments)
	stats["assessments_by_level"] = byLevel
	stats["high_risk_devices"] = byLevel[string(LevelHigh)] + byLevel[string(LevelCritical)]
	stats["weights"] = copyWeights(e.weights)
	return stats
}
