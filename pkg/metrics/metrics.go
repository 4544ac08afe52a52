package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatcore"

// Metrics holds the Prometheus collectors shared by the engines. All helper
// methods are safe to call on a nil *Metrics.
type Metrics struct {
	Predictions         *prometheus.CounterVec
	AnomaliesDetected   *prometheus.CounterVec
	AnomaliesSuppressed *prometheus.CounterVec
	EventsPublished     prometheus.Counter
	EventsDropped       *prometheus.CounterVec
	EventsIngested      prometheus.Counter
	CorrelationsCreated *prometheus.CounterVec
	CorrelationsSkipped *prometheus.CounterVec
	RiskAssessments     prometheus.Counter
	DeviceRiskScore     *prometheus.GaugeVec
	CycleDuration       *prometheus.HistogramVec
	CycleErrors         *prometheus.CounterVec
}

// NewMetrics registers every collector on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_predictions_total",
			Help:      "Feature vectors scored by the anomaly detector",
		}, []string{"category"}),
		AnomaliesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Anomaly records created",
		}, []string{"category", "severity"}),
		AnomaliesSuppressed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_suppressed_total",
			Help:      "Anomalous predictions rejected by the admission gate",
		}, []string{"category"}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_events_published_total",
			Help:      "Threat events accepted by the event bus",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_events_dropped_total",
			Help:      "Threat events rejected by the event bus",
		}, []string{"reason"}),
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_events_ingested_total",
			Help:      "Threat events buffered by the correlation engine",
		}),
		CorrelationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_created_total",
			Help:      "Threat correlations created",
		}, []string{"rule"}),
		CorrelationsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_deduplicated_total",
			Help:      "Candidate correlations skipped because an active correlation shares an event",
		}, []string{"rule"}),
		RiskAssessments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_assessments_total",
			Help:      "Device risk assessments computed",
		}),
		DeviceRiskScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_risk_score",
			Help:      "Latest overall risk score per device",
		}, []string{"device"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one engine evaluation cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"engine"}),
		CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Recoverable errors reported during engine cycles",
		}, []string{"engine"}),
	}
}

func (m *Metrics) ObservePrediction(category string) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(category).Inc()
}

func (m *Metrics) ObserveAnomaly(category, severity string) {
	if m == nil {
		return
	}
	m.AnomaliesDetected.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) ObserveSuppressed(category string) {
	if m == nil {
		return
	}
	m.AnomaliesSuppressed.WithLabelValues(category).Inc()
}

func (m *Metrics) ObservePublished() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

func (m *Metrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveIngested() {
	if m == nil {
		return
	}
	m.EventsIngested.Inc()
}

func (m *Metrics) ObserveCorrelation(ruleID string) {
	if m == nil {
		return
	}
	m.CorrelationsCreated.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ObserveCorrelationSkipped(ruleID string) {
	if m == nil {
		return
	}
	m.CorrelationsSkipped.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) ObserveAssessment(deviceID string, score float64) {
	if m == nil {
		return
	}
	m.RiskAssessments.Inc()
	m.DeviceRiskScore.WithLabelValues(deviceID).Set(score)
}

func (m *Metrics) ObserveCycle(engine string, took time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(engine).Observe(took.Seconds())
}

func (m *Metrics) ObserveCycleError(engine string) {
	if m == nil {
		return
	}
	m.CycleErrors.WithLabelValues(engine).Inc()
}
