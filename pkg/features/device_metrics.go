package features

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
)

// DeviceMetrics is the raw per-device input of the risk engine.
type DeviceMetrics struct {
	VulnerabilityCount int     `json:"vulnerability_count" yaml:"vulnerability_count" mapstructure:"vulnerability_count"`
	PatchLevel         float64 `json:"patch_level" yaml:"patch_level" mapstructure:"patch_level"`
	ThreatEvents       int     `json:"threat_events" yaml:"threat_events" mapstructure:"threat_events"`
	AnomalyCount       int     `json:"anomalies" yaml:"anomalies" mapstructure:"anomalies"`
	NetworkExposure    float64 `json:"network_exposure" yaml:"network_exposure" mapstructure:"network_exposure"`
	ConfigurationScore float64 `json:"configuration_score" yaml:"configuration_score" mapstructure:"configuration_score"`
	UserRisk           float64 `json:"user_risk" yaml:"user_risk" mapstructure:"user_risk"`
}

// MetricsSource supplies the tracked devices and their current metrics.
type MetricsSource interface {
	Devices(ctx context.Context) ([]string, error)
	Metrics(ctx context.Context, deviceID string) (DeviceMetrics, error)
}

// DefaultDevices is the reference fleet tracked by the synthetic source.
var DefaultDevices = []string{
	"WS-FINANCE-01",
	"WS-FINANCE-02",
	"WS-HR-01",
	"WS-IT-01",
	"WS-MARKETING-01",
	"SRV-DATABASE-01",
	"SRV-WEB-01",
	"SRV-EMAIL-01",
	"WS-EXEC-01",
	"WS-GUEST-01",
}

// SyntheticMetrics draws device metrics whose ranges depend on the device
// class encoded in its id (servers, executive and guest workstations).
type SyntheticMetrics struct {
	rng     Rand
	devices []string
}

// NewSyntheticMetrics creates a metrics simulator. An empty device list
// falls back to DefaultDevices.
func NewSyntheticMetrics(rng Rand, devices []string) *SyntheticMetrics {
	if len(devices) == 0 {
		devices = DefaultDevices
	}
	return &SyntheticMetrics{
		rng:     rng,
		devices: append([]string(nil), devices...),
	}
}

func (s *SyntheticMetrics) Devices(ctx context.Context) ([]string, error) {
	return append([]string(nil), s.devices...), nil
}

func (s *SyntheticMetrics) Metrics(ctx context.Context, deviceID string) (DeviceMetrics, error) {
	server := strings.HasPrefix(deviceID, "SRV")
	exec := strings.Contains(deviceID, "EXEC")
	guest := strings.Contains(deviceID, "GUEST")

	vulnSpan, threatSpan, exposureSpan := 10.0, 20.0, 50.0
	if server {
		vulnSpan, threatSpan, exposureSpan = 20, 50, 100
	}
	userSpan := 40.0
	switch {
	case exec:
		userSpan = 80
	case guest:
		userSpan = 60
	}

	m := DeviceMetrics{
		VulnerabilityCount: int(math.Floor(s.rng.Float64() * vulnSpan)),
		PatchLevel:         s.rng.Float64() * 100,
		ThreatEvents:       int(math.Floor(s.rng.Float64() * threatSpan)),
		AnomalyCount:       int(math.Floor(s.rng.Float64() * 10)),
		NetworkExposure:    s.rng.Float64() * exposureSpan,
		ConfigurationScore: s.rng.Float64() * 100,
		UserRisk:           s.rng.Float64() * userSpan,
	}
	if guest {
		m.VulnerabilityCount += 5
	}
	if exec {
		m.AnomalyCount += 3
	}
	return m, nil
}

// StaticMetrics serves fixed, caller-provided metrics.
type StaticMetrics struct {
	mu      sync.RWMutex
	metrics map[string]DeviceMetrics
}

// NewStaticMetrics creates a source over a copy of metrics
func NewStaticMetrics(metrics map[string]DeviceMetrics) *StaticMetrics {
	s := &StaticMetrics{metrics: make(map[string]DeviceMetrics, len(metrics))}
	for id, m := range metrics {
		s.metrics[id] = m
	}
	return s
}

// Set replaces the metrics of one device, adding it if needed.
func (s *StaticMetrics) Set(deviceID string, m DeviceMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[deviceID] = m
}

func (s *StaticMetrics) Devices(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.metrics))
	for id := range s.metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *StaticMetrics) Metrics(ctx context.Context, deviceID string) (DeviceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[deviceID]
	if !ok {
		return DeviceMetrics{}, apperrors.NewNotFoundError("static_metrics", "device", deviceID)
	}
	return m, nil
}
