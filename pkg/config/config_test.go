package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/threatcore/pkg/correlation"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/risk"
)

const testConfigContent = `
log_level: debug
api_port: "9090"
tasks:
  - name: anomaly_detector
    enabled: true
    interval: 2s
  - name: risk_engine
    enabled: false
    interval: 1m
anomaly:
  admission_rate: 0.5
correlation:
  max_correlations: 20
  rules:
    - id: dns_tunnel
      name: DNS Tunnel
      time_window_seconds: 120
      threshold: 10
      severity: high
      enabled: true
      conditions:
        - field: metadata.protocol
          operator: equals
          value: DNS
risk:
  jitter: 0
  devices: [WS-HR-01, SRV-WEB-01]
  metrics:
    SRV-WEB-01:
      vulnerability_count: 12
      patch_level: 64.5
simulation:
  seed: 42
actions:
  enabled: true
  nats:
    url: nats://127.0.0.1:4222
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfigContent))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "9090", cfg.APIPort)
	require.Len(t, cfg.Tasks, 2)
	assert.Equal(t, "anomaly_detector", cfg.Tasks[0].Name)
	assert.True(t, cfg.Tasks[0].Enabled)
	assert.Equal(t, "2s", cfg.Tasks[0].Interval)
	assert.False(t, cfg.GetTaskConfig(TaskRiskEngine).Enabled)
	assert.Nil(t, cfg.GetTaskConfig(TaskEventSimulator))

	assert.Equal(t, 0.5, cfg.Anomaly.AdmissionRate)
	assert.Equal(t, 10, cfg.Anomaly.MinSamples)

	assert.Equal(t, 20, cfg.Correlation.MaxCorrelations)
	assert.Equal(t, correlation.DefaultMaxEvents, cfg.Correlation.MaxEvents)
	require.Len(t, cfg.Correlation.Rules, 1)
	rule := cfg.Correlation.Rules[0]
	assert.Equal(t, "dns_tunnel", rule.ID)
	assert.Equal(t, events.SeverityHigh, rule.Severity)
	assert.Equal(t, 120, rule.WindowSeconds)
	require.Len(t, rule.Conditions, 1)
	assert.Equal(t, correlation.OpEquals, rule.Conditions[0].Operator)

	assert.Equal(t, 0.0, cfg.Risk.Jitter)
	assert.Equal(t, risk.DefaultTrendCap, cfg.Risk.TrendCap)
	assert.InDelta(t, 0.25, cfg.Risk.Weights[risk.FactorCriticalVulnerabilities], 1e-12)
	assert.Equal(t, []string{"WS-HR-01", "SRV-WEB-01"}, cfg.Risk.Devices)
	require.Contains(t, cfg.Risk.Metrics, "srv-web-01")
	assert.Equal(t, 12, cfg.Risk.Metrics["srv-web-01"].VulnerabilityCount)

	assert.Equal(t, int64(42), cfg.Simulation.Seed)
	assert.Equal(t, SourceSynthetic, cfg.Simulation.Source)
	assert.True(t, cfg.Actions.Enabled)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Actions.NATS.URL)
	assert.Equal(t, "threatcore.findings", cfg.Actions.NATS.Subject)
	assert.Equal(t, 2*time.Second, cfg.Actions.NATS.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.EventBus.DedupWindow)
}

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("THREATCORE_API_PORT", "9091")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9091", cfg.APIPort)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.Tasks, 4)
	assert.Equal(t, "5m", cfg.GetTaskConfig(TaskRiskEngine).Interval)
	assert.Equal(t, 1000, cfg.EventBus.BufferSize)
	assert.Len(t, cfg.Risk.Devices, 10)
	assert.False(t, cfg.Actions.Enabled)
}

func TestLoadConfig_Malformed(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "tasks: [\n"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.APIPort = "http" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad interval", func(c *Config) { c.Tasks[0].Interval = "soon" }},
		{"zero interval", func(c *Config) { c.Tasks[0].Interval = "0s" }},
		{"duplicate task", func(c *Config) { c.Tasks = append(c.Tasks, c.Tasks[0]) }},
		{"empty bus", func(c *Config) { c.EventBus.BufferSize = 0 }},
		{"anomaly threshold", func(c *Config) { c.Anomaly.Threshold = 3 }},
		{"weights sum", func(c *Config) { c.Risk.Weights[risk.FactorUserRisk] = 0.5 }},
		{"bad rule", func(c *Config) {
			c.Correlation.Rules = []correlation.Rule{{ID: "x", Threshold: 1, WindowSeconds: 60, Severity: events.SeverityLow,
				Conditions: []correlation.ConditionSpec{{Field: "type", Operator: "regex", Value: ".*"}}}}
		}},
		{"missing rules file", func(c *Config) { c.Correlation.RulesPath = filepath.Join(os.TempDir(), "no-such-rules.yaml") }},
		{"bad source", func(c *Config) { c.Simulation.Source = "pcap" }},
		{"nats without subject", func(c *Config) {
			c.Actions.Enabled = true
			c.Actions.NATS.URL = "nats://localhost:4222"
			c.Actions.NATS.Subject = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := validConfig(t)
	cfg.APIPort = "http"
	assert.True(t, errors.Is(cfg.Validate(), apperrors.ErrInvalidConfiguration))
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "log_level: info\nrisk:\n  jitter: 0.1\n")

	var mu sync.Mutex
	var latest *Config
	cfg, err := Watch(path, func(next *Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		latest = next
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 0.1, cfg.Risk.Jitter)

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\nrisk:\n  jitter: 0.2\n"), 0644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Risk.Jitter == 0.2 && latest.LogLevel == "warn"
	}, 5*time.Second, 50*time.Millisecond)
}
