package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/lucid-vigil/threatcore/pkg/anomaly"
	"github.com/lucid-vigil/threatcore/pkg/correlation"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/features"
	"github.com/lucid-vigil/threatcore/pkg/risk"
)

// Task names known to the application.
const (
	TaskAnomalyDetector   = "anomaly_detector"
	TaskEventSimulator    = "event_simulator"
	TaskCorrelationEngine = "correlation_engine"
	TaskRiskEngine        = "risk_engine"
)

// Simulation sources.
const (
	SourceSynthetic = "synthetic"
	SourceHost      = "host"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	LogFormat   string            `mapstructure:"log_format"`
	APIPort     string            `mapstructure:"api_port"`
	Tasks       []TaskConfig      `mapstructure:"tasks"`
	EventBus    EventBusConfig    `mapstructure:"event_bus"`
	Anomaly     anomaly.Config    `mapstructure:"anomaly"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Simulation  SimulationConfig  `mapstructure:"simulation"`
	Actions     ActionsConfig     `mapstructure:"actions"`
}

// TaskConfig defines the schedule of one periodic task.
type TaskConfig struct {
	Name     string `mapstructure:"name"`
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// EventBusConfig bounds the event bus and its ingest checks.
type EventBusConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	DedupCapacity    int           `mapstructure:"dedup_capacity"`
	MaxMetadataBytes int           `mapstructure:"max_metadata_bytes"`
	RatePerMinute    int           `mapstructure:"rate_per_minute"`
}

// CorrelationConfig holds the engine caps and the rule set. Rules from
// RulesPath replace the built-in rules; inline Rules are appended.
type CorrelationConfig struct {
	correlation.Config `mapstructure:",squash"`
	RulesPath          string             `mapstructure:"rules_path"`
	Rules              []correlation.Rule `mapstructure:"rules"`
}

// RiskConfig holds the engine settings and the tracked fleet. Devices with
// entries in Metrics are served those fixed values instead of synthetic ones.
type RiskConfig struct {
	risk.Config `mapstructure:",squash"`
	Devices     []string                          `mapstructure:"devices"`
	Metrics     map[string]features.DeviceMetrics `mapstructure:"metrics"`
}

// SimulationConfig selects where feature samples come from.
type SimulationConfig struct {
	Seed   int64  `mapstructure:"seed"`
	Source string `mapstructure:"source"`
}

// ActionsConfig holds the configuration for actions run on new findings.
type ActionsConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	NATS    NATSConfig `mapstructure:"nats"`
}

// NATSConfig locates the broker findings are published to. An empty URL
// disables publishing.
type NATSConfig struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoadConfig reads the configuration from a YAML file and environment
// variables. An empty path searches for config.yaml in the current
// directory and /etc/threatcore/.
func LoadConfig(path string) (*Config, error) {
	return decode(newViper(path))
}

// Watch loads the configuration like LoadConfig and then calls onChange
// with the re-read configuration whenever the file changes. Without a
// config file nothing is watched.
func Watch(path string, onChange func(cfg *Config, err error)) (*Config, error) {
	v := newViper(path)
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		next, err := decode(v)
		onChange(next, err)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/threatcore/")
	}

	setDefaults(v)

	v.SetEnvPrefix("THREATCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_port", "8080")
	v.SetDefault("tasks", []map[string]interface{}{
		{"name": TaskAnomalyDetector, "enabled": true, "interval": "5s"},
		{"name": TaskEventSimulator, "enabled": true, "interval": "10s"},
		{"name": TaskCorrelationEngine, "enabled": true, "interval": "30s"},
		{"name": TaskRiskEngine, "enabled": true, "interval": "5m"},
	})

	v.SetDefault("event_bus.buffer_size", 1000)
	v.SetDefault("event_bus.dedup_window", "5m")
	v.SetDefault("event_bus.dedup_capacity", 10000)
	v.SetDefault("event_bus.max_metadata_bytes", 10240)
	v.SetDefault("event_bus.rate_per_minute", 600)

	ad := anomaly.DefaultConfig()
	v.SetDefault("anomaly.min_samples", ad.MinSamples)
	v.SetDefault("anomaly.window_size", ad.WindowSize)
	v.SetDefault("anomaly.threshold", ad.Threshold)
	v.SetDefault("anomaly.admission_rate", ad.AdmissionRate)
	v.SetDefault("anomaly.max_records", ad.MaxRecords)

	v.SetDefault("correlation.max_events", correlation.DefaultMaxEvents)
	v.SetDefault("correlation.max_correlations", correlation.DefaultMaxCorrelations)
	v.SetDefault("correlation.rules_path", "")

	rd := risk.DefaultConfig()
	v.SetDefault("risk.weights", rd.Weights)
	v.SetDefault("risk.trend_cap", rd.TrendCap)
	v.SetDefault("risk.jitter", rd.Jitter)
	v.SetDefault("risk.devices", features.DefaultDevices)

	v.SetDefault("simulation.seed", 0)
	v.SetDefault("simulation.source", SourceSynthetic)

	v.SetDefault("actions.enabled", false)
	v.SetDefault("actions.nats.url", "")
	v.SetDefault("actions.nats.subject", "threatcore.findings")
	v.SetDefault("actions.nats.timeout", "2s")
}

func decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// GetTaskConfig returns the schedule of the named task, or nil.
func (c *Config) GetTaskConfig(name string) *TaskConfig {
	for i := range c.Tasks {
		if c.Tasks[i].Name == name {
			return &c.Tasks[i]
		}
	}
	return nil
}

// Validate rejects configurations the engines would refuse, so errors
// surface at startup rather than mid-cycle.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.APIPort); err != nil || port < 0 || port > 65535 {
		return invalid(fmt.Sprintf("invalid api_port %q", c.APIPort))
	}
	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "console" {
		return invalid(fmt.Sprintf("invalid log_format %q", c.LogFormat))
	}

	seen := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if _, dup := seen[t.Name]; dup {
			return invalid(fmt.Sprintf("task %q configured twice", t.Name))
		}
		seen[t.Name] = struct{}{}
		if !t.Enabled {
			continue
		}
		d, err := time.ParseDuration(t.Interval)
		if err != nil || d <= 0 {
			return invalid(fmt.Sprintf("invalid interval %q for task %q", t.Interval, t.Name))
		}
	}

	if c.EventBus.BufferSize <= 0 {
		return invalid("event_bus.buffer_size must be positive")
	}
	if err := c.Anomaly.Validate(); err != nil {
		return err
	}

	ids := make(map[string]struct{}, len(c.Correlation.Rules))
	for _, r := range c.Correlation.Rules {
		if err := correlation.Validate(r); err != nil {
			return err
		}
		if _, dup := ids[r.ID]; dup {
			return invalid(fmt.Sprintf("duplicate correlation rule %q", r.ID))
		}
		ids[r.ID] = struct{}{}
	}
	if c.Correlation.RulesPath != "" {
		if _, err := correlation.LoadRules(c.Correlation.RulesPath); err != nil {
			return err
		}
	}

	if err := c.Risk.Config.Validate(); err != nil {
		return err
	}

	switch c.Simulation.Source {
	case SourceSynthetic, SourceHost:
	default:
		return invalid(fmt.Sprintf("unknown simulation source %q", c.Simulation.Source))
	}

	if c.Actions.Enabled && c.Actions.NATS.URL != "" && c.Actions.NATS.Subject == "" {
		return invalid("actions.nats.subject is required when a NATS url is set")
	}
	return nil
}

func invalid(msg string) error {
	return apperrors.NewConfigError("config", msg, nil)
}
