package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/actions"
	"github.com/lucid-vigil/threatcore/pkg/actions/log_finding"
	"github.com/lucid-vigil/threatcore/pkg/actions/publish_finding"
	"github.com/lucid-vigil/threatcore/pkg/anomaly"
	"github.com/lucid-vigil/threatcore/pkg/api"
	"github.com/lucid-vigil/threatcore/pkg/config"
	"github.com/lucid-vigil/threatcore/pkg/correlation"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/features"
	"github.com/lucid-vigil/threatcore/pkg/logger"
	"github.com/lucid-vigil/threatcore/pkg/metrics"
	"github.com/lucid-vigil/threatcore/pkg/risk"
	"github.com/lucid-vigil/threatcore/pkg/scheduler"
)

// App owns every engine and the plumbing between them.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	seed   int64

	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Errors      *apperrors.ErrorHandler
	Bus         *events.EventBus
	Detector    *anomaly.Detector
	Simulator   *features.EventSimulator
	Correlation *correlation.Engine
	Risk        *risk.Engine
	Dispatcher  *actions.ActionDispatcher
	Scheduler   *scheduler.Scheduler
	API         *api.Server

	natsConn *nats.Conn
	findings atomic.Int64
}

// New builds the application from a validated configuration. A zero
// simulation seed draws one from the clock.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   log.With().Str("component", "app").Logger(),
		seed:     cfg.Simulation.Seed,
		Registry: prometheus.NewRegistry(),
	}
	if a.seed == 0 {
		a.seed = time.Now().UnixNano()
	}
	rng := features.NewRand(a.seed)

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.Registry)
	a.Errors = apperrors.NewErrorHandler(log.With().Str("component", "error_handler").Logger(), apperrors.NewStatsCollector())

	a.Bus = events.NewEventBus(log, cfg.EventBus.BufferSize)
	a.Bus.SetValidator(events.NewEventValidator(cfg.EventBus.MaxMetadataBytes, cfg.EventBus.RatePerMinute))
	a.Bus.SetDeduplicator(events.NewEventDeduplicator(cfg.EventBus.DedupWindow, cfg.EventBus.DedupCapacity))
	a.Bus.SetMetrics(a.Metrics)

	var samples features.Source = features.NewSyntheticSource(rng)
	if cfg.Simulation.Source == config.SourceHost {
		samples = features.NewHostSource()
	}
	detector, err := anomaly.NewDetector(log, cfg.Anomaly, samples, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly detector: %w", err)
	}
	detector.SetErrorHandler(a.Errors)
	detector.SetMetrics(a.Metrics)
	a.Detector = detector

	a.Simulator = features.NewEventSimulator(log, rng, a.Bus, features.NewThreatIntel())

	rules, err := BuildRules(cfg.Correlation)
	if err != nil {
		return nil, err
	}
	ce, err := correlation.NewEngine(log, cfg.Correlation.Config, rules)
	if err != nil {
		return nil, fmt.Errorf("failed to create correlation engine: %w", err)
	}
	ce.SetMetrics(a.Metrics)
	a.Bus.Subscribe(ce)
	a.Correlation = ce

	re, err := risk.NewEngine(log, cfg.Risk.Config, deviceMetrics(cfg.Risk, rng), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk engine: %w", err)
	}
	re.SetErrorHandler(a.Errors)
	re.SetMetrics(a.Metrics)
	a.Risk = re

	if err := a.setupActions(log); err != nil {
		return nil, err
	}
	ce.OnCorrelation(func(ctx context.Context, c correlation.Correlation) {
		a.dispatch(ctx, actions.CorrelationData(c))
	})
	re.OnEscalation(func(ctx context.Context, as risk.Assessment) {
		a.dispatch(ctx, actions.AssessmentData(as))
	})

	a.Scheduler = scheduler.NewScheduler(cfg, log)
	a.Scheduler.RegisterTask(a.Detector)
	a.Scheduler.RegisterTask(a.Simulator)
	a.Scheduler.RegisterTask(a.Correlation)
	a.Scheduler.RegisterTask(a.Risk)

	a.API = api.NewServer(log, api.Services{
		Anomalies:    a.Detector,
		Correlations: a.Correlation,
		Risk:         a.Risk,
		Stats:        []api.StatsProvider{a.Detector, a.Simulator, a.Correlation, a.Risk},
		Gatherer:     a.Registry,
	})
	return a, nil
}

func (a *App) setupActions(log zerolog.Logger) error {
	a.Dispatcher = actions.NewActionDispatcher(log, a.cfg.Actions.Enabled)
	a.Dispatcher.RegisterAction(log_finding.New(log))

	natsCfg := a.cfg.Actions.NATS
	if !a.cfg.Actions.Enabled || natsCfg.URL == "" {
		return nil
	}
	conn, err := publish_finding.Connect(natsCfg.URL, natsCfg.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", natsCfg.URL, err)
	}
	a.natsConn = conn
	a.Dispatcher.RegisterAction(publish_finding.New(conn, natsCfg.Subject))
	a.logger.Info().Str("url", natsCfg.URL).Str("subject", natsCfg.Subject).Msg("Publishing findings to NATS")
	return nil
}

func (a *App) dispatch(ctx context.Context, data map[string]interface{}) {
	a.findings.Add(1)
	if failed := a.Dispatcher.ExecuteAll(ctx, data); failed > 0 {
		a.logger.Warn().Int("failed", failed).Interface("kind", data["kind"]).Msg("Some finding actions failed")
	}
}

// BuildRules assembles the correlation rule set: the built-in rules, or
// the rules file when one is configured, followed by the inline rules.
func BuildRules(cfg config.CorrelationConfig) ([]correlation.Rule, error) {
	rules := correlation.DefaultRules()
	if cfg.RulesPath != "" {
		loaded, err := correlation.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return append(rules, cfg.Rules...), nil
}

// deviceMetrics serves synthetic metrics for the configured fleet, with
// configured fixed metrics taking precedence.
func deviceMetrics(cfg config.RiskConfig, rng features.Rand) features.MetricsSource {
	synthetic := features.NewSyntheticMetrics(rng, cfg.Devices)
	if len(cfg.Metrics) == 0 {
		return synthetic
	}
	return &layeredMetrics{
		fixed:    features.NewStaticMetrics(cfg.Metrics),
		fallback: synthetic,
	}
}

// layeredMetrics looks devices up case-insensitively in fixed before
// falling back. Config keys arrive lowercased.
type layeredMetrics struct {
	fixed    *features.StaticMetrics
	fallback features.MetricsSource
}

func (l *layeredMetrics) Devices(ctx context.Context) ([]string, error) {
	return l.fallback.Devices(ctx)
}

func (l *layeredMetrics) Metrics(ctx context.Context, deviceID string) (features.DeviceMetrics, error) {
	m, err := l.fixed.Metrics(ctx, strings.ToLower(deviceID))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return features.DeviceMetrics{}, err
	}
	return l.fallback.Metrics(ctx, deviceID)
}

// Seed returns the seed the random sources were created with.
func (a *App) Seed() int64 { return a.seed }

// Run starts the bus, the scheduler and the API and blocks until ctx is
// cancelled or the API server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Bus.Start(ctx)
	a.Scheduler.Start(ctx)

	apiErr := make(chan error, 1)
	go func() { apiErr <- a.API.ListenAndServe(ctx, a.cfg.APIPort) }()

	var err error
	select {
	case err = <-apiErr:
		cancel()
	case <-ctx.Done():
		err = <-apiErr
	}

	a.Scheduler.Wait()
	a.Bus.Stop()
	a.Close()
	return err
}

// Close releases external connections.
func (a *App) Close() {
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
		a.natsConn = nil
	}
}

// ApplyConfig hot-applies the parts of next that can change at runtime:
// log level, risk weights, correlation rules and the actions switch.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	zerolog.SetGlobalLevel(logger.ParseLevel(next.LogLevel))

	if next.Risk.Weights != nil && !sameWeights(a.Risk.Weights(), next.Risk.Weights) {
		if err := a.Risk.SetRiskFactorWeights(ctx, next.Risk.Weights); err != nil {
			return err
		}
		a.logger.Info().Interface("weights", next.Risk.Weights).Msg("Risk factor weights reloaded")
	}

	rules, err := BuildRules(next.Correlation)
	if err != nil {
		return err
	}
	if err := a.Correlation.ReplaceRules(rules); err != nil {
		return err
	}
	a.Dispatcher.SetEnabled(next.Actions.Enabled)

	a.logger.Info().Int("rules", len(rules)).Msg("Configuration reloaded")
	return nil
}

func sameWeights(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Summary reports the outcome of a simulation run.
type Summary struct {
	Seed            int64              `json:"seed"`
	Cycles          int                `json:"cycles"`
	EventsPublished int64              `json:"events_published"`
	EventsDropped   int64              `json:"events_dropped"`
	Anomalies       int                `json:"anomalies"`
	Correlations    int                `json:"correlations"`
	Findings        int64              `json:"findings"`
	RiskScores      map[string]float64 `json:"risk_scores"`
	HighRiskDevices []string           `json:"high_risk_devices"`
	Errors          int                `json:"errors"`
}

// RunCycles drives every engine n times on the calling goroutine, with
// simulated time advancing by step from start. The bus must not be started.
func (a *App) RunCycles(ctx context.Context, n int, start time.Time, step time.Duration) Summary {
	now := start
	clock := func() time.Time { return now }
	a.Bus.SetClock(clock)
	a.Risk.SetClock(clock)

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		now = start.Add(time.Duration(i) * step)
		a.Detector.Tick(ctx, now)
		a.Simulator.Tick(ctx, now)
		a.Bus.Flush(ctx)
		a.Correlation.Tick(ctx, now)
		a.Risk.Tick(ctx, now)
	}
	return a.Summarize(n)
}

// Summarize collects the current state of the engines.
func (a *App) Summarize(cycles int) Summary {
	bus := a.Bus.GetMetrics()
	s := Summary{
		Seed:            a.seed,
		Cycles:          cycles,
		EventsPublished: bus.EventsPublished,
		EventsDropped:   bus.EventsRejected + bus.EventsDuplicate + bus.EventsDropped,
		Anomalies:       len(a.Detector.Anomalies(anomaly.Filter{})),
		Correlations:    len(a.Correlation.Correlations()),
		Findings:        a.findings.Load(),
		RiskScores:      make(map[string]float64),
		HighRiskDevices: []string{},
		Errors:          a.Errors.Stats().TotalErrors,
	}
	for _, as := range a.Risk.AllRiskAssessments() {
		s.RiskScores[as.DeviceID] = as.OverallScore
	}
	for _, as := range a.Risk.HighRiskDevices() {
		s.HighRiskDevices = append(s.HighRiskDevices, as.DeviceID)
	}
	sort.Strings(s.HighRiskDevices)
	return s
}
