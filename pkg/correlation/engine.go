package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/base"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/metrics"
)

const (
	DefaultMaxEvents       = 1000
	DefaultMaxCorrelations = 50

	// events closer together than this form a temporal correlation
	temporalSpan = time.Minute
)

// Type classifies how the events of a correlation relate.
type Type string

const (
	TypeTemporal   Type = "temporal"
	TypeSpatial    Type = "spatial"
	TypeCausal     Type = "causal"
	TypeBehavioral Type = "behavioral"
)

// Status is the triage state of a correlation.
type Status string

const (
	StatusActive        Status = "active"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

var allowedTransitions = map[Status][]Status{
	StatusActive:        {StatusInvestigating, StatusResolved, StatusFalsePositive},
	StatusInvestigating: {StatusResolved, StatusFalsePositive},
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusInvestigating, StatusResolved, StatusFalsePositive:
		return st, nil
	default:
		return "", fmt.Errorf("invalid correlation status %q", s)
	}
}

// Correlation is a finding built from events that satisfied one rule.
type Correlation struct {
	ID              string               `json:"id"`
	RuleID          string               `json:"rule_id"`
	RuleName        string               `json:"rule_name"`
	Events          []events.ThreatEvent `json:"events"`
	Type            Type                 `json:"correlation_type"`
	Severity        events.Severity      `json:"severity"`
	Confidence      float64              `json:"confidence"`
	RiskScore       float64              `json:"risk_score"`
	Description     string               `json:"description"`
	Recommendations []string             `json:"recommendations"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Status          Status               `json:"status"`
}

func (c Correlation) clone() Correlation {
	evs := make([]events.ThreatEvent, len(c.Events))
	for i, ev := range c.Events {
		evs[i] = ev.Clone()
	}
	c.Events = evs
	c.Recommendations = append([]string(nil), c.Recommendations...)
	return c
}

// DeviceIDs returns the distinct devices involved, in event order.
func (c Correlation) DeviceIDs() []string {
	return uniqueDevices(c.Events)
}

// Listener is notified after a cycle for each correlation it created.
type Listener func(ctx context.Context, c Correlation)

// Config bounds the engine's stores.
type Config struct {
	MaxEvents       int `mapstructure:"max_events"`
	MaxCorrelations int `mapstructure:"max_correlations"`
}

// Engine buffers threat events and periodically evaluates the rule set
// over sliding windows.
type Engine struct {
	*base.BaseTask
	cfg     Config
	metrics *metrics.Metrics

	mu           sync.RWMutex
	events       []events.ThreatEvent
	rules        []*compiledRule
	correlations []Correlation
	listeners    []Listener
	ingested     int64
	created      int64
	skipped      int64
}

// NewEngine creates an engine loaded with rules. Every rule must compile.
func NewEngine(logger zerolog.Logger, cfg Config, rules []Rule) (*Engine, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.MaxCorrelations <= 0 {
		cfg.MaxCorrelations = DefaultMaxCorrelations
	}

	e := &Engine{
		BaseTask: base.NewBaseTask("correlation_engine", logger),
		cfg:      cfg,
	}
	for _, r := range rules {
		if err := e.AddRule(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// SetMetrics attaches Prometheus collectors.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// OnCorrelation registers a listener for newly created correlations.
func (e *Engine) OnCorrelation(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Handle implements events.EventHandler.
func (e *Engine) Handle(ctx context.Context, ev events.ThreatEvent) error {
	return e.Ingest(ctx, ev)
}

// Categories subscribes the engine to every event type.
func (e *Engine) Categories() []events.Category {
	return nil
}

// Ingest adds an event at the head of the buffer, evicting the oldest when full.
func (e *Engine) Ingest(ctx context.Context, ev events.ThreatEvent) error {
	if ev.ID == "" {
		return apperrors.NewMalformedSampleError(e.Name(), "event id is required", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.events = append(e.events, events.ThreatEvent{})
	copy(e.events[1:], e.events)
	e.events[0] = ev.Clone()
	if len(e.events) > e.cfg.MaxEvents {
		e.events = e.events[:e.cfg.MaxEvents]
	}
	e.ingested++
	e.metrics.ObserveIngested()
	return nil
}

// Tick runs one evaluation cycle over every enabled rule at now.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	start := time.Now()

	e.mu.Lock()
	var created []Correlation
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}
		if c, ok := e.evaluate(cr, now); ok {
			created = append(created, c.clone())
		}
	}
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	for _, c := range created {
		for _, l := range listeners {
			l(ctx, c)
		}
	}

	e.metrics.ObserveCycle(e.Name(), time.Since(start))
	e.RecordRun(now, nil)
}

// evaluate checks one rule and stores a new correlation when it fires.
// Caller holds the write lock.
func (e *Engine) evaluate(cr *compiledRule, now time.Time) (Correlation, bool) {
	windowStart := now.Add(-cr.rule.TimeWindow())

	var matching []events.ThreatEvent
	for _, ev := range e.events {
		if ev.Timestamp.Before(windowStart) {
			continue
		}
		if cr.matches(ev) {
			matching = append(matching, ev)
		}
	}

	if len(matching) < cr.rule.Threshold {
		return Correlation{}, false
	}

	if e.overlapsActive(matching) {
		e.skipped++
		e.metrics.ObserveCorrelationSkipped(cr.rule.ID)
		return Correlation{}, false
	}

	c := buildCorrelation(cr.rule, matching, now)
	e.correlations = append([]Correlation{c}, e.correlations...)
	if len(e.correlations) > e.cfg.MaxCorrelations {
		e.correlations = e.correlations[:e.cfg.MaxCorrelations]
	}
	e.created++
	e.metrics.ObserveCorrelation(cr.rule.ID)

	e.Logger().Warn().
		Str("correlation_id", c.ID).
		Str("rule_id", cr.rule.ID).
		Str("correlation_type", string(c.Type)).
		Int("events", len(c.Events)).
		Float64("risk_score", c.RiskScore).
		Msg("Correlation rule triggered")

	return c, true
}

func (e *Engine) overlapsActive(candidate []events.ThreatEvent) bool {
	ids := make(map[string]struct{}, len(candidate))
	for _, ev := range candidate {
		ids[ev.ID] = struct{}{}
	}
	for _, c := range e.correlations {
		if c.Status != StatusActive {
			continue
		}
		for _, ev := range c.Events {
			if _, shared := ids[ev.ID]; shared {
				return true
			}
		}
	}
	return false
}

func buildCorrelation(rule Rule, evs []events.ThreatEvent, now time.Time) Correlation {
	stored := make([]events.ThreatEvent, len(evs))
	for i, ev := range evs {
		stored[i] = ev.Clone()
	}
	devices := uniqueDevices(stored)

	recommendations := make([]string, 0, len(genericRecommendations)+len(rule.Recommendations))
	recommendations = append(recommendations, genericRecommendations...)
	recommendations = append(recommendations, rule.Recommendations...)

	return Correlation{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		Events:     stored,
		Type:       classify(stored, len(devices)),
		Severity:   rule.Severity,
		Confidence: confidence(stored),
		RiskScore:  riskScore(stored, rule.Severity),
		Description: fmt.Sprintf("%s: %d related events detected across %d device(s). Primary threat type: %s.",
			rule.Name, len(stored), len(devices), stored[0].Category),
		Recommendations: recommendations,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          StatusActive,
	}
}

func uniqueDevices(evs []events.ThreatEvent) []string {
	seen := make(map[string]struct{}, len(evs))
	var out []string
	for _, ev := range evs {
		if _, ok := seen[ev.DeviceID]; ok {
			continue
		}
		seen[ev.DeviceID] = struct{}{}
		out = append(out, ev.DeviceID)
	}
	return out
}

func classify(evs []events.ThreatEvent, deviceCount int) Type {
	if deviceCount > 1 {
		return TypeSpatial
	}

	earliest, latest := evs[0].Timestamp, evs[0].Timestamp
	for _, ev := range evs[1:] {
		if ev.Timestamp.Before(earliest) {
			earliest = ev.Timestamp
		}
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
	}
	if latest.Sub(earliest) < temporalSpan {
		return TypeTemporal
	}

	for _, ev := range evs {
		if ev.Category == events.CategoryBehavioral {
			return TypeBehavioral
		}
	}
	return TypeCausal
}

func confidence(evs []events.ThreatEvent) float64 {
	var sum float64
	for _, ev := range evs {
		sum += ev.Confidence
	}
	n := float64(len(evs))
	bonus := n / 10
	if bonus > 0.3 {
		bonus = 0.3
	}
	c := sum/n + bonus
	if c > 1 {
		c = 1
	}
	return c
}

func riskScore(evs []events.ThreatEvent, ruleSeverity events.Severity) float64 {
	var total int
	for _, ev := range evs {
		total += ev.Severity.Weight()
	}
	score := float64(total*ruleSeverity.Weight()) / 10
	if score > 10 {
		score = 10
	}
	return score
}

// Correlations returns every stored correlation, newest first.
func (e *Engine) Correlations() []Correlation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Correlation, len(e.correlations))
	for i, c := range e.correlations {
		out[i] = c.clone()
	}
	return out
}

// ActiveCorrelations returns the correlations still in the active state.
func (e *Engine) ActiveCorrelations() []Correlation {
	return e.CorrelationsByStatus(StatusActive)
}

// CorrelationsByStatus returns the correlations in status, newest first.
func (e *Engine) CorrelationsByStatus(status Status) []Correlation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Correlation, 0)
	for _, c := range e.correlations {
		if c.Status == status {
			out = append(out, c.clone())
		}
	}
	return out
}

// Correlation returns one correlation by id.
func (e *Engine) Correlation(id string) (Correlation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, c := range e.correlations {
		if c.ID == id {
			return c.clone(), nil
		}
	}
	return Correlation{}, apperrors.NewNotFoundError(e.Name(), "correlation", id)
}

// UpdateCorrelationStatus moves a correlation along its triage workflow.
// Setting the current status again is a no-op.
func (e *Engine) UpdateCorrelationStatus(id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return apperrors.NewTransitionError(e.Name(), "", string(status))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.correlations {
		c := &e.correlations[i]
		if c.ID != id {
			continue
		}
		if c.Status == status {
			return nil
		}
		if !transitionAllowed(c.Status, status) {
			return apperrors.NewTransitionError(e.Name(), string(c.Status), string(status))
		}

		// replace rather than mutate so earlier copies stay consistent
		updated := *c
		updated.Status = status
		updated.UpdatedAt = time.Now()
		e.correlations[i] = updated

		e.Logger().Info().
			Str("correlation_id", id).
			Str("status", string(status)).
			Msg("Correlation status updated")
		return nil
	}
	return apperrors.NewNotFoundError(e.Name(), "correlation", id)
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Rules returns copies of the configured rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule.clone()
	}
	return out
}

// AddRule compiles and appends a rule. Rule ids are unique.
func (e *Engine) AddRule(rule Rule) error {
	cr, err := compile(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.rules {
		if existing.rule.ID == rule.ID {
			return apperrors.NewConfigError(e.Name(), fmt.Sprintf("rule %q already exists", rule.ID),
				map[string]interface{}{"rule_id": rule.ID})
		}
	}
	e.rules = append(e.rules, cr)

	e.Logger().Info().
		Str("rule_id", rule.ID).
		Str("rule_name", rule.Name).
		Msg("Correlation rule added")
	return nil
}

// UpdateRule applies a partial update. The result must still compile,
// otherwise the stored rule is left unchanged.
func (e *Engine) UpdateRule(id string, update RuleUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.rules {
		if existing.rule.ID != id {
			continue
		}
		cr, err := compile(update.apply(existing.rule.clone()))
		if err != nil {
			return err
		}
		e.rules[i] = cr

		e.Logger().Info().
			Str("rule_id", id).
			Msg("Correlation rule updated")
		return nil
	}
	return apperrors.NewNotFoundError(e.Name(), "rule", id)
}

// ReplaceRules swaps the whole rule set atomically. Nothing changes when
// any rule fails to compile.
func (e *Engine) ReplaceRules(rules []Rule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		cr, err := compile(r)
		if err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return apperrors.NewConfigError(e.Name(), fmt.Sprintf("duplicate rule id %q", r.ID), nil)
		}
		seen[r.ID] = struct{}{}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = compiled

	e.Logger().Info().Int("rules", len(compiled)).Msg("Correlation rules replaced")
	return nil
}

// RemoveRule removes a correlation rule by ID
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, cr := range e.rules {
		if cr.rule.ID == ruleID {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.Logger().Info().
				Str("rule_id", ruleID).
				Msg("Correlation rule removed")
			return true
		}
	}
	return false
}

// Events returns copies of the buffered events, newest first.
func (e *Engine) Events() []events.ThreatEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]events.ThreatEvent, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Clone()
	}
	return out
}

// Stats returns correlation engine statistics
func (e *Engine) Stats() map[string]interface{} {
	stats := e.BaseStats()

	e.mu.RLock()
	defer e.mu.RUnlock()

	byStatus := make(map[string]int)
	for _, c := range e.correlations {
		byStatus[string(c.Status)]++
	}
	enabled := 0
	for _, cr := range e.rules {
		if cr.rule.Enabled {
			enabled++
		}
	}

	stats["total_rules"] = len(e.rules)
	stats["enabled_rules"] = enabled
	stats["buffered_events"] = len(e.events)
	stats["events_ingested"] = e.ingested
	stats["correlations"] = len(e.correlations)
	stats["correlations_by_status"] = byStatus
	stats["correlations_created"] = e.created
	stats["correlations_deduplicated"] = e.skipped
	return stats
}
