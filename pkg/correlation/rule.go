package correlation

import (
	"fmt"
	"time"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
)

// Operator names a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInRange     Operator = "in_range"
)

// ConditionSpec is the declarative form of a rule condition.
type ConditionSpec struct {
	Field    string      `json:"field" yaml:"field" mapstructure:"field"`
	Operator Operator    `json:"operator" yaml:"operator" mapstructure:"operator"`
	Value    interface{} `json:"value" yaml:"value" mapstructure:"value"`
}

// Rule groups events matching all of its conditions within a sliding window.
type Rule struct {
	ID              string          `json:"id" yaml:"id" mapstructure:"id"`
	Name            string          `json:"name" yaml:"name" mapstructure:"name"`
	Description     string          `json:"description,omitempty" yaml:"description" mapstructure:"description"`
	Conditions      []ConditionSpec `json:"conditions" yaml:"conditions" mapstructure:"conditions"`
	WindowSeconds   int             `json:"time_window_seconds" yaml:"time_window_seconds" mapstructure:"time_window_seconds"`
	Threshold       int             `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Severity        events.Severity `json:"severity" yaml:"severity" mapstructure:"severity"`
	Enabled         bool            `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Recommendations []string        `json:"recommendations,omitempty" yaml:"recommendations" mapstructure:"recommendations"`
}

// TimeWindow returns the rule's window as a duration.
func (r Rule) TimeWindow() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r Rule) clone() Rule {
	r.Conditions = cloneConditions(r.Conditions)
	r.Recommendations = append([]string(nil), r.Recommendations...)
	return r
}

func cloneConditions(in []ConditionSpec) []ConditionSpec {
	if in == nil {
		return nil
	}
	out := make([]ConditionSpec, len(in))
	for i, c := range in {
		out[i] = c
		if list, ok := c.Value.([]interface{}); ok {
			out[i].Value = append([]interface{}(nil), list...)
		}
	}
	return out
}

// RuleUpdate is a partial rule change. Nil fields are left untouched.
type RuleUpdate struct {
	Name            *string          `json:"name,omitempty"`
	Description     *string          `json:"description,omitempty"`
	Conditions      []ConditionSpec  `json:"conditions,omitempty"`
	WindowSeconds   *int             `json:"time_window_seconds,omitempty"`
	Threshold       *int             `json:"threshold,omitempty"`
	Severity        *events.Severity `json:"severity,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

func (u RuleUpdate) apply(r Rule) Rule {
	if u.Name != nil {
		r.Name = *u.Name
	}
	if u.Description != nil {
		r.Description = *u.Description
	}
	if u.Conditions != nil {
		r.Conditions = cloneConditions(u.Conditions)
	}
	if u.WindowSeconds != nil {
		r.WindowSeconds = *u.WindowSeconds
	}
	if u.Threshold != nil {
		r.Threshold = *u.Threshold
	}
	if u.Severity != nil {
		r.Severity = *u.Severity
	}
	if u.Enabled != nil {
		r.Enabled = *u.Enabled
	}
	if u.Recommendations != nil {
		r.Recommendations = append([]string(nil), u.Recommendations...)
	}
	return r
}

// compiledRule pairs a rule with its compiled conditions.
type compiledRule struct {
	rule       Rule
	conditions []condition
}

func (cr *compiledRule) matches(ev events.ThreatEvent) bool {
	for _, c := range cr.conditions {
		if !c.match(ev) {
			return false
		}
	}
	return true
}

// compile validates a rule and compiles its conditions.
func compile(r Rule) (*compiledRule, error) {
	if r.ID == "" {
		return nil, ruleError(r, "rule id is required", nil)
	}
	if r.Threshold < 1 {
		return nil, ruleError(r, "threshold must be at least 1", map[string]interface{}{"threshold": r.Threshold})
	}
	if r.WindowSeconds <= 0 {
		return nil, ruleError(r, "time window must be positive", map[string]interface{}{"time_window_seconds": r.WindowSeconds})
	}
	if !r.Severity.Valid() {
		return nil, ruleError(r, fmt.Sprintf("invalid severity %q", r.Severity), nil)
	}

	compiled := &compiledRule{rule: r.clone()}
	for i, cs := range r.Conditions {
		c, err := compileCondition(cs)
		if err != nil {
			return nil, ruleError(r, fmt.Sprintf("condition %d: %v", i, err), map[string]interface{}{
				"field":    cs.Field,
				"operator": string(cs.Operator),
			})
		}
		compiled.conditions = append(compiled.conditions, c)
	}
	return compiled, nil
}

// Validate reports whether r would be accepted by the engine.
func Validate(r Rule) error {
	_, err := compile(r)
	return err
}

func ruleError(r Rule, msg string, details map[string]interface{}) error {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["rule_id"] = r.ID
	return apperrors.NewConfigError("correlation_engine", msg, details)
}
