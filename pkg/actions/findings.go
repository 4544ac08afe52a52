package actions

import (
	"github.com/lucid-vigil/threatcore/pkg/correlation"
	"github.com/lucid-vigil/threatcore/pkg/risk"
)

// Finding kinds carried in the "kind" field of action data.
const (
	KindCorrelation    = "correlation"
	KindRiskEscalation = "risk_escalation"
)

// CorrelationData describes a new correlation as action data.
func CorrelationData(c correlation.Correlation) map[string]interface{} {
	eventIDs := make([]string, len(c.Events))
	for i, ev := range c.Events {
		eventIDs[i] = ev.ID
	}
	return map[string]interface{}{
		"kind":             KindCorrelation,
		"id":               c.ID,
		"rule_id":          c.RuleID,
		"rule_name":        c.RuleName,
		"severity":         string(c.Severity),
		"correlation_type": string(c.Type),
		"confidence":       c.Confidence,
		"risk_score":       c.RiskScore,
		"description":      c.Description,
		"device_ids":       c.DeviceIDs(),
		"event_ids":        eventIDs,
		"recommendations":  append([]string(nil), c.Recommendations...),
		"timestamp":        c.CreatedAt,
	}
}

// AssessmentData describes a device escalation as action data.
func AssessmentData(a risk.Assessment) map[string]interface{} {
	return map[string]interface{}{
		"kind":            KindRiskEscalation,
		"device_id":       a.DeviceID,
		"severity":        string(a.Level),
		"risk_level":      string(a.Level),
		"overall_score":   a.OverallScore,
		"recommendations": append([]string(nil), a.Recommendations...),
		"timestamp":       a.LastUpdated,
	}
}
