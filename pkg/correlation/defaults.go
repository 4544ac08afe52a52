package correlation

import "github.com/lucid-vigil/threatcore/pkg/events"

// investigation steps attached to every correlation, before rule templates
var genericRecommendations = []string{
	"Investigate affected endpoints immediately",
	"Review network traffic logs for suspicious activity",
	"Check for indicators of compromise (IOCs)",
	"Consider isolating affected devices",
	"Verify user access patterns and permissions",
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "lateral_movement",
			Name:        "Lateral Movement Detection",
			Description: "Detects potential lateral movement patterns",
			Conditions: []ConditionSpec{
				{Field: "type", Operator: OpEquals, Value: "network"},
				{Field: "confidence", Operator: OpGreaterThan, Value: 0.7},
			},
			WindowSeconds: 300,
			Threshold:     3,
			Severity:      events.SeverityHigh,
			Enabled:       true,
			Recommendations: []string{
				"Monitor for additional lateral movement attempts",
				"Review network segmentation policies",
			},
		},
		{
			ID:          "coordinated_attack",
			Name:        "Coordinated Attack Pattern",
			Description: "Identifies coordinated attacks across multiple endpoints",
			Conditions: []ConditionSpec{
				{Field: "severity", Operator: OpInRange, Value: []interface{}{"medium", "high", "critical"}},
			},
			WindowSeconds: 600,
			Threshold:     5,
			Severity:      events.SeverityCritical,
			Enabled:       true,
			Recommendations: []string{
				"Activate incident response procedures",
				"Consider threat hunting activities",
			},
		},
		{
			ID:          "privilege_escalation_chain",
			Name:        "Privilege Escalation Chain",
			Description: "Detects chains of privilege escalation attempts",
			Conditions: []ConditionSpec{
				{Field: "type", Operator: OpEquals, Value: "behavioral"},
				{Field: "metadata.action", Operator: OpContains, Value: "privilege"},
			},
			WindowSeconds: 180,
			Threshold:     2,
			Severity:      events.SeverityHigh,
			Enabled:       true,
		},
	}
}
