// pkg/events/event.go
package events

import (
	"fmt"
	"time"
)

// Severity is the shared four-level severity scale.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists the scale in ascending order.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Weight returns 1 for low through 4 for critical, 0 for unknown values.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	return s.Weight() > 0
}

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity %q, must be low/medium/high/critical", s)
	}
	return sev, nil
}

// Category is the kind of a discrete threat event.
type Category string

const (
	CategoryMalware       Category = "malware"
	CategoryNetwork       Category = "network"
	CategoryBehavioral    Category = "behavioral"
	CategoryVulnerability Category = "vulnerability"
	CategoryPhishing      Category = "phishing"
)

// Categories lists every threat event category.
var Categories = []Category{CategoryMalware, CategoryNetwork, CategoryBehavioral, CategoryVulnerability, CategoryPhishing}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ThreatEvent is a discrete security event. It is never mutated once buffered.
type ThreatEvent struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Category    Category               `json:"type"`
	Severity    Severity               `json:"severity"`
	Confidence  float64                `json:"confidence"`
	SourceIP    string                 `json:"source_ip,omitempty"`
	TargetIP    string                 `json:"target_ip,omitempty"`
	DeviceID    string                 `json:"device_id"`
	UserID      string                 `json:"user_id,omitempty"`
	ProcessName string                 `json:"process_name,omitempty"`
	FileName    string                 `json:"file_name,omitempty"`
	Hash        string                 `json:"hash,omitempty"`
	Signature   string                 `json:"signature,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the event.
func (e ThreatEvent) Clone() ThreatEvent {
	e.Metadata = CloneMetadata(e.Metadata)
	return e
}

// CloneMetadata deep-copies a free-form metadata map.
func CloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneMetadata(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []float64:
		return append([]float64(nil), val...)
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
