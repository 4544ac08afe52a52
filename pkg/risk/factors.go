package risk

import (
	"fmt"
	"math"
	"sort"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/features"
)

// Factor ids.
const (
	FactorCriticalVulnerabilities = "critical_vulnerabilities"
	FactorPatchStatus             = "patch_status"
	FactorThreatExposure          = "threat_exposure"
	FactorBehavioralAnomalies     = "behavioral_anomalies"
	FactorNetworkExposure         = "network_exposure"
	FactorConfigurationSecurity   = "configuration_security"
	FactorUserRisk                = "user_risk"
)

// weights must sum to 1 within this tolerance
const weightTolerance = 1e-6

// FactorCategory groups risk factors by their origin.
type FactorCategory string

const (
	CategoryVulnerability FactorCategory = "vulnerability"
	CategoryBehavior      FactorCategory = "behavior"
	CategoryEnvironment   FactorCategory = "environment"
	CategoryConfiguration FactorCategory = "configuration"
	CategoryThreat        FactorCategory = "threat"
)

// Factor is one weighted contributor to a device's overall score.
type Factor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Category    FactorCategory `json:"category"`
	Weight      float64        `json:"weight"`
	Value       float64        `json:"value"`
	Description string         `json:"description"`
	Source      string         `json:"source"`
}

type factorDef struct {
	id       string
	name     string
	category FactorCategory
	source   string
	compute  func(m features.DeviceMetrics) (value float64, description string)
}

// factorDefs is ordered; assessments list factors in this order.
var factorDefs = []factorDef{
	{
		id: FactorCriticalVulnerabilities, name: "Critical Vulnerabilities",
		category: CategoryVulnerability, source: "Vulnerability Scanner",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return math.Min(float64(m.VulnerabilityCount)/10*100, 100),
				fmt.Sprintf("%d vulnerabilities detected", m.VulnerabilityCount)
		},
	},
	{
		id: FactorPatchStatus, name: "Patch Status",
		category: CategoryConfiguration, source: "Patch Management",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return 100 - m.PatchLevel, fmt.Sprintf("%.1f%% patched", m.PatchLevel)
		},
	},
	{
		id: FactorThreatExposure, name: "Threat Exposure",
		category: CategoryThreat, source: "Threat Detection",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return math.Min(float64(m.ThreatEvents)/20*100, 100),
				fmt.Sprintf("%d threat events in last 30 days", m.ThreatEvents)
		},
	},
	{
		id: FactorBehavioralAnomalies, name: "Behavioral Anomalies",
		category: CategoryBehavior, source: "Behavioral Analysis",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return math.Min(float64(m.AnomalyCount)/5*100, 100),
				fmt.Sprintf("%d anomalies detected", m.AnomalyCount)
		},
	},
	{
		id: FactorNetworkExposure, name: "Network Exposure",
		category: CategoryEnvironment, source: "Network Analysis",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return m.NetworkExposure, fmt.Sprintf("Network exposure score: %.1f", m.NetworkExposure)
		},
	},
	{
		id: FactorConfigurationSecurity, name: "Configuration Security",
		category: CategoryConfiguration, source: "Configuration Assessment",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return 100 - m.ConfigurationScore,
				fmt.Sprintf("Security configuration score: %.1f%%", m.ConfigurationScore)
		},
	},
	{
		id: FactorUserRisk, name: "User Risk",
		category: CategoryBehavior, source: "User Behavior Analysis",
		compute: func(m features.DeviceMetrics) (float64, string) {
			return m.UserRisk, fmt.Sprintf("User risk score: %.1f", m.UserRisk)
		},
	},
}

// FactorIDs lists the factor ids in assessment order.
func FactorIDs() []string {
	ids := make([]string, len(factorDefs))
	for i, d := range factorDefs {
		ids[i] = d.id
	}
	return ids
}

// DefaultWeights returns the reference factor weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		FactorCriticalVulnerabilities: 0.25,
		FactorPatchStatus:             0.15,
		FactorThreatExposure:          0.20,
		FactorBehavioralAnomalies:     0.15,
		FactorNetworkExposure:         0.10,
		FactorConfigurationSecurity:   0.10,
		FactorUserRisk:                0.05,
	}
}

func isFactor(id string) bool {
	for _, d := range factorDefs {
		if d.id == id {
			return true
		}
	}
	return false
}

// ValidateWeights checks that weights name every factor exactly, that each
// weight lies in [0,1] and that they sum to 1.
func ValidateWeights(weights map[string]float64) error {
	var sum float64
	for id, w := range weights {
		if !isFactor(id) {
			return apperrors.NewConfigError("risk_engine", fmt.Sprintf("unknown risk factor %q", id),
				map[string]interface{}{"factor": id})
		}
		if w < 0 || w > 1 || math.IsNaN(w) {
			return apperrors.NewConfigError("risk_engine", fmt.Sprintf("weight for %s must be within [0,1]", id),
				map[string]interface{}{"factor": id, "weight": w})
		}
		sum += w
	}
	for _, d := range factorDefs {
		if _, ok := weights[d.id]; !ok {
			return apperrors.NewConfigError("risk_engine", fmt.Sprintf("missing weight for %s", d.id),
				map[string]interface{}{"factor": d.id})
		}
	}
	if math.Abs(sum-1) > weightTolerance {
		return apperrors.NewConfigError("risk_engine", fmt.Sprintf("risk factor weights sum to %.6f, want 1.0", sum),
			map[string]interface{}{"sum": sum})
	}
	return nil
}

// reweight sets id to weight and scales the remaining weights so the total
// stays at 1. When the others are all zero the remainder is shared equally.
func reweight(current map[string]float64, id string, weight float64) map[string]float64 {
	var others float64
	for k, w := range current {
		if k != id {
			others += w
		}
	}

	remainder := 1 - weight
	out := make(map[string]float64, len(current))
	for k, w := range current {
		switch {
		case k == id:
			out[k] = weight
		case others > 0:
			out[k] = w * remainder / others
		default:
			out[k] = remainder / float64(len(current)-1)
		}
	}
	return out
}

func copyWeights(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// computeFactors evaluates every factor for m, clamping values to [0,100].
func computeFactors(m features.DeviceMetrics, weights map[string]float64) []Factor {
	factors := make([]Factor, 0, len(factorDefs))
	for _, d := range factorDefs {
		value, desc := d.compute(m)
		factors = append(factors, Factor{
			ID:          d.id,
			Name:        d.name,
			Category:    d.category,
			Weight:      weights[d.id],
			Value:       clamp(value, 0, 100),
			Description: desc,
			Source:      d.source,
		})
	}
	return factors
}

// OverallScore is the weighted factor sum rounded to two decimals.
func OverallScore(factors []Factor) float64 {
	var sum float64
	for _, f := range factors {
		sum += f.Value * f.Weight
	}
	return features.Round2(sum)
}

// contributingCategories lists the distinct categories of factors that add
// to the score, sorted.
func contributingCategories(factors []Factor) []string {
	seen := make(map[string]struct{})
	for _, f := range factors {
		if f.Value*f.Weight > 0 {
			seen[string(f.Category)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
