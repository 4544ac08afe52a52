package risk

// Level is a device's risk band.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps an overall score onto its band.
func LevelFor(score float64) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	default:
		return LevelLow
	}
}

func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}

// Elevated reports whether l is high or critical.
func (l Level) Elevated() bool {
	return l.rank() >= LevelHigh.rank()
}

// a factor above this value gets its remediation steps
const remediationThreshold = 70

var remediations = map[string][]string{
	FactorCriticalVulnerabilities: {"Install critical security patches immediately", "Perform vulnerability assessment"},
	FactorThreatExposure:          {"Investigate recent threat events", "Consider endpoint isolation"},
	FactorBehavioralAnomalies:     {"Review user activity logs", "Monitor for insider threats"},
	FactorNetworkExposure:         {"Review network segmentation", "Update firewall rules"},
}

var levelFraming = map[Level][2]string{
	LevelCritical: {"Immediate attention required", "Consider emergency incident response"},
	LevelHigh:     {"High priority remediation needed", "Schedule detailed security review"},
}

func recommendations(factors []Factor, level Level) []string {
	var recs []string
	for _, f := range factors {
		if f.Value > remediationThreshold {
			recs = append(recs, remediations[f.ID]...)
		}
	}

	if framing, ok := levelFraming[level]; ok {
		recs = append([]string{framing[0]}, recs...)
		recs = append(recs, framing[1])
	}

	seen := make(map[string]struct{}, len(recs))
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
