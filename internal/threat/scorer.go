// Package threat defines the canonical detection verdict and the local
// heuristic scorers used when the detection backend cannot answer.
//
// Every scorer in this package is pure: it reads only its arguments and the
// immutable heuristic bundle compiled into the binary, performs no I/O and
// holds no state between calls. Results produced here are always marked
// Degraded and never carry a confidence above FallbackConfidenceCeiling, so
// callers can tell a heuristic answer from a backend answer either way.
package threat

// Action is the canonical recommended action of a verdict.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionReview     Action = "review"
	ActionQuarantine Action = "quarantine"
)

// Verdict sources.
const (
	SourceBackend    = "detection-backend"
	SourceHeuristics = "local-heuristics"
)

// FallbackConfidenceCeiling is the highest confidence a heuristic verdict can
// carry. It is strictly lower than any confidence the backend is trusted with.
const FallbackConfidenceCeiling = 0.4

// DefaultRiskScore and DefaultConfidence fill in values the backend omitted.
// A missing risk score never silently becomes zero.
const (
	DefaultRiskScore  = 0.5
	DefaultConfidence = 0.5
)

// Finding is a single rule match returned by a heuristic scorer.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Verdict is the structured outcome of a detection decision.
type Verdict struct {
	Action Action `json:"action"`

	// RiskScore is a fraction in [0, 1]. Backends that report 0–100 are
	// converted at the gateway boundary.
	RiskScore float64 `json:"risk_score"`

	// Confidence is a fraction in [0, 1].
	Confidence float64 `json:"confidence"`

	// ThreatLevel is a human-readable label derived from RiskScore:
	//   <0.15  → "none"
	//   <0.35  → "low"
	//   <0.65  → "medium"
	//   <0.85  → "high"
	//   ≥0.85  → "critical"
	ThreatLevel string `json:"threat_level"`

	// ThreatCategories is an ordered set: insertion order, no duplicates.
	ThreatCategories []string `json:"threat_categories"`

	// Indicators are opaque descriptors; heuristics emit strings, the backend
	// may send objects.
	Indicators []any `json:"indicators"`

	Explanation string    `json:"explanation,omitempty"`
	Findings    []Finding `json:"findings,omitempty"`

	// Degraded is true when the verdict came from local heuristics.
	Degraded bool   `json:"degraded"`
	Source   string `json:"source"`
}

// ActionForRisk maps a risk fraction onto the canonical action ladder.
func ActionForRisk(risk float64) Action {
	switch {
	case risk >= 0.7:
		return ActionQuarantine
	case risk >= 0.3:
		return ActionReview
	default:
		return ActionAllow
	}
}

// SeverityLabel maps a risk fraction to a severity string.
func SeverityLabel(risk float64) string {
	switch {
	case risk >= 0.85:
		return "critical"
	case risk >= 0.65:
		return "high"
	case risk >= 0.35:
		return "medium"
	case risk >= 0.15:
		return "low"
	default:
		return "none"
	}
}

// AddCategory appends c to the verdict's categories unless already present.
func (v *Verdict) AddCategory(c string) {
	if c == "" {
		return
	}
	for _, existing := range v.ThreatCategories {
		if existing == c {
			return
		}
	}
	v.ThreatCategories = append(v.ThreatCategories, c)
}

// UniqueStrings returns in with duplicates and empty strings removed,
// preserving first-seen order.
func UniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Clamp01 bounds f to [0, 1].
func Clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// fallbackConfidence derives a heuristic confidence from the number of
// findings, capped at FallbackConfidenceCeiling.
func fallbackConfidence(findings int) float64 {
	c := 0.2 + 0.05*float64(findings)
	if c > FallbackConfidenceCeiling {
		return FallbackConfidenceCeiling
	}
	return c
}
