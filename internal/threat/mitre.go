package threat

import "strings"

// Technique is a single MITRE ATT&CK technique attributed to an event.
type Technique struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Tactic     string  `json:"tactic,omitempty"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// MITREMapping is the result of mapping an event description to ATT&CK.
type MITREMapping struct {
	Techniques       []Technique `json:"techniques"`
	PrimaryTechnique *Technique  `json:"primary_technique"`
	Degraded         bool        `json:"degraded"`
	Source           string      `json:"source"`
}

// MapTechniques attributes ATT&CK techniques to text by keyword. Techniques
// are reported in bundle order, so the most specific match comes first.
func MapTechniques(text string) *MITREMapping {
	lower := strings.ToLower(text)
	m := &MITREMapping{
		Techniques: []Technique{},
		Degraded:   true,
		Source:     SourceHeuristics,
	}
	for _, rule := range heuristics.MITRE {
		kw, ok := firstContained(lower, rule.Keywords)
		if !ok {
			continue
		}
		m.Techniques = append(m.Techniques, Technique{
			ID:         rule.ID,
			Name:       rule.Name,
			Tactic:     rule.Tactic,
			Confidence: FallbackConfidenceCeiling * 0.75,
			Evidence:   kw,
		})
	}
	if len(m.Techniques) > 0 {
		primary := m.Techniques[0]
		primary.Confidence = FallbackConfidenceCeiling
		m.Techniques[0] = primary
		m.PrimaryTechnique = &primary
	}
	return m
}
