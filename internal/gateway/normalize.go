package gateway

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/jmerrifield20/ilminate-mcp/internal/threat"
)

// NormalizeVerdict reshapes a backend verdict object into the canonical
// verdict. The backend reports risk_score as a percentage and confidence as a
// fraction. Missing risk or confidence take the conservative defaults rather
// than zero.
func NormalizeVerdict(raw map[string]any) *threat.Verdict {
	v := &threat.Verdict{
		ThreatCategories: []string{},
		Indicators:       []any{},
		Source:           threat.SourceBackend,
	}

	risk, ok := toFloat(raw["risk_score"])
	if ok {
		v.RiskScore = threat.Clamp01(risk / 100)
	} else {
		v.RiskScore = threat.DefaultRiskScore
	}

	if conf, ok := toFloat(raw["confidence"]); ok {
		v.Confidence = threat.Clamp01(conf)
	} else {
		v.Confidence = threat.DefaultConfidence
	}

	action, known := normalizeAction(raw["action"])
	switch {
	case known:
		v.Action = action
	case !ok:
		v.Action = threat.ActionReview
	default:
		v.Action = threat.ActionForRisk(v.RiskScore)
	}

	if lvl, ok := raw["threat_level"].(string); ok && lvl != "" {
		v.ThreatLevel = strings.ToLower(lvl)
		if v.ThreatLevel == "clean" {
			v.ThreatLevel = "none"
		}
	} else {
		v.ThreatLevel = threat.SeverityLabel(v.RiskScore)
	}

	v.ThreatCategories = threat.UniqueStrings(toStrings(raw["threat_categories"]))
	if list, ok := raw["indicators"].([]any); ok {
		v.Indicators = list
	}
	if exp, ok := raw["explanation"].(string); ok {
		v.Explanation = exp
	}
	return v
}

// normalizeAction maps the backend's five-step ladder onto the three
// canonical actions.
func normalizeAction(raw any) (threat.Action, bool) {
	s, _ := raw.(string)
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BLOCK", "QUARANTINE":
		return threat.ActionQuarantine, true
	case "WARN", "TAG", "REVIEW":
		return threat.ActionReview, true
	case "ALLOW":
		return threat.ActionAllow, true
	default:
		return "", false
	}
}

func normalizeReputation(domain string, out map[string]any) *threat.DomainReputation {
	rep := &threat.DomainReputation{
		Domain:      threat.NormalizeHost(domain),
		ThreatTypes: threat.UniqueStrings(toStrings(out["threat_types"])),
		Source:      threat.SourceBackend,
	}
	if score, ok := toFloat(out["reputation_score"]); ok {
		rep.ReputationScore = toFraction(score)
	} else {
		rep.ReputationScore = threat.DefaultRiskScore
	}
	if mal, ok := out["is_malicious"].(bool); ok {
		rep.IsMalicious = mal
	} else {
		rep.IsMalicious = rep.ReputationScore < 0.3
	}
	if conf, ok := toFloat(out["confidence"]); ok {
		rep.Confidence = toFraction(conf)
	} else {
		rep.Confidence = threat.DefaultConfidence
	}
	if s, ok := out["first_seen"].(string); ok && s != "" {
		rep.FirstSeen = &s
	}
	if s, ok := out["last_seen"].(string); ok && s != "" {
		rep.LastSeen = &s
	}
	if note, ok := out["note"].(string); ok {
		rep.Note = note
	}
	return rep
}

func normalizeImageScan(out map[string]any) *threat.ImageScan {
	scan := &threat.ImageScan{
		QRCodes:     []any{},
		HiddenLinks: threat.UniqueStrings(toStrings(out["hidden_links"])),
		Indicators:  toStrings(out["indicators"]),
		Source:      threat.SourceBackend,
	}
	if qr, ok := out["qr_codes"].([]any); ok {
		scan.QRCodes = qr
	}
	if score, ok := toFloat(out["threat_score"]); ok {
		scan.ThreatScore = toFraction(score)
	}
	if found, ok := out["threats_found"].(bool); ok {
		scan.ThreatsFound = found
	} else {
		scan.ThreatsFound = scan.ThreatScore >= 0.3
	}
	if logo, ok := out["logo_impersonation"].(bool); ok {
		scan.LogoImpersonation = logo
	}
	if target, ok := out["logo_impersonation_target"].(string); ok && target != "" {
		scan.LogoImpersonationTarget = &target
	}
	if conf, ok := toFloat(out["confidence"]); ok {
		scan.Confidence = toFraction(conf)
	} else {
		scan.Confidence = threat.DefaultConfidence
	}
	return scan
}

func normalizeMapping(out map[string]any) *threat.MITREMapping {
	m := &threat.MITREMapping{
		Techniques: []threat.Technique{},
		Source:     threat.SourceBackend,
	}
	if list, ok := out["techniques"].([]any); ok {
		for _, item := range list {
			if t, ok := toTechnique(item); ok {
				m.Techniques = append(m.Techniques, t)
			}
		}
	}
	if t, ok := toTechnique(out["primary_technique"]); ok {
		m.PrimaryTechnique = &t
	} else if len(m.Techniques) > 0 {
		first := m.Techniques[0]
		m.PrimaryTechnique = &first
	}
	return m
}

func toTechnique(raw any) (threat.Technique, bool) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return threat.Technique{}, false
	}
	t := threat.Technique{}
	t.ID, _ = obj["id"].(string)
	t.Name, _ = obj["name"].(string)
	t.Tactic, _ = obj["tactic"].(string)
	if conf, ok := toFloat(obj["confidence"]); ok {
		t.Confidence = toFraction(conf)
	} else {
		t.Confidence = threat.DefaultConfidence
	}
	return t, t.ID != ""
}

// toFraction reads a score that is normally 0–1, scaling values above 1 as
// percentages, and clamps the result.
func toFraction(f float64) float64 {
	if f > 1 {
		f /= 100
	}
	return threat.Clamp01(f)
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toStrings(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			return ss
		}
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch s := item.(type) {
		case string:
			out = append(out, s)
		case map[string]any:
			if name, ok := s["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}
