package threat

import (
	"net"
	"strings"
)

// baselineReputation is the reputation an unknown domain starts from.
const baselineReputation = 0.6

// maliciousBelow is the reputation under which a domain is reported malicious.
const maliciousBelow = 0.3

// DomainReputation is the result of a domain reputation check.
type DomainReputation struct {
	Domain string `json:"domain"`

	// ReputationScore is a fraction in [0, 1]; higher is more trustworthy.
	ReputationScore float64  `json:"reputation_score"`
	IsMalicious     bool     `json:"is_malicious"`
	ThreatTypes     []string `json:"threat_types"`
	FirstSeen       *string  `json:"first_seen,omitempty"`
	LastSeen        *string  `json:"last_seen,omitempty"`
	Confidence      float64  `json:"confidence"`
	Note            string   `json:"note,omitempty"`
	Degraded        bool     `json:"degraded"`
	Source          string   `json:"source"`
}

type domainRule struct {
	threatType string
	penalty    float64
	match      func(host string) bool
}

var domainRules = []domainRule{
	{"shortened-link", 0.25, isShortenerHost},
	{"suspicious-tld", 0.2, hasSuspiciousTLD},
	{"ip-literal", 0.2, func(h string) bool { return net.ParseIP(h) != nil }},
	{"homograph", 0.25, func(h string) bool { return strings.Contains(h, "xn--") }},
	{"brand-impersonation", 0.3, func(h string) bool { _, ok := impersonatedBrand(h); return ok }},
	{"lure-keyword", 0.1, hasLureKeyword},
	{"algorithmic-name", 0.1, looksGenerated},
}

// ScoreDomain estimates the reputation of domain from its shape alone.
// domain may be a bare host or a URL-ish string such as "bit.ly/x".
func ScoreDomain(domain string) *DomainReputation {
	host := NormalizeHost(domain)
	rep := &DomainReputation{
		Domain:      host,
		ThreatTypes: []string{},
		Degraded:    true,
		Source:      SourceHeuristics,
		Note:        "Local heuristic analysis; detection backend unavailable",
	}

	score := baselineReputation
	for _, r := range domainRules {
		if host != "" && r.match(host) {
			score -= r.penalty
			rep.ThreatTypes = append(rep.ThreatTypes, r.threatType)
		}
	}

	rep.ReputationScore = Clamp01(score)
	rep.IsMalicious = rep.ReputationScore < maliciousBelow
	rep.Confidence = fallbackConfidence(len(rep.ThreatTypes))
	return rep
}

// NormalizeHost reduces a domain, URL or URL fragment to a lower-case host
// name without scheme, credentials, port, path or trailing dot.
func NormalizeHost(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	return strings.TrimSuffix(s, ".")
}

func hasSuspiciousTLD(host string) bool {
	for _, tld := range heuristics.Domain.SuspiciousTLDs {
		if strings.HasSuffix(host, tld) {
			return true
		}
	}
	return false
}

func hasLureKeyword(host string) bool {
	_, ok := firstContained(host, heuristics.Domain.LureKeywords)
	return ok
}

// looksGenerated flags hosts with many hyphens or digits, typical of
// throwaway phishing registrations.
func looksGenerated(host string) bool {
	if net.ParseIP(host) != nil {
		return false
	}
	digits := 0
	for _, r := range host {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return strings.Count(host, "-") >= 3 || digits >= 5
}
