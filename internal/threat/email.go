package threat

import (
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// EmailInput is the subset of a message the email scorer inspects.
type EmailInput struct {
	MessageID   string   `json:"message_id,omitempty"`
	Sender      string   `json:"sender"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	RawContent  string   `json:"raw_content,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// SenderDomain returns the part of Sender after the last '@', lower-cased.
func (e EmailInput) SenderDomain() string {
	i := strings.LastIndex(e.Sender, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(e.Sender[i+1:], "<> "))
}

// match is a Finding plus the category and indicator it contributes.
type match struct {
	Finding
	category  string
	indicator string
}

// emailRule inspects a message and returns zero or more matches.
type emailRule func(in EmailInput, text string) []match

var emailRules = []emailRule{
	ruleUrgency,
	ruleCredentialLure,
	rulePaymentLure,
	ruleLinks,
	ruleAttachments,
	ruleSenderLookalike,
}

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"')]+`)

// ScoreEmail runs every email rule against in and folds the matches into a
// degraded verdict.
func ScoreEmail(in EmailInput) *Verdict {
	text := strings.ToLower(in.Subject + "\n" + in.Body + "\n" + in.RawContent)

	var matches []match
	for _, r := range emailRules {
		matches = append(matches, r(in, text)...)
	}
	return verdictFromMatches(matches)
}

func verdictFromMatches(matches []match) *Verdict {
	total := 0
	v := &Verdict{
		ThreatCategories: []string{},
		Indicators:       []any{},
		Findings:         []Finding{},
		Degraded:         true,
		Source:           SourceHeuristics,
	}
	for _, m := range matches {
		total += int(m.Confidence * 25)
		v.Findings = append(v.Findings, m.Finding)
		v.AddCategory(m.category)
		if m.indicator != "" {
			v.Indicators = append(v.Indicators, m.indicator)
		}
	}
	if total > 100 {
		total = 100
	}

	v.RiskScore = float64(total) / 100
	v.Action = ActionForRisk(v.RiskScore)
	v.ThreatLevel = SeverityLabel(v.RiskScore)
	v.Confidence = fallbackConfidence(len(matches))
	if len(matches) == 0 {
		v.Explanation = "No heuristic rule matched; backend unavailable so this result is unverified."
	} else {
		v.Explanation = "Scored by local heuristics while the detection backend was unavailable."
	}
	return v
}

// ── Rules ─────────────────────────────────────────────────────────────────────

func ruleUrgency(_ EmailInput, text string) []match {
	if p, ok := firstContained(text, heuristics.Email.UrgencyPhrases); ok {
		return []match{{
			Finding:   Finding{Rule: "urgency_language", Description: "Message uses pressure language: " + p, Confidence: 0.5},
			category:  "social-engineering",
			indicator: "Urgency phrase: " + p,
		}}
	}
	return nil
}

func ruleCredentialLure(_ EmailInput, text string) []match {
	if p, ok := firstContained(text, heuristics.Email.CredentialPhrases); ok {
		return []match{{
			Finding:   Finding{Rule: "credential_lure", Description: "Message asks for credential action: " + p, Confidence: 0.7},
			category:  "credential-phishing",
			indicator: "Credential lure: " + p,
		}}
	}
	return nil
}

func rulePaymentLure(_ EmailInput, text string) []match {
	if p, ok := firstContained(text, heuristics.Email.PaymentPhrases); ok {
		return []match{{
			Finding:   Finding{Rule: "payment_lure", Description: "Message references a payment change or transfer: " + p, Confidence: 0.7},
			category:  "bec",
			indicator: "Payment lure: " + p,
		}}
	}
	return nil
}

func ruleLinks(in EmailInput, _ string) []match {
	var out []match
	seenIP, seenShort := false, false
	for _, raw := range urlPattern.FindAllString(in.Body+"\n"+in.RawContent, -1) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		host := u.Hostname()
		if !seenIP && net.ParseIP(host) != nil {
			seenIP = true
			out = append(out, match{
				Finding:   Finding{Rule: "ip_literal_link", Description: "Link points at a raw IP address", Confidence: 0.7},
				category:  "malicious-link",
				indicator: "IP link: " + raw,
			})
		}
		if !seenShort && isShortenerHost(host) {
			seenShort = true
			out = append(out, match{
				Finding:   Finding{Rule: "shortened_link", Description: "Link hides its destination behind a shortener", Confidence: 0.5},
				category:  "shortened-link",
				indicator: "Shortened link: " + raw,
			})
		}
	}
	return out
}

func ruleAttachments(in EmailInput, _ string) []match {
	var out []match
	for _, name := range in.Attachments {
		lower := strings.ToLower(strings.TrimSpace(name))
		ext := path.Ext(lower)
		if ext == "" {
			continue
		}
		dangerous := false
		for _, d := range heuristics.Email.DangerousExtensions {
			if ext == d {
				dangerous = true
				break
			}
		}
		if !dangerous {
			continue
		}
		conf := 0.8
		desc := "Attachment has a dangerous extension: " + ext
		// invoice.pdf.exe
		if inner := path.Ext(strings.TrimSuffix(lower, ext)); inner != "" {
			conf = 0.9
			desc = "Attachment uses a double extension: " + inner + ext
		}
		out = append(out, match{
			Finding:   Finding{Rule: "dangerous_attachment", Description: desc, Confidence: conf},
			category:  "malicious-attachment",
			indicator: "Attachment: " + name,
		})
	}
	return out
}

func ruleSenderLookalike(in EmailInput, _ string) []match {
	domain := in.SenderDomain()
	if domain == "" {
		return nil
	}
	if brand, ok := impersonatedBrand(domain); ok {
		return []match{{
			Finding:   Finding{Rule: "sender_lookalike", Description: "Sender domain imitates " + brand, Confidence: 0.7},
			category:  "impersonation",
			indicator: "Lookalike sender domain: " + domain,
		}}
	}
	return nil
}

// impersonatedBrand reports a brand keyword embedded in domain when the
// domain is not the brand's own registrable name (brand.tld).
func impersonatedBrand(domain string) (string, bool) {
	labels := strings.Split(strings.ToLower(domain), ".")
	if len(labels) < 2 {
		return "", false
	}
	registrable := labels[len(labels)-2]
	for _, b := range heuristics.Domain.BrandKeywords {
		if registrable == b {
			return "", false
		}
	}
	for _, b := range heuristics.Domain.BrandKeywords {
		if strings.Contains(domain, b) {
			return b, true
		}
	}
	return "", false
}
