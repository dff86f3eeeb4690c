package threat

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed heuristics.yaml
var heuristicsYAML []byte

// bundle is the parsed heuristic vocabulary. It is built once at package
// init and never mutated afterwards.
type bundle struct {
	Version string `yaml:"version"`

	Email struct {
		UrgencyPhrases      []string `yaml:"urgency_phrases"`
		CredentialPhrases   []string `yaml:"credential_phrases"`
		PaymentPhrases      []string `yaml:"payment_phrases"`
		DangerousExtensions []string `yaml:"dangerous_extensions"`
	} `yaml:"email"`

	Domain struct {
		ShortenerHosts []string `yaml:"shortener_hosts"`
		SuspiciousTLDs []string `yaml:"suspicious_tlds"`
		BrandKeywords  []string `yaml:"brand_keywords"`
		LureKeywords   []string `yaml:"lure_keywords"`
	} `yaml:"domain"`

	Image struct {
		RiskyExtensions []string `yaml:"risky_extensions"`
		RedirectParams  []string `yaml:"redirect_params"`
	} `yaml:"image"`

	MITRE []techniqueRule `yaml:"mitre"`
}

type techniqueRule struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Tactic   string   `yaml:"tactic"`
	Keywords []string `yaml:"keywords"`
}

var heuristics = mustLoadBundle(heuristicsYAML)

func mustLoadBundle(raw []byte) *bundle {
	b, err := loadBundle(raw)
	if err != nil {
		panic(err)
	}
	return b
}

func loadBundle(raw []byte) (*bundle, error) {
	var b bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("parse heuristics bundle: %w", err)
	}
	lowerAll(b.Email.UrgencyPhrases)
	lowerAll(b.Email.CredentialPhrases)
	lowerAll(b.Email.PaymentPhrases)
	lowerAll(b.Email.DangerousExtensions)
	lowerAll(b.Domain.ShortenerHosts)
	lowerAll(b.Domain.SuspiciousTLDs)
	lowerAll(b.Domain.BrandKeywords)
	lowerAll(b.Domain.LureKeywords)
	lowerAll(b.Image.RiskyExtensions)
	lowerAll(b.Image.RedirectParams)
	for i := range b.MITRE {
		lowerAll(b.MITRE[i].Keywords)
	}
	return &b, nil
}

// BundleVersion reports the version of the compiled-in heuristic bundle.
func BundleVersion() string { return heuristics.Version }

func lowerAll(ss []string) {
	for i, s := range ss {
		ss[i] = strings.ToLower(strings.TrimSpace(s))
	}
}

// firstContained returns the first needle contained in haystack.
func firstContained(haystack string, needles []string) (string, bool) {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}

// isShortenerHost reports whether host is, or is a subdomain of, a known
// URL-shortening service.
func isShortenerHost(host string) bool {
	host = strings.ToLower(host)
	for _, s := range heuristics.Domain.ShortenerHosts {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}
