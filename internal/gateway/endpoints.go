package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmerrifield20/ilminate-mcp/internal/threat"
	"go.uber.org/zap"
)

// Endpoint is a logical backend operation name.
type Endpoint string

const (
	EndpointHealth           Endpoint = "health"
	EndpointStatus           Endpoint = "status"
	EndpointAnalyzeEmail     Endpoint = "analyze-message"
	EndpointMapTechnique     Endpoint = "map-to-technique"
	EndpointCheckDomain      Endpoint = "check-domain"
	EndpointScanImage        Endpoint = "scan-image"
	EndpointUpdateYARARules  Endpoint = "update-yara-rules"
	EndpointUpdateSignatures Endpoint = "update-signatures"
	EndpointUpdateIOCs       Endpoint = "update-iocs"
	EndpointUpdatePatterns   Endpoint = "update-patterns"
)

type route struct {
	method string
	path   string
}

var routes = map[Endpoint]route{
	EndpointHealth:           {http.MethodGet, "/health"},
	EndpointStatus:           {http.MethodGet, "/api/status"},
	EndpointAnalyzeEmail:     {http.MethodPost, "/api/analyze-email"},
	EndpointMapTechnique:     {http.MethodPost, "/api/map-mitre"},
	EndpointCheckDomain:      {http.MethodPost, "/api/check-domain"},
	EndpointScanImage:        {http.MethodPost, "/api/scan-image"},
	EndpointUpdateYARARules:  {http.MethodPost, "/api/update-yara-rules"},
	EndpointUpdateSignatures: {http.MethodPost, "/api/update-signatures"},
	EndpointUpdateIOCs:       {http.MethodPost, "/api/update-iocs"},
	EndpointUpdatePatterns:   {http.MethodPost, "/api/update-patterns"},
}

// RuleKind names a family of detection rules the backend can ingest.
type RuleKind string

const (
	RuleKindYARA      RuleKind = "yara"
	RuleKindSignature RuleKind = "signature"
	RuleKindPattern   RuleKind = "pattern"
	RuleKindIOC       RuleKind = "ioc"
)

var ruleEndpoints = map[RuleKind]Endpoint{
	RuleKindYARA:      EndpointUpdateYARARules,
	RuleKindSignature: EndpointUpdateSignatures,
	RuleKindPattern:   EndpointUpdatePatterns,
	RuleKindIOC:       EndpointUpdateIOCs,
}

// ParseRuleKind validates s as a RuleKind.
func ParseRuleKind(s string) (RuleKind, bool) {
	k := RuleKind(s)
	_, ok := ruleEndpoints[k]
	return k, ok
}

// AnalyzeEmail asks the backend for a verdict on a message.
func (g *Gateway) AnalyzeEmail(ctx context.Context, in threat.EmailInput) (*threat.Verdict, error) {
	out, err := g.Call(ctx, EndpointAnalyzeEmail, in)
	if err != nil {
		return nil, err
	}
	if v, ok := out["verdict"].(*threat.Verdict); ok {
		return v, nil
	}
	// Some backend builds return the verdict fields at the top level.
	if _, ok := out["action"]; ok {
		return NormalizeVerdict(out), nil
	}
	return nil, fmt.Errorf("analyze-email response has no verdict")
}

// MapMITRE maps an event description to ATT&CK techniques.
func (g *Gateway) MapMITRE(ctx context.Context, eventText string) (*threat.MITREMapping, error) {
	out, err := g.Call(ctx, EndpointMapTechnique, map[string]any{"event_text": eventText})
	if err != nil {
		return nil, err
	}
	return normalizeMapping(out), nil
}

// CheckDomain asks the backend for the reputation of domain.
func (g *Gateway) CheckDomain(ctx context.Context, domain string) (*threat.DomainReputation, error) {
	out, err := g.Call(ctx, EndpointCheckDomain, map[string]any{"domain": domain})
	if err != nil {
		return nil, err
	}
	return normalizeReputation(domain, out), nil
}

// ScanImage asks the backend to scan an image.
func (g *Gateway) ScanImage(ctx context.Context, in threat.ImageInput) (*threat.ImageScan, error) {
	out, err := g.Call(ctx, EndpointScanImage, in)
	if err != nil {
		return nil, err
	}
	return normalizeImageScan(out), nil
}

// Status returns the backend's engine statistics.
func (g *Gateway) Status(ctx context.Context) (map[string]any, error) {
	return g.Call(ctx, EndpointStatus, nil)
}

// Health reports whether the backend says its engine is initialized. A
// reachable but uninitialized backend is not healthy. The result is advisory:
// callers still attempt the primary path and fall back on actual failure.
func (g *Gateway) Health(ctx context.Context) bool {
	out, err := g.Call(ctx, EndpointHealth, nil)
	if err != nil {
		g.logger.Debug("backend health probe failed", zap.Error(err))
		return false
	}
	for _, key := range []string{"apex_initialized", "initialized"} {
		if v, ok := out[key].(bool); ok {
			return v
		}
	}
	return false
}

// UpdateRules pushes rules of the given kind to the backend and returns the
// number the backend reports as applied, or len(rules) when it reports none.
func (g *Gateway) UpdateRules(ctx context.Context, kind RuleKind, rules []any, source string, force bool) (int, error) {
	ep, ok := ruleEndpoints[kind]
	if !ok {
		return 0, fmt.Errorf("unsupported rule kind %q", kind)
	}
	out, err := g.Call(ctx, ep, map[string]any{
		"rules":        rules,
		"source":       source,
		"force_update": force,
	})
	if err != nil {
		return 0, err
	}
	for _, key := range []string{"rules_updated", "updated", "count"} {
		if n, ok := toFloat(out[key]); ok {
			return int(n), nil
		}
	}
	return len(rules), nil
}
