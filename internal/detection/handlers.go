// Package detection holds the tool handlers that answer detection questions.
// Every handler asks the detection backend first and falls back to the
// matching local heuristic scorer when that call fails, so a handler always
// returns a result. Fallback results are marked Degraded.
package detection

import (
	"context"

	"github.com/jmerrifield20/ilminate-mcp/internal/metrics"
	"github.com/jmerrifield20/ilminate-mcp/internal/threat"
	"go.uber.org/zap"
)

// Backend is the subset of the gateway the handlers use.
type Backend interface {
	AnalyzeEmail(ctx context.Context, in threat.EmailInput) (*threat.Verdict, error)
	CheckDomain(ctx context.Context, domain string) (*threat.DomainReputation, error)
	ScanImage(ctx context.Context, in threat.ImageInput) (*threat.ImageScan, error)
	MapMITRE(ctx context.Context, eventText string) (*threat.MITREMapping, error)
	Status(ctx context.Context) (map[string]any, error)
}

// Resolution paths recorded per tool call.
const (
	pathPrimary  = "primary"
	pathFallback = "fallback"
)

// Handlers answers detection tool calls.
type Handlers struct {
	backend Backend
	logger  *zap.Logger
}

// New creates Handlers backed by backend.
func New(backend Backend, logger *zap.Logger) *Handlers {
	return &Handlers{backend: backend, logger: logger}
}

// AnalyzeEmail returns a verdict for a message.
func (h *Handlers) AnalyzeEmail(ctx context.Context, in threat.EmailInput) *threat.Verdict {
	v, err := h.backend.AnalyzeEmail(ctx, in)
	if err == nil {
		h.resolved("analyze_email_threat")
		return v
	}
	h.fellBack("analyze_email_threat", err, zap.String("message_id", in.MessageID))
	return threat.ScoreEmail(in)
}

// CheckDomain returns the reputation of a domain or URL.
func (h *Handlers) CheckDomain(ctx context.Context, domain string) *threat.DomainReputation {
	rep, err := h.backend.CheckDomain(ctx, domain)
	if err == nil {
		h.resolved("check_domain_reputation")
		return rep
	}
	h.fellBack("check_domain_reputation", err, zap.String("domain", domain))
	return threat.ScoreDomain(domain)
}

// ScanImage scans an image given by URL or inline base64 bytes.
func (h *Handlers) ScanImage(ctx context.Context, in threat.ImageInput) *threat.ImageScan {
	scan, err := h.backend.ScanImage(ctx, in)
	if err == nil {
		h.resolved("scan_image_for_threats")
		return scan
	}
	h.fellBack("scan_image_for_threats", err, zap.String("image_url", in.ImageURL))
	return threat.ScoreImage(in)
}

// MapToMITRE maps an event description to ATT&CK techniques.
func (h *Handlers) MapToMITRE(ctx context.Context, eventText string) *threat.MITREMapping {
	m, err := h.backend.MapMITRE(ctx, eventText)
	if err == nil {
		h.resolved("map_to_mitre_attack")
		return m
	}
	h.fellBack("map_to_mitre_attack", err)
	return threat.MapTechniques(eventText)
}

// EngineStatus reports the backend's engine statistics, or an unavailable
// status naming the local heuristics bundle that is answering instead.
func (h *Handlers) EngineStatus(ctx context.Context) map[string]any {
	st, err := h.backend.Status(ctx)
	if err == nil {
		h.resolved("get_detection_engine_status")
		delete(st, "success")
		st["degraded"] = false
		st["source"] = threat.SourceBackend
		if _, ok := st["available"]; !ok {
			st["available"] = true
		}
		return st
	}
	h.fellBack("get_detection_engine_status", err)
	return map[string]any{
		"available":         false,
		"degraded":          true,
		"source":            threat.SourceHeuristics,
		"error":             err.Error(),
		"heuristics_bundle": threat.BundleVersion(),
	}
}

func (h *Handlers) resolved(tool string) {
	metrics.RecordToolCall(tool, pathPrimary)
}

func (h *Handlers) fellBack(tool string, err error, fields ...zap.Field) {
	metrics.RecordToolCall(tool, pathFallback)
	h.logger.Warn("detection backend call failed, using local heuristics",
		append([]zap.Field{zap.String("tool", tool), zap.Error(err)}, fields...)...,
	)
}
