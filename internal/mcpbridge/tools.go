package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/ilminate-mcp/internal/detection"
	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
	"github.com/jmerrifield20/ilminate-mcp/internal/gateway"
	"github.com/jmerrifield20/ilminate-mcp/internal/metrics"
	"github.com/jmerrifield20/ilminate-mcp/internal/ruleledger"
	"github.com/jmerrifield20/ilminate-mcp/internal/threat"
	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
	"go.uber.org/zap"
)

func ok(v any) (string, bool) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return failf("encode result: %v", err)
	}
	return string(out), false
}

func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

// FeedManager is the subscription surface the feed tools drive.
type FeedManager interface {
	Subscribe(ctx context.Context, feed feeds.ThreatFeed, cb feeds.UpdateCallback) (string, error)
	Unsubscribe(name string) bool
	Status(name string) (feeds.Status, bool)
	StatusAll() []feeds.Status
}

// RuleApplier pushes caller-supplied rules to the backend.
type RuleApplier interface {
	ApplyRules(ctx context.Context, kind gateway.RuleKind, rules []any, source string, force bool) (int, error)
}

// History limits for get_rule_update_history.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// ToolRegistry holds the tool definitions and routes calls to the detection
// handlers, the feed manager and the rule dispatcher.
type ToolRegistry struct {
	detect *detection.Handlers
	feeds  FeedManager
	rules  RuleApplier
	ledger ruleledger.Ledger
	logger *zap.Logger
	defs   []mcpmanifest.Tool

	onUpdate feeds.UpdateCallback
}

// NewToolRegistry creates a ToolRegistry.
func NewToolRegistry(detect *detection.Handlers, fm FeedManager, rules RuleApplier, ledger ruleledger.Ledger, logger *zap.Logger) *ToolRegistry {
	return &ToolRegistry{
		detect: detect,
		feeds:  fm,
		rules:  rules,
		ledger: ledger,
		logger: logger,
		defs:   toolDefinitions(),
	}
}

// SetUpdateCallback sets the callback attached to feeds subscribed through
// subscribe_to_threat_feed.
func (r *ToolRegistry) SetUpdateCallback(cb feeds.UpdateCallback) {
	r.onUpdate = cb
}

// Definitions returns the tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []mcpmanifest.Tool {
	return r.defs
}

// Call dispatches a tool call by name and returns (output text, isError).
// Only malformed input and unknown tools are errors; backend failures
// resolve to degraded or unsuccessful results.
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	text, isErr := r.call(ctx, name, args)
	switch {
	case isErr:
		metrics.RecordToolCall(name, "error")
	case !detectionTools[name]:
		metrics.RecordToolCall(name, "primary")
	}
	return text, isErr
}

// detectionTools record their own primary or fallback path.
var detectionTools = map[string]bool{
	"analyze_email_threat":        true,
	"check_domain_reputation":     true,
	"scan_image_for_threats":      true,
	"map_to_mitre_attack":         true,
	"get_detection_engine_status": true,
}

func (r *ToolRegistry) call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	switch name {
	case "analyze_email_threat":
		return r.analyzeEmail(ctx, args)
	case "check_domain_reputation":
		return r.checkDomain(ctx, args)
	case "scan_image_for_threats":
		return r.scanImage(ctx, args)
	case "map_to_mitre_attack":
		return r.mapToMITRE(ctx, args)
	case "get_detection_engine_status":
		return ok(r.detect.EngineStatus(ctx))
	case "subscribe_to_threat_feed":
		return r.subscribe(ctx, args)
	case "unsubscribe_from_threat_feed":
		return r.unsubscribe(args)
	case "get_threat_feed_status":
		return r.feedStatus(args)
	case "update_detection_rules":
		return r.updateRules(ctx, args)
	case "get_rule_update_history":
		return r.ruleHistory(ctx, args)
	default:
		return failf("unknown tool: %q", name)
	}
}

// ── detection tools ─────────────────────────────────────────────────────────

func (r *ToolRegistry) analyzeEmail(ctx context.Context, args json.RawMessage) (string, bool) {
	var in threat.EmailInput
	if err := json.Unmarshal(args, &in); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if in.Subject == "" && in.Body == "" && in.RawContent == "" {
		return fail("subject, body or raw_content is required")
	}
	return ok(r.detect.AnalyzeEmail(ctx, in))
}

func (r *ToolRegistry) checkDomain(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(args, &in); err != nil || strings.TrimSpace(in.Domain) == "" {
		return fail("domain is required")
	}
	return ok(r.detect.CheckDomain(ctx, in.Domain))
}

func (r *ToolRegistry) scanImage(ctx context.Context, args json.RawMessage) (string, bool) {
	var in threat.ImageInput
	if err := json.Unmarshal(args, &in); err != nil || (in.ImageURL == "" && in.ImageBase64 == "") {
		return fail("image_url or image_base64 is required")
	}
	return ok(r.detect.ScanImage(ctx, in))
}

func (r *ToolRegistry) mapToMITRE(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		EventDescription string `json:"event_description"`
		EventText        string `json:"event_text"`
	}
	_ = json.Unmarshal(args, &in)
	text := in.EventDescription
	if text == "" {
		text = in.EventText
	}
	if strings.TrimSpace(text) == "" {
		return fail("event_description is required")
	}
	return ok(r.detect.MapToMITRE(ctx, text))
}

// ── feed tools ──────────────────────────────────────────────────────────────

func (r *ToolRegistry) subscribe(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		FeedName         string   `json:"feed_name"`
		FeedType         string   `json:"feed_type"`
		MCPServerURL     string   `json:"mcp_server_url"`
		MCPServerCommand string   `json:"mcp_server_command"`
		MCPServerArgs    []string `json:"mcp_server_args"`
		IntervalMinutes  *int     `json:"update_interval_minutes"`
		Enabled          *bool    `json:"enabled"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if in.FeedName == "" || in.FeedType == "" {
		return fail("feed_name and feed_type are required")
	}

	kind, err := feeds.ParseKind(in.FeedType)
	if err != nil {
		return fail(err.Error())
	}
	feed := feeds.ThreatFeed{
		Name:         in.FeedName,
		Kind:         kind,
		Enabled:      in.Enabled == nil || *in.Enabled,
		PollInterval: feeds.DefaultPollInterval,
		Source: feeds.SourceSpec{
			Command: in.MCPServerCommand,
			Args:    in.MCPServerArgs,
			URL:     in.MCPServerURL,
		},
	}
	if in.IntervalMinutes != nil && *in.IntervalMinutes > 0 {
		feed.PollInterval = time.Duration(*in.IntervalMinutes) * time.Minute
	}

	id, err := r.feeds.Subscribe(ctx, feed, r.onUpdate)
	var connErr *feeds.ConnectionError
	switch {
	case err == nil:
		return ok(map[string]any{
			"success":         true,
			"feed_name":       feed.Name,
			"subscription_id": id,
			"message":         fmt.Sprintf("Subscribed to %s feed %q", kind, feed.Name),
		})
	case errors.As(err, &connErr):
		return ok(map[string]any{
			"success":         true,
			"feed_name":       feed.Name,
			"subscription_id": id,
			"message":         fmt.Sprintf("Subscribed to %q, but its source is not reachable yet; it will be retried on each poll", feed.Name),
			"warning":         connErr.Error(),
		})
	default:
		var kindErr *feeds.InvalidFeedKindError
		if errors.As(err, &kindErr) {
			return fail(err.Error())
		}
		return ok(map[string]any{
			"success":   false,
			"feed_name": feed.Name,
			"message":   err.Error(),
		})
	}
}

func (r *ToolRegistry) unsubscribe(args json.RawMessage) (string, bool) {
	var in struct {
		FeedName string `json:"feed_name"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.FeedName == "" {
		return fail("feed_name is required")
	}
	existed := r.feeds.Unsubscribe(in.FeedName)
	msg := fmt.Sprintf("Unsubscribed from %q", in.FeedName)
	if !existed {
		msg = fmt.Sprintf("No subscription named %q; nothing to do", in.FeedName)
	}
	return ok(map[string]any{
		"success":        true,
		"feed_name":      in.FeedName,
		"was_subscribed": existed,
		"message":        msg,
	})
}

func (r *ToolRegistry) feedStatus(args json.RawMessage) (string, bool) {
	var in struct {
		FeedName string `json:"feed_name"`
	}
	_ = json.Unmarshal(args, &in)

	var list []feeds.Status
	if in.FeedName != "" {
		st, found := r.feeds.Status(in.FeedName)
		if !found {
			return ok(map[string]any{
				"feeds":        []feeds.Status{},
				"total_feeds":  0,
				"active_feeds": 0,
				"message":      fmt.Sprintf("No subscription named %q", in.FeedName),
			})
		}
		list = []feeds.Status{st}
	} else {
		list = r.feeds.StatusAll()
	}

	active := 0
	for _, st := range list {
		if st.Status == feeds.StateActive {
			active++
		}
	}
	return ok(map[string]any{
		"feeds":        list,
		"total_feeds":  len(list),
		"active_feeds": active,
	})
}

// ── rule tools ──────────────────────────────────────────────────────────────

func (r *ToolRegistry) updateRules(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		RuleType    string `json:"rule_type"`
		Rules       []any  `json:"rules"`
		Source      string `json:"source"`
		ForceUpdate bool   `json:"force_update"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if in.RuleType == "" || in.Rules == nil || in.Source == "" {
		return fail("rule_type, rules and source are required")
	}
	kind, valid := gateway.ParseRuleKind(in.RuleType)
	if !valid {
		return failf("invalid rule_type %q: must be one of yara, signature, pattern, ioc", in.RuleType)
	}

	n, err := r.rules.ApplyRules(ctx, kind, in.Rules, in.Source, in.ForceUpdate)
	if err != nil {
		r.logger.Warn("rule update failed", zap.String("rule_type", in.RuleType), zap.Error(err))
		return ok(map[string]any{
			"success":       false,
			"rule_type":     in.RuleType,
			"rules_updated": 0,
			"message":       err.Error(),
		})
	}
	return ok(map[string]any{
		"success":       true,
		"rule_type":     in.RuleType,
		"rules_updated": n,
		"message":       fmt.Sprintf("Applied %d %s rule(s) from %s", n, in.RuleType, in.Source),
	})
}

func (r *ToolRegistry) ruleHistory(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Limit <= 0 {
		in.Limit = defaultHistoryLimit
	}
	if in.Limit > maxHistoryLimit {
		in.Limit = maxHistoryLimit
	}

	entries, err := r.ledger.Recent(ctx, in.Limit)
	if err != nil {
		return ok(map[string]any{"success": false, "message": err.Error()})
	}
	total, _ := r.ledger.Len(ctx)
	root, _ := r.ledger.Root(ctx)
	verifyErr := r.ledger.Verify(ctx)

	out := map[string]any{
		"success":       true,
		"entries":       entries,
		"total_entries": max(total-1, 0),
		"root":          root,
		"chain_valid":   verifyErr == nil,
	}
	if verifyErr != nil {
		out["chain_error"] = verifyErr.Error()
	}
	return ok(out)
}
