// Package rules routes classified feed updates and tool-supplied rule sets
// to the detection backend's rule-update endpoints.
package rules

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/ilminate-mcp/internal/gateway"
	"github.com/jmerrifield20/ilminate-mcp/internal/metrics"
	"github.com/jmerrifield20/ilminate-mcp/internal/ruleledger"
	"go.uber.org/zap"
)

// UpdateType classifies a normalized feed update.
type UpdateType string

const (
	UpdateNewIndicator     UpdateType = "new-indicator"
	UpdateUpdatedIndicator UpdateType = "updated-indicator"
	UpdateExpiredIndicator UpdateType = "expired-indicator"
	UpdateYARARule         UpdateType = "yara-rule"
	UpdateSignature        UpdateType = "signature"
)

// updateRoutes lists the update types the dispatcher applies. Types missing
// here, expired-indicator included, are dropped without error.
var updateRoutes = map[UpdateType]gateway.RuleKind{
	UpdateYARARule:         gateway.RuleKindYARA,
	UpdateNewIndicator:     gateway.RuleKindIOC,
	UpdateUpdatedIndicator: gateway.RuleKindIOC,
	UpdateSignature:        gateway.RuleKindSignature,
}

// Updater is the subset of the gateway the dispatcher needs.
type Updater interface {
	UpdateRules(ctx context.Context, kind gateway.RuleKind, rules []any, source string, force bool) (int, error)
}

// Dispatcher applies rule updates to the backend and records each applied
// batch in the rule ledger.
type Dispatcher struct {
	backend Updater
	ledger  ruleledger.Ledger
	logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher. ledger may be nil.
func NewDispatcher(backend Updater, ledger ruleledger.Ledger, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{backend: backend, ledger: ledger, logger: logger}
}

// Dispatch applies one feed update and returns the number of rules the
// backend applied. An update type with no route returns 0 and no error.
func (d *Dispatcher) Dispatch(ctx context.Context, updateType UpdateType, payload any, source string) (int, error) {
	kind, ok := updateRoutes[updateType]
	if !ok {
		d.logger.Info("dropping update with no rule route",
			zap.String("update_type", string(updateType)),
			zap.String("source", source),
		)
		return 0, nil
	}
	return d.apply(ctx, kind, asRules(payload), source, false, ruleledger.OriginFeed)
}

// ApplyRules pushes a caller-supplied rule set of the given kind.
func (d *Dispatcher) ApplyRules(ctx context.Context, kind gateway.RuleKind, rules []any, source string, force bool) (int, error) {
	if _, ok := gateway.ParseRuleKind(string(kind)); !ok {
		return 0, fmt.Errorf("unsupported rule type %q", kind)
	}
	return d.apply(ctx, kind, rules, source, force, ruleledger.OriginTool)
}

func (d *Dispatcher) apply(ctx context.Context, kind gateway.RuleKind, rules []any, source string, force bool, origin string) (int, error) {
	n, err := d.backend.UpdateRules(ctx, kind, rules, source, force)
	if err != nil {
		return 0, fmt.Errorf("apply %s rules from %s: %w", kind, source, err)
	}
	metrics.RecordRulesApplied(string(kind), n)

	if d.ledger != nil {
		rec := ruleledger.Record{Source: source, Origin: origin, RuleKind: string(kind), Count: n}
		if _, err := d.ledger.Append(ctx, rec, rules); err != nil {
			d.logger.Warn("rule ledger append failed",
				zap.String("source", source),
				zap.String("rule_kind", string(kind)),
				zap.Error(err),
			)
		}
	}
	return n, nil
}

// asRules treats a list payload as a batch and anything else as one rule.
func asRules(payload any) []any {
	switch p := payload.(type) {
	case nil:
		return []any{}
	case []any:
		return p
	case []map[string]any:
		out := make([]any, len(p))
		for i, r := range p {
			out[i] = r
		}
		return out
	default:
		return []any{p}
	}
}
