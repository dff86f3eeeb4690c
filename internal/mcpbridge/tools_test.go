package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/detection"
	"github.com/jmerrifield20/ilminate-mcp/internal/feeds"
	"github.com/jmerrifield20/ilminate-mcp/internal/gateway"
	"github.com/jmerrifield20/ilminate-mcp/internal/ruleledger"
	"github.com/jmerrifield20/ilminate-mcp/internal/threat"
)

type fakeFeeds struct {
	subscribed []feeds.ThreatFeed
	callbacks  []feeds.UpdateCallback
	subErr     error
	statuses   map[string]feeds.Status
}

func (f *fakeFeeds) Subscribe(_ context.Context, feed feeds.ThreatFeed, cb feeds.UpdateCallback) (string, error) {
	f.subscribed = append(f.subscribed, feed)
	f.callbacks = append(f.callbacks, cb)
	return "sub-1", f.subErr
}

func (f *fakeFeeds) Unsubscribe(name string) bool {
	_, ok := f.statuses[name]
	delete(f.statuses, name)
	return ok
}

func (f *fakeFeeds) Status(name string) (feeds.Status, bool) {
	st, ok := f.statuses[name]
	return st, ok
}

func (f *fakeFeeds) StatusAll() []feeds.Status {
	out := []feeds.Status{}
	for _, st := range f.statuses {
		out = append(out, st)
	}
	return out
}

type fakeRules struct {
	kind  gateway.RuleKind
	rules []any
	err   error
}

func (f *fakeRules) ApplyRules(_ context.Context, kind gateway.RuleKind, rules []any, _ string, _ bool) (int, error) {
	f.kind, f.rules = kind, rules
	if f.err != nil {
		return 0, f.err
	}
	return len(rules), nil
}

func newRegistry(t *testing.T) (*ToolRegistry, *fakeFeeds, *fakeRules, ruleledger.Ledger) {
	t.Helper()
	// Nothing listens on port 1, so every detection tool takes the fallback.
	gw := gateway.New(gateway.Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, zap.NewNop())
	ff := &fakeFeeds{statuses: map[string]feeds.Status{}}
	fr := &fakeRules{}
	ledger := ruleledger.NewMemory()
	return NewToolRegistry(detection.New(gw, zap.NewNop()), ff, fr, ledger, zap.NewNop()), ff, fr, ledger
}

func call(t *testing.T, r *ToolRegistry, name string, args any) (map[string]any, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	text, isErr := r.Call(context.Background(), name, raw)
	if isErr {
		return map[string]any{"error": text}, true
	}
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(text), &out), text)
	return out, false
}

func TestDefinitions_coverEveryTool(t *testing.T) {
	r, _, _, _ := newRegistry(t)
	names := map[string]bool{}
	for _, d := range r.Definitions() {
		names[d.Name] = true
		assert.Equal(t, "object", d.InputSchema["type"], d.Name)
	}
	for _, want := range []string{
		"analyze_email_threat", "check_domain_reputation", "scan_image_for_threats",
		"map_to_mitre_attack", "get_detection_engine_status", "subscribe_to_threat_feed",
		"unsubscribe_from_threat_feed", "get_threat_feed_status", "update_detection_rules",
		"get_rule_update_history",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestCall_unknownTool(t *testing.T) {
	r, _, _, _ := newRegistry(t)
	out, isErr := call(t, r, "nope", map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, out["error"], "unknown tool")
}

func TestCall_missingArguments(t *testing.T) {
	r, _, _, _ := newRegistry(t)
	for _, name := range []string{
		"analyze_email_threat", "check_domain_reputation", "scan_image_for_threats",
		"map_to_mitre_attack", "subscribe_to_threat_feed", "unsubscribe_from_threat_feed",
		"update_detection_rules",
	} {
		_, isErr := call(t, r, name, map[string]any{})
		assert.True(t, isErr, name)
	}
}

func TestCall_detectionFallsBackWhenBackendDown(t *testing.T) {
	r, _, _, _ := newRegistry(t)

	v, isErr := call(t, r, "analyze_email_threat", map[string]any{
		"sender": "security@paypal-verify.com", "subject": "URGENT", "body": "verify your password",
	})
	require.False(t, isErr)
	assert.Equal(t, true, v["degraded"])
	assert.Equal(t, threat.SourceHeuristics, v["source"])

	rep, isErr := call(t, r, "check_domain_reputation", map[string]any{"domain": "bit.ly/x"})
	require.False(t, isErr)
	assert.Equal(t, "bit.ly", rep["domain"])
	assert.Equal(t, true, rep["degraded"])

	st, isErr := call(t, r, "get_detection_engine_status", map[string]any{})
	require.False(t, isErr)
	assert.Equal(t, false, st["available"])
}

func TestCall_mitreAcceptsEventText(t *testing.T) {
	r, _, _, _ := newRegistry(t)
	m, isErr := call(t, r, "map_to_mitre_attack", map[string]any{"event_text": "user opened a phishing attachment"})
	require.False(t, isErr)
	assert.NotNil(t, m["primary_technique"])
}

func TestSubscribe_defaultsAndSuccess(t *testing.T) {
	r, ff, _, _ := newRegistry(t)
	out, isErr := call(t, r, "subscribe_to_threat_feed", map[string]any{
		"feed_name": "abuse-ch", "feed_type": "ip", "mcp_server_url": "http://feeds.example/mcp",
	})
	require.False(t, isErr)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "sub-1", out["subscription_id"])

	require.Len(t, ff.subscribed, 1)
	feed := ff.subscribed[0]
	assert.Equal(t, feeds.KindIP, feed.Kind)
	assert.True(t, feed.Enabled)
	assert.Equal(t, 60*time.Minute, feed.PollInterval)
	assert.Equal(t, "http://feeds.example/mcp", feed.Source.URL)
}

func TestSubscribe_attachesUpdateCallback(t *testing.T) {
	r, ff, _, _ := newRegistry(t)
	called := false
	r.SetUpdateCallback(func(context.Context, feeds.ThreatFeedUpdate) error {
		called = true
		return nil
	})
	_, isErr := call(t, r, "subscribe_to_threat_feed", map[string]any{"feed_name": "y", "feed_type": "url"})
	require.False(t, isErr)
	require.Len(t, ff.callbacks, 1)
	require.NotNil(t, ff.callbacks[0])
	require.NoError(t, ff.callbacks[0](context.Background(), feeds.ThreatFeedUpdate{}))
	assert.True(t, called)
}

func TestSubscribe_connectionErrorStillSubscribes(t *testing.T) {
	r, ff, _, _ := newRegistry(t)
	ff.subErr = &feeds.ConnectionError{Feed: "x", Err: errors.New("refused")}
	out, isErr := call(t, r, "subscribe_to_threat_feed", map[string]any{
		"feed_name": "x", "feed_type": "domain", "mcp_server_command": "feedsrv",
		"update_interval_minutes": 5, "enabled": false,
	})
	require.False(t, isErr)
	assert.Equal(t, true, out["success"])
	assert.Contains(t, out["warning"], "refused")
	assert.False(t, ff.subscribed[0].Enabled)
	assert.Equal(t, 5*time.Minute, ff.subscribed[0].PollInterval)
}

func TestSubscribe_invalidFeedType(t *testing.T) {
	r, ff, _, _ := newRegistry(t)
	_, isErr := call(t, r, "subscribe_to_threat_feed", map[string]any{"feed_name": "x", "feed_type": "weather"})
	assert.True(t, isErr)
	assert.Empty(t, ff.subscribed)
}

func TestUnsubscribe_alwaysSucceeds(t *testing.T) {
	r, ff, _, _ := newRegistry(t)
	ff.statuses["known"] = feeds.Status{FeedName: "known", Status: feeds.StateActive}

	out, _ := call(t, r, "unsubscribe_from_threat_feed", map[string]any{"feed_name": "known"})
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["was_subscribed"])

	out, _ = call(t, r, "unsubscribe_from_threat_feed", map[string]any{"feed_name": "unknown"})
	assert.Equal(t, true, out["success"])
	assert.Equal(t, false, out["was_subscribed"])
}

func TestFeedStatus_countsActive(t *testing.T) {
	r, ff, _, _ := newRegistry(t)
	ff.statuses["a"] = feeds.Status{FeedName: "a", Status: feeds.StateActive}
	ff.statuses["b"] = feeds.Status{FeedName: "b", Status: feeds.StateInactive}

	out, _ := call(t, r, "get_threat_feed_status", map[string]any{})
	assert.EqualValues(t, 2, out["total_feeds"])
	assert.EqualValues(t, 1, out["active_feeds"])

	out, _ = call(t, r, "get_threat_feed_status", map[string]any{"feed_name": "b"})
	assert.EqualValues(t, 1, out["total_feeds"])
	assert.EqualValues(t, 0, out["active_feeds"])

	out, _ = call(t, r, "get_threat_feed_status", map[string]any{"feed_name": "zzz"})
	assert.EqualValues(t, 0, out["total_feeds"])
	assert.Contains(t, out["message"], "zzz")
}

func TestUpdateRules(t *testing.T) {
	r, _, fr, _ := newRegistry(t)
	out, isErr := call(t, r, "update_detection_rules", map[string]any{
		"rule_type": "yara", "rules": []any{map[string]any{"name": "r1", "rule": "rule r1 {}"}}, "source": "analyst",
	})
	require.False(t, isErr)
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 1, out["rules_updated"])
	assert.Equal(t, gateway.RuleKindYARA, fr.kind)

	_, isErr = call(t, r, "update_detection_rules", map[string]any{
		"rule_type": "snort", "rules": []any{}, "source": "analyst",
	})
	assert.True(t, isErr)

	fr.err = &gateway.BackendError{Status: 503, Body: "down"}
	out, isErr = call(t, r, "update_detection_rules", map[string]any{
		"rule_type": "ioc", "rules": []any{"1.2.3.4"}, "source": "analyst",
	})
	require.False(t, isErr)
	assert.Equal(t, false, out["success"])
	assert.EqualValues(t, 0, out["rules_updated"])
}

func TestRuleHistory(t *testing.T) {
	r, _, _, ledger := newRegistry(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ledger.Append(ctx, ruleledger.Record{Source: "feed-a", Origin: ruleledger.OriginFeed, RuleKind: "ioc", Count: i + 1}, []byte{byte(i)})
		require.NoError(t, err)
	}

	out, isErr := call(t, r, "get_rule_update_history", map[string]any{"limit": 2})
	require.False(t, isErr)
	assert.Equal(t, true, out["chain_valid"])
	assert.EqualValues(t, 3, out["total_entries"])
	entries, ok := out["entries"].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 2)
}
