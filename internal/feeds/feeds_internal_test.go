package feeds

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseKind_capabilityTable(t *testing.T) {
	want := map[string]string{
		"indicator": "get_indicator_updates",
		"yara-rule": "get_yara_rule_updates",
		"domain":    "get_domain_updates",
		"ip":        "get_ip_updates",
		"url":       "get_url_updates",
		"signature": "get_signature_updates",
	}
	for name, capability := range want {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", name, err)
		}
		if got := k.Capability(); got != capability {
			t.Errorf("%s capability: got %q, want %q", name, got, capability)
		}
	}
	if len(KindNames()) != len(want) {
		t.Errorf("expected %d kinds, got %v", len(want), KindNames())
	}

	_, err := ParseKind("yara_rule")
	var kindErr *InvalidFeedKindError
	if !errors.As(err, &kindErr) {
		t.Errorf("expected InvalidFeedKindError, got %v", err)
	}
}

func TestNormalizeInterval(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, DefaultPollInterval},
		{-time.Minute, DefaultPollInterval},
		{10 * time.Second, time.Minute},
		{90 * time.Second, 2 * time.Minute},
		{15 * time.Minute, 15 * time.Minute},
	}
	for _, tc := range cases {
		if got := normalizeInterval(tc.in, DefaultPollInterval, MinPollInterval); got != tc.want {
			t.Errorf("normalizeInterval(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if got := normalizeInterval(25*time.Millisecond, DefaultPollInterval, 10*time.Millisecond); got != 30*time.Millisecond {
		t.Errorf("finer unit: got %v, want 30ms", got)
	}
}

func TestNormalizeUpdates(t *testing.T) {
	received := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)
	feed := ThreatFeed{Name: "iocs", Kind: KindDomain}

	items := []any{
		map[string]any{"type": "updated_indicator", "data": map[string]any{"domain": "a.example"}, "timestamp": "2025-10-01T08:00:00Z"},
		map[string]any{"action": "remove", "indicator": "b.example", "updated_at": float64(1759305600)},
		map[string]any{"domain": "c.example", "created_at": float64(1759305600000)},
		"d.example",
		nil,
	}
	got := normalizeUpdates(feed, items, received)
	if len(got) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(got))
	}

	if got[0].UpdateType != UpdateUpdatedIndicator {
		t.Errorf("update 0 type: got %q", got[0].UpdateType)
	}
	if !got[0].Timestamp.Equal(time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("update 0 timestamp: got %v", got[0].Timestamp)
	}

	if got[1].UpdateType != UpdateExpiredIndicator {
		t.Errorf("update 1 type: got %q", got[1].UpdateType)
	}
	if p, ok := got[1].Payload.(map[string]any); !ok || p["indicator"] != "b.example" || p["indicator_type"] != "domain" {
		t.Errorf("update 1 payload: got %#v", got[1].Payload)
	}
	if got[1].Timestamp.Unix() != 1759305600 {
		t.Errorf("update 1 unix timestamp: got %v", got[1].Timestamp)
	}

	if got[2].UpdateType != UpdateNewIndicator {
		t.Errorf("update 2 should default from kind, got %q", got[2].UpdateType)
	}
	if p, ok := got[2].Payload.(map[string]any); !ok || p["domain"] != "c.example" {
		t.Errorf("update 2 payload should be the remaining fields, got %#v", got[2].Payload)
	}
	if got[2].Timestamp.Unix() != 1759305600 {
		t.Errorf("update 2 millisecond timestamp: got %v", got[2].Timestamp)
	}

	if !got[3].Timestamp.Equal(received) {
		t.Errorf("missing timestamp should default to receipt time, got %v", got[3].Timestamp)
	}
	for _, u := range got {
		if u.FeedName != "iocs" {
			t.Errorf("feed name: got %q", u.FeedName)
		}
	}
}

func TestNormalizeUpdate_unknownTypePassesThrough(t *testing.T) {
	u := normalizeUpdate(ThreatFeed{Name: "f", Kind: KindIndicator}, map[string]any{"type": "Quantum_Indicator", "payload": 1}, time.Now())
	if u.UpdateType != "quantum-indicator" {
		t.Errorf("got %q", u.UpdateType)
	}
}

func TestDigest_identifiesSourceEvent(t *testing.T) {
	feed := ThreatFeed{Name: "f", Kind: KindYARARule}
	at := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	item := func(typ string, ts time.Time) map[string]any {
		return map[string]any{"type": typ, "rule": map[string]any{"name": "x"}, "timestamp": ts.Format(time.RFC3339)}
	}

	a, aok := normalizeUpdate(feed, item("yara-rule", at), time.Now()).digest()
	b, bok := normalizeUpdate(feed, item("yara-rule", at), time.Now().Add(time.Hour)).digest()
	if !aok || !bok {
		t.Fatal("updates with a source timestamp should be deduplicable")
	}
	if a != b {
		t.Error("the same event replayed should share a digest")
	}

	later, _ := normalizeUpdate(feed, item("yara-rule", at.Add(time.Minute)), time.Now()).digest()
	if a == later {
		t.Error("a later event with the same content must not share a digest")
	}
	sig, _ := normalizeUpdate(feed, item("signature", at), time.Now()).digest()
	if a == sig {
		t.Error("update type should be part of the digest")
	}

	if _, ok := normalizeUpdate(feed, "rule x { condition: true }", time.Now()).digest(); ok {
		t.Error("updates stamped with the receipt time must never be suppressed")
	}
}

func TestSeenSet_boundedAndExact(t *testing.T) {
	s := newSeenSet(4)
	for i := 0; i < 10; i++ {
		s.Add(fmt.Sprintf("d%d", i))
	}
	if s.Len() != 4 {
		t.Errorf("expected 4 remembered digests, got %d", s.Len())
	}
	for i := 0; i < 6; i++ {
		if s.Contains(fmt.Sprintf("d%d", i)) {
			t.Errorf("d%d should have been evicted", i)
		}
	}
	for i := 6; i < 10; i++ {
		if !s.Contains(fmt.Sprintf("d%d", i)) {
			t.Errorf("d%d should be remembered", i)
		}
	}
}

func TestDecodeItems(t *testing.T) {
	cases := map[string]int{
		``:                        0,
		`[]`:                      0,
		`[{"a":1},{"b":2}]`:       2,
		`{"updates":[{"a":1}]}`:   1,
		`{"rules":["x","y","z"]}`: 3,
		`{"name":"single"}`:       1,
		`null`:                    0,
	}
	for in, want := range cases {
		got, err := decodeItems(in)
		if err != nil {
			t.Errorf("decodeItems(%q): %v", in, err)
			continue
		}
		if len(got) != want {
			t.Errorf("decodeItems(%q): got %d items, want %d", in, len(got), want)
		}
	}
	if _, err := decodeItems(`not json`); err == nil {
		t.Error("expected error for non-JSON text")
	}
	if _, err := decodeItems(`42`); err == nil {
		t.Error("expected error for scalar JSON")
	}
}
