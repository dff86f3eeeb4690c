package feeds

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/ilminate-mcp/internal/rules"
)

// UpdateType classifies a normalized update.
type UpdateType = rules.UpdateType

const (
	UpdateNewIndicator     = rules.UpdateNewIndicator
	UpdateUpdatedIndicator = rules.UpdateUpdatedIndicator
	UpdateExpiredIndicator = rules.UpdateExpiredIndicator
	UpdateYARARule         = rules.UpdateYARARule
	UpdateSignature        = rules.UpdateSignature
)

// ThreatFeedUpdate is one normalized unit of change from a feed.
type ThreatFeedUpdate struct {
	FeedName   string     `json:"feed_name"`
	UpdateType UpdateType `json:"update_type"`
	Payload    any        `json:"payload"`
	Timestamp  time.Time  `json:"timestamp"`

	// stamped is set when Timestamp came from the source rather than the
	// receipt time.
	stamped bool
}

// digest identifies one source event by type, payload and source timestamp,
// so the same event returned by overlapping windows hashes equal while a
// later event with the same content does not. The second result is false for
// updates without a source timestamp, which cannot be told apart from new
// events and are never suppressed.
func (u ThreatFeedUpdate) digest() (string, bool) {
	h := sha256.New()
	h.Write([]byte(u.UpdateType))
	h.Write([]byte{0})
	h.Write([]byte(u.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	b, err := json.Marshal(u.Payload)
	if err != nil {
		b = []byte(fmt.Sprint(u.Payload))
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), u.stamped
}

var (
	typeKeys      = []string{"update_type", "type", "action"}
	payloadKeys   = []string{"payload", "data", "indicator", "rule", "signature"}
	timestampKeys = []string{"timestamp", "updated_at", "created_at", "time"}
)

// typeAliases maps the vocabulary seen across feed servers onto update
// types. Unknown values pass through unchanged and are dropped by the
// dispatcher.
var typeAliases = map[string]UpdateType{
	"new-indicator":     UpdateNewIndicator,
	"indicator":         UpdateNewIndicator,
	"ioc":               UpdateNewIndicator,
	"add":               UpdateNewIndicator,
	"added":             UpdateNewIndicator,
	"new":               UpdateNewIndicator,
	"create":            UpdateNewIndicator,
	"created":           UpdateNewIndicator,
	"updated-indicator": UpdateUpdatedIndicator,
	"update":            UpdateUpdatedIndicator,
	"updated":           UpdateUpdatedIndicator,
	"modify":            UpdateUpdatedIndicator,
	"modified":          UpdateUpdatedIndicator,
	"expired-indicator": UpdateExpiredIndicator,
	"expire":            UpdateExpiredIndicator,
	"expired":           UpdateExpiredIndicator,
	"remove":            UpdateExpiredIndicator,
	"removed":           UpdateExpiredIndicator,
	"delete":            UpdateExpiredIndicator,
	"deleted":           UpdateExpiredIndicator,
	"yara-rule":         UpdateYARARule,
	"yara":              UpdateYARARule,
	"signature":         UpdateSignature,
}

// normalizeUpdates converts raw source items, in order, into updates for
// feed. Items without a timestamp are stamped with receivedAt.
func normalizeUpdates(feed ThreatFeed, items []any, receivedAt time.Time) []ThreatFeedUpdate {
	out := make([]ThreatFeedUpdate, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, normalizeUpdate(feed, item, receivedAt))
	}
	return out
}

func normalizeUpdate(feed ThreatFeed, item any, receivedAt time.Time) ThreatFeedUpdate {
	u := ThreatFeedUpdate{
		FeedName:   feed.Name,
		UpdateType: kinds[feed.Kind].defaultType,
		Timestamp:  receivedAt.UTC(),
	}

	obj, ok := item.(map[string]any)
	if !ok {
		u.Payload = scalarPayload(feed.Kind, item)
		return u
	}

	consumed := map[string]bool{}
	if k, v, ok := firstKey(obj, typeKeys); ok {
		if s, ok := v.(string); ok && s != "" {
			u.UpdateType = parseUpdateType(s)
			consumed[k] = true
		}
	}
	if k, v, ok := firstKey(obj, timestampKeys); ok {
		if ts, ok := parseTimestamp(v); ok {
			u.Timestamp = ts
			u.stamped = true
		}
		consumed[k] = true
	}
	if k, v, ok := firstKey(obj, payloadKeys); ok {
		u.Payload = v
		consumed[k] = true
	} else {
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			if !consumed[k] {
				rest[k] = v
			}
		}
		u.Payload = rest
	}
	if s, ok := u.Payload.(string); ok {
		u.Payload = scalarPayload(feed.Kind, s)
	}
	return u
}

func parseUpdateType(s string) UpdateType {
	key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", "-")))
	if t, ok := typeAliases[key]; ok {
		return t
	}
	return UpdateType(key)
}

// scalarPayload wraps bare indicator values so the backend knows what kind
// of indicator it received. Rule and signature text passes through.
func scalarPayload(kind Kind, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch kind {
	case KindIndicator, KindDomain, KindIP, KindURL:
		return map[string]any{"indicator": s, "indicator_type": string(kind)}
	default:
		return s
	}
}

func firstKey(obj map[string]any, keys []string) (string, any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return k, v, true
		}
	}
	return "", nil, false
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), true
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return unixTime(n), true
		}
	case float64:
		return unixTime(t), true
	case json.Number:
		if n, err := t.Float64(); err == nil {
			return unixTime(n), true
		}
	}
	return time.Time{}, false
}

func unixTime(n float64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
