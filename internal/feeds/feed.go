// Package feeds implements the threat feed subscription manager.
//
// A Manager owns every live subscription. Each subscription polls its
// source on its own goroutine: the first poll runs as soon as the
// subscription is registered, later polls follow the feed's interval and
// never overlap. Polled items are normalized into ThreatFeedUpdate values,
// handed to the subscriber's callback and then applied to the detection
// backend through the rule dispatcher.
//
// Subscriptions live in memory only; a restart loses them.
package feeds

import (
	"slices"
	"time"
)

// Kind is the category of intelligence a feed publishes.
type Kind string

const (
	KindIndicator Kind = "indicator"
	KindYARARule  Kind = "yara-rule"
	KindDomain    Kind = "domain"
	KindIP        Kind = "ip"
	KindURL       Kind = "url"
	KindSignature Kind = "signature"
)

// kindSpec is the single table of supported feed kinds: the capability a
// protocol source is asked for, and the update type assumed for items that
// do not declare one.
type kindSpec struct {
	capability  string
	defaultType UpdateType
}

var kinds = map[Kind]kindSpec{
	KindIndicator: {"get_indicator_updates", UpdateNewIndicator},
	KindYARARule:  {"get_yara_rule_updates", UpdateYARARule},
	KindDomain:    {"get_domain_updates", UpdateNewIndicator},
	KindIP:        {"get_ip_updates", UpdateNewIndicator},
	KindURL:       {"get_url_updates", UpdateNewIndicator},
	KindSignature: {"get_signature_updates", UpdateSignature},
}

// ParseKind validates s as a feed kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kinds[k]; !ok {
		return "", &InvalidFeedKindError{Kind: s}
	}
	return k, nil
}

// KindNames returns the supported kinds in sorted order.
func KindNames() []string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	slices.Sort(names)
	return names
}

// Capability returns the protocol capability polled for this kind.
func (k Kind) Capability() string { return kinds[k].capability }

// SourceSpec locates a feed. Command takes precedence over URL.
type SourceSpec struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// IsZero reports whether no source is configured.
func (s SourceSpec) IsZero() bool { return s.Command == "" && s.URL == "" }

// Equal reports whether s and o locate the same source.
func (s SourceSpec) Equal(o SourceSpec) bool {
	return s.Command == o.Command && s.URL == o.URL && slices.Equal(s.Args, o.Args)
}

// DefaultPollInterval applies when a feed does not set one.
const DefaultPollInterval = 60 * time.Minute

// ThreatFeed is the configuration of one subscription.
type ThreatFeed struct {
	Name         string
	Kind         Kind
	Enabled      bool
	PollInterval time.Duration
	Source       SourceSpec
	LastUpdate   *time.Time
}

// MinPollInterval is the default poll interval granularity and floor.
const MinPollInterval = time.Minute

// normalizeInterval rounds d to whole multiples of unit, with unit as the
// floor. Zero or negative d means def.
func normalizeInterval(d, def, unit time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	d = d.Round(unit)
	if d < unit {
		d = unit
	}
	return d
}

// Subscription states reported by Status.
const (
	StateActive   = "active"
	StateInactive = "inactive"
)

// Status is a point-in-time view of one subscription.
type Status struct {
	FeedName              string     `json:"feed_name"`
	FeedType              Kind       `json:"feed_type"`
	SubscriptionID        string     `json:"subscription_id"`
	Enabled               bool       `json:"enabled"`
	Status                string     `json:"status"`
	UpdateIntervalMinutes int        `json:"update_interval_minutes"`
	LastUpdate            *time.Time `json:"last_update"`
	LastChecked           *time.Time `json:"last_checked"`
	NextCheck             *time.Time `json:"next_check"`
	Connected             bool       `json:"connected"`
	LastError             string     `json:"last_error,omitempty"`
	UpdatesApplied        int        `json:"updates_applied"`
	Source                SourceSpec `json:"source"`
}
