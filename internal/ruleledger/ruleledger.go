// Package ruleledger records every detection rule update pushed to the
// backend in an append-only hash chain.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every later entry records the hash of its
// predecessor and the SHA-256 of the rules it carried, so an operator can
// answer "which feed pushed what, and when" and detect tampering via Verify.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, the default when no database is configured.
//   - PostgresLedger: durable, backed by the rule_ledger table.
package ruleledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the hash of the genesis entry and the anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Origins of a rule update.
const (
	OriginFeed   = "feed"
	OriginTool   = "tool"
	OriginSystem = "system"
)

// Record describes a rule update before it is chained.
type Record struct {
	Source   string // feed name or caller-supplied source
	Origin   string // OriginFeed or OriginTool
	RuleKind string // yara, signature, ioc, pattern
	Count    int    // rules the backend reported as applied
}

// Entry is a single chained rule update.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Origin    string    `json:"origin"`
	RuleKind  string    `json:"rule_kind"`
	Count     int       `json:"count"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Ledger is implemented by MemoryLedger and PostgresLedger.
type Ledger interface {
	// Append chains a new entry. payload is JSON-marshalled and its SHA-256
	// is stored as DataHash; the payload itself is not kept.
	Append(ctx context.Context, rec Record, payload any) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and returns nil if every hash is consistent.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)

	// Recent returns up to n of the newest entries, newest first. The
	// genesis entry is never included.
	Recent(ctx context.Context, n int) ([]*Entry, error)
}

func genesisEntry() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: now(),
		Origin:    OriginSystem,
		Source:    "ilminate-mcp",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// hashEntry must never be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%d|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Source, e.Origin, e.RuleKind, e.Count, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyLink checks curr against its predecessor. A nil prev means curr is
// the genesis entry.
func verifyLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}

// now is truncated to microseconds, the precision PostgreSQL stores, so a
// hash computed at append time matches the one recomputed by Verify.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
