// Package memory implements a persistent, hybrid memory engine for
// conversational AI agents. Facts are stored in a SQLite-backed relational
// store with full-text search, mirrored into a vector index for semantic
// recall, and written through a crash-safe write-ahead log. The caller
// supplies an Embedder and, optionally, a Generator for reclassification
// and reflection; the engine owns everything else: dedup, supersession,
// decay, tiering, and a background maintenance scheduler.
package memory

import (
	"strings"
	"time"
)

// Category classifies the kind of assertion a fact represents. The set is
// extensible: the type is a plain string, and a caller-supplied
// CaptureOpts.Category is stored as given even if it is outside this list.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryFact       Category = "fact"
	CategoryDecision   Category = "decision"
	CategoryEntity     Category = "entity"
	CategoryPattern    Category = "pattern"
	CategoryRule       Category = "rule"
	CategoryProcedure  Category = "procedure"
	CategoryCredential Category = "credential"
	CategoryOther      Category = "other"
)

// DecayClass controls a fact's TTL and whether recall refreshes its expiry.
type DecayClass string

const (
	DecayPermanent  DecayClass = "permanent"
	DecayStable     DecayClass = "stable"
	DecayActive     DecayClass = "active"
	DecaySession    DecayClass = "session"
	DecayCheckpoint DecayClass = "checkpoint"
)

// TTL returns the time-to-live for a decay class. DecayPermanent has no TTL
// (callers must check for that case separately; TTL returns 0 for it).
func (d DecayClass) TTL() time.Duration {
	switch d {
	case DecayStable:
		return 90 * 24 * time.Hour
	case DecayActive:
		return 14 * 24 * time.Hour
	case DecaySession:
		return 24 * time.Hour
	case DecayCheckpoint:
		return 4 * time.Hour
	default: // DecayPermanent and anything unrecognized
		return 0
	}
}

// RefreshExtends reports whether recall-triggered refresh should extend
// this decay class's expiry. Only stable and active facts refresh on access.
func (d DecayClass) RefreshExtends() bool {
	return d == DecayStable || d == DecayActive
}

// Tier is the operational hotness of a fact.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Source identifies who or what produced a fact.
type Source string

const (
	SourceUser       Source = "user"
	SourceAgent      Source = "agent"
	SourceTool       Source = "tool"
	SourceImport     Source = "import"
	SourceReflection Source = "reflection"
)

// MinConfidence is the floor below which a fact is deleted rather than kept
// (invariant I5).
const MinConfidence = 0.1

// DefaultImportance is applied to facts that don't specify one.
const DefaultImportance = 0.5

// Fact is a durable assertion with provenance and lifecycle metadata. See
// spec.md §3.1 for the full semantics of each field.
type Fact struct {
	ID         string
	Text       string
	Entity     string
	Key        string
	Value      string
	Category   Category
	Tags       []string
	Importance float64
	Confidence float64
	DecayClass DecayClass

	CreatedAt       time.Time
	SourceDate      time.Time
	LastConfirmedAt time.Time
	ExpiresAt       *time.Time

	Tier Tier

	SupersededBy *string

	Source Source

	// Summary is an optional short form substituted for Text when a
	// recall's token budget would otherwise be exceeded.
	Summary string

	// Embedding is populated when the fact has a vector; the Fact Store
	// persists it in the facts table's embedding column.
	Embedding []float32
}

// NormalizeTags lowercases and de-duplicates tags, returning a new sorted-
// by-insertion, deduplicated slice.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// HasTag reports whether a fact carries the given tag (case-insensitive).
func (f *Fact) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Superseded reports whether this fact has been replaced by another.
func (f *Fact) Superseded() bool {
	return f.SupersededBy != nil
}

// ComputeExpiry derives expires_at from last_confirmed_at and the decay
// class's TTL (invariant I2). Permanent facts have no expiry (invariant I1).
func ComputeExpiry(decayClass DecayClass, lastConfirmedAt time.Time) *time.Time {
	if decayClass == DecayPermanent {
		return nil
	}
	t := lastConfirmedAt.Add(decayClass.TTL())
	return &t
}

// Expired reports whether the fact's expiry has passed as of now.
func (f *Fact) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}

// DecayThreshold returns the instant at which a fact crosses 75% of its TTL
// since last confirmation, the point at which the scheduler halves
// confidence. Permanent facts never cross this threshold.
func (f *Fact) DecayThreshold() (time.Time, bool) {
	if f.DecayClass == DecayPermanent || f.ExpiresAt == nil {
		return time.Time{}, false
	}
	total := f.ExpiresAt.Sub(f.LastConfirmedAt)
	return f.LastConfirmedAt.Add(time.Duration(float64(total) * 0.75)), true
}
