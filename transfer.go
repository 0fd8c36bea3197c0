package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExportData is the top-level structure for a memory store export.
type ExportData struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Facts      []ExportedFact `json:"facts"`
}

// ExportedFact mirrors Fact for serialization. Embeddings are deliberately
// excluded — they're model-specific binary blobs that don't transfer
// portably. Re-embed after import via Store.EmbedFacts.
type ExportedFact struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Entity     string     `json:"entity"`
	Key        string     `json:"key,omitempty"`
	Value      string     `json:"value,omitempty"`
	Category   Category   `json:"category"`
	Tags       []string   `json:"tags,omitempty"`
	Importance float64    `json:"importance"`
	Confidence float64    `json:"confidence"`
	DecayClass DecayClass `json:"decay_class"`

	CreatedAt       time.Time  `json:"created_at"`
	SourceDate      time.Time  `json:"source_date,omitempty"`
	LastConfirmedAt time.Time  `json:"last_confirmed_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`

	Tier Tier `json:"tier"`

	SupersededBy *string `json:"superseded_by,omitempty"`

	Source Source `json:"source"`

	Summary string `json:"summary,omitempty"`
}

func toExportedFact(f Fact) ExportedFact {
	return ExportedFact{
		ID: f.ID, Text: f.Text, Entity: f.Entity, Key: f.Key, Value: f.Value,
		Category: f.Category, Tags: f.Tags, Importance: f.Importance, Confidence: f.Confidence,
		DecayClass: f.DecayClass, CreatedAt: f.CreatedAt, SourceDate: f.SourceDate,
		LastConfirmedAt: f.LastConfirmedAt, ExpiresAt: f.ExpiresAt, Tier: f.Tier,
		SupersededBy: f.SupersededBy, Source: f.Source, Summary: f.Summary,
	}
}

func (ef ExportedFact) toFact() Fact {
	return Fact{
		ID: ef.ID, Text: ef.Text, Entity: ef.Entity, Key: ef.Key, Value: ef.Value,
		Category: ef.Category, Tags: ef.Tags, Importance: ef.Importance, Confidence: ef.Confidence,
		DecayClass: ef.DecayClass, CreatedAt: ef.CreatedAt, SourceDate: ef.SourceDate,
		LastConfirmedAt: ef.LastConfirmedAt, ExpiresAt: ef.ExpiresAt, Tier: ef.Tier,
		SupersededBy: ef.SupersededBy, Source: ef.Source, Summary: ef.Summary,
	}
}

// Export reads every fact (including superseded ones) from store and
// returns them as an ExportData value, ready for json.Marshal.
func Export(ctx context.Context, store Store) (*ExportData, error) {
	facts, err := store.List(ctx, QueryOpts{})
	if err != nil {
		return nil, fmt.Errorf("memory export: listing facts: %w", err)
	}

	data := &ExportData{Version: 1, ExportedAt: time.Now().UTC()}
	for _, f := range facts {
		data.Facts = append(data.Facts, toExportedFact(f))
	}
	return data, nil
}

// ImportOpts controls import behavior.
type ImportOpts struct {
	// SkipDuplicates skips facts whose (text, entity) pair already exists
	// in the target store.
	SkipDuplicates bool
}

// ImportResult summarizes an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []error
}

// Import inserts facts from an ExportData into store, preserving original
// IDs, timestamps, and supersession chains where the target schema allows
// it. Embeddings are not imported — call store.EmbedFacts after import to
// regenerate them.
func Import(ctx context.Context, store Store, data *ExportData, opts ImportOpts) (*ImportResult, error) {
	if data.Version != 1 {
		return nil, fmt.Errorf("memory import: unsupported export version %d", data.Version)
	}

	result := &ImportResult{}

	// First pass: insert every fact without its supersession link, since
	// SupersededBy may reference a fact not yet inserted.
	for _, ef := range data.Facts {
		if opts.SkipDuplicates {
			exists, err := store.Exists(ctx, ef.Text, ef.Entity)
			if err != nil {
				return nil, fmt.Errorf("memory import: checking duplicate: %w", err)
			}
			if exists {
				result.Skipped++
				continue
			}
		}

		f := ef.toFact()
		f.SupersededBy = nil
		if _, err := store.Insert(ctx, f); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("inserting fact %s: %w", ef.ID, err))
			continue
		}
		result.Imported++
	}

	// Second pass: restore supersession chains now that every fact in the
	// export has a row. IDs are preserved from the export (unlike the
	// teacher's int64-remapping scheme, since ours are caller-chosen
	// strings), so no ID remap table is needed.
	for _, ef := range data.Facts {
		if ef.SupersededBy == nil {
			continue
		}
		if err := store.Supersede(ctx, ef.ID, *ef.SupersededBy); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("restoring supersession %s -> %s: %w", ef.ID, *ef.SupersededBy, err))
		}
	}

	return result, nil
}

// MarshalExport is a convenience wrapper around json.MarshalIndent for
// cmd/memoryctl's export subcommand.
func MarshalExport(data *ExportData) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}
