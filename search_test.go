package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
)

func openTestStoreWith(t *testing.T, embedder memory.Embedder) *memory.SQLiteStore {
	t.Helper()
	s, err := memory.NewSQLiteStore(openTestDB(t), embedder)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func TestSearch_FTSBasicMatch(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	facts := []memory.Fact{
		{Text: "Matthew prefers dark mode", Entity: "Matthew", Category: memory.CategoryPreference},
		{Text: "The server runs on port 8080", Entity: "Server", Category: memory.CategoryFact},
		{Text: "Matthew uses neovim for editing", Entity: "Matthew", Category: memory.CategoryPreference},
	}
	if err := store.InsertBatch(ctx, facts); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, "Matthew dark mode", memory.SearchOpts{
		MaxResults: 10,
		OnlyActive: true,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Fact.Entity != "Matthew" {
		t.Errorf("top result entity = %q, want Matthew", results[0].Fact.Entity)
	}
	if results[0].FTSScore <= 0 {
		t.Errorf("expected positive FTS score, got %f", results[0].FTSScore)
	}
}

func TestSearch_CategoryFilter(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	facts := []memory.Fact{
		{Text: "Matthew likes coffee", Entity: "Matthew", Category: memory.CategoryPreference},
		{Text: "The server likes coffee too", Entity: "Server", Category: memory.CategoryFact},
	}
	if err := store.InsertBatch(ctx, facts); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, "coffee", memory.SearchOpts{
		MaxResults: 10,
		Category:   memory.CategoryFact,
		OnlyActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range results {
		if r.Fact.Category != memory.CategoryFact {
			t.Errorf("result category = %q, want fact", r.Fact.Category)
		}
	}
}

func TestSearch_ExcludeSuperseded(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	oldID, _ := store.Insert(ctx, memory.Fact{
		Text: "Matthew uses vim keybindings", Entity: "Matthew", Category: memory.CategoryPreference,
	})
	newID, _ := store.Insert(ctx, memory.Fact{
		Text: "Matthew switched to standard keybindings", Entity: "Matthew", Category: memory.CategoryPreference,
	})
	store.Supersede(ctx, oldID, newID)

	results, err := store.Search(ctx, "Matthew keybindings", memory.SearchOpts{
		MaxResults: 10,
		OnlyActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range results {
		if r.Fact.ID == oldID {
			t.Errorf("superseded fact %s should not appear", oldID)
		}
	}
}

func TestSearch_HybridMerge(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{
		Text: "The cat sat on the mat", Entity: "Cat", Category: memory.CategoryFact,
	})

	results, err := store.Search(ctx, "cat sat mat", memory.SearchOpts{
		MaxResults: 10,
		OnlyActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].FTSScore == 0 {
		t.Error("expected non-zero FTS score")
	}
	// Both FTS and vector channels should have contributed given an
	// attached embedder; the exact VecScore depends on the mock's
	// similarity, but the merge itself must not error.
	if len(results[0].Sources) == 0 {
		t.Error("expected at least one recall source recorded")
	}
}

func TestSearch_MaxResults(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	for i := range 20 {
		store.Insert(ctx, memory.Fact{
			Text: fmt.Sprintf("fact number %d about testing", i), Entity: "Test", Category: memory.CategoryFact,
		})
	}

	results, err := store.Search(ctx, "testing", memory.SearchOpts{
		MaxResults: 5,
		OnlyActive: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) > 5 {
		t.Errorf("expected at most 5 results, got %d", len(results))
	}
}

func TestSearch_NoEmbedder(t *testing.T) {
	store := openTestStoreWith(t, nil)
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{
		Text: "The weather is sunny", Entity: "Weather", Category: memory.CategoryFact,
	})

	_, err := store.Search(ctx, "sunny weather", memory.SearchOpts{
		MaxResults: 10,
	})
	if err == nil {
		t.Fatal("expected error when no embedder configured")
	}
}

func TestSearch_MetadataFilterEquality(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{
		Text: "Marcus has brown eyes", Entity: "Marcus", Category: memory.CategoryEntity,
		Key: "source_stage", Value: "bible",
	})
	store.Insert(ctx, memory.Fact{
		Text: "The forest is dark and deep", Entity: "Forest", Category: memory.CategoryEntity,
		Key: "source_stage", Value: "writer",
	})
	store.Insert(ctx, memory.Fact{
		Text: "The village has a market", Entity: "Village", Category: memory.CategoryEntity,
		Key: "source_stage", Value: "bible",
	})

	results, err := store.Search(ctx, "dark forest village market", memory.SearchOpts{
		MaxResults: 10,
		MetadataFilters: []memory.MetadataFilter{
			{Key: "value", Op: "=", Value: "bible"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range results {
		if r.Fact.Value != "bible" {
			t.Errorf("expected source_stage=bible, got %v for %q", r.Fact.Value, r.Fact.Text)
		}
	}
}

func TestSearch_MetadataFilterComparison(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		store.Insert(ctx, memory.Fact{
			Text: fmt.Sprintf("Event in chapter %d about the quest", i), Entity: "Quest", Category: memory.CategoryFact,
			Key: "chapter", Value: fmt.Sprintf("%d", i),
		})
	}

	results, err := store.Search(ctx, "quest chapter event", memory.SearchOpts{
		MaxResults: 10,
		MetadataFilters: []memory.MetadataFilter{
			{Key: "value", Op: "<=", Value: "3"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Error("expected at least one result")
	}
}

func TestSearch_MetadataFilterExcludesNullMetadata(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{
		Text: "The dragon breathes fire", Entity: "Dragon", Category: memory.CategoryEntity,
		Key: "is_draft", Value: "false",
	})
	store.Insert(ctx, memory.Fact{
		Text: "The dragon has scales", Entity: "Dragon", Category: memory.CategoryEntity,
	})

	results, err := store.Search(ctx, "dragon", memory.SearchOpts{
		MaxResults: 10,
		MetadataFilters: []memory.MetadataFilter{
			{Key: "value", Op: "=", Value: "false"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Fact.Text != "The dragon breathes fire" {
		t.Errorf("wrong result: %q", results[0].Fact.Text)
	}
}

func TestSearch_TemporalFilter(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mid := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store.Insert(ctx, memory.Fact{Text: "Old fact about testing", Entity: "X", Category: memory.CategoryFact, CreatedAt: old})
	store.Insert(ctx, memory.Fact{Text: "Mid fact about testing", Entity: "X", Category: memory.CategoryFact, CreatedAt: mid})
	store.Insert(ctx, memory.Fact{Text: "Recent fact about testing", Entity: "X", Category: memory.CategoryFact, CreatedAt: recent})

	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	results, err := store.Search(ctx, "testing", memory.SearchOpts{
		MaxResults:   10,
		CreatedAfter: &cutoff,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("CreatedAfter: got %d results, want 2", len(results))
	}

	results, err = store.Search(ctx, "testing", memory.SearchOpts{
		MaxResults:    10,
		CreatedBefore: &cutoff,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("CreatedBefore: got %d results, want 1", len(results))
	}
	if results[0].Fact.Text != "Old fact about testing" {
		t.Errorf("CreatedBefore result = %q", results[0].Fact.Text)
	}

	before := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	results, err = store.Search(ctx, "testing", memory.SearchOpts{
		MaxResults:    10,
		CreatedAfter:  &cutoff,
		CreatedBefore: &before,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("range: got %d results, want 1", len(results))
	}
	if results[0].Fact.Text != "Mid fact about testing" {
		t.Errorf("range result = %q", results[0].Fact.Text)
	}
}

func TestSearch_DecayHalfLife(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-30 * 24 * time.Hour)
	recent := now.Add(-1 * time.Hour)

	store.Insert(ctx, memory.Fact{Text: "important fact about testing decay", Entity: "X", Category: memory.CategoryFact, CreatedAt: old})
	store.Insert(ctx, memory.Fact{Text: "important fact about testing decay recently", Entity: "X", Category: memory.CategoryFact, CreatedAt: recent})

	noDecay, err := store.Search(ctx, "testing decay", memory.SearchOpts{MaxResults: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(noDecay) != 2 {
		t.Fatalf("no decay: got %d results, want 2", len(noDecay))
	}

	halfLife := 30 * 24 * time.Hour
	withDecay, err := store.Search(ctx, "testing decay", memory.SearchOpts{
		MaxResults:    10,
		DecayHalfLife: halfLife,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(withDecay) != 2 {
		t.Fatalf("with decay: got %d results, want 2", len(withDecay))
	}

	if withDecay[0].Fact.CreatedAt.Before(withDecay[1].Fact.CreatedAt) {
		t.Error("expected recent fact to rank higher with decay")
	}
	if withDecay[1].Combined >= withDecay[0].Combined {
		t.Errorf("old fact combined=%f should be < recent combined=%f",
			withDecay[1].Combined, withDecay[0].Combined)
	}
}

func TestSearch_MetadataFilterInvalidOperator(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	_, err := store.Search(ctx, "test", memory.SearchOpts{
		MaxResults: 10,
		MetadataFilters: []memory.MetadataFilter{
			{Key: "value", Op: "LIKE", Value: "%test%"},
		},
	})
	if err == nil {
		t.Error("expected error for invalid operator")
	}
}

func TestSearch_MetadataFilterInvalidKey(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	_, err := store.Search(ctx, "test", memory.SearchOpts{
		MaxResults: 10,
		MetadataFilters: []memory.MetadataFilter{
			{Key: "'; DROP TABLE facts; --", Op: "=", Value: "1"},
		},
	})
	if err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestSearch_FTSColumnPrefixInQuery(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{
		Text: "START: The party enters the tavern. END: They order drinks.", Entity: "Scene", Category: memory.CategoryFact,
	})

	// Queries containing "WORD:" patterns would be interpreted as FTS5
	// column-prefix syntax without quoting, causing "no such column" errors.
	results, err := store.Search(ctx, "START: tavern END: drinks", memory.SearchOpts{
		MaxResults: 10,
		OnlyActive: true,
	})
	if err != nil {
		t.Fatalf("Search with colon-prefix words: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{Text: "Some fact", Entity: "Test", Category: memory.CategoryFact})

	results, err := store.Search(ctx, "", memory.SearchOpts{
		MaxResults: 10,
	})
	if err != nil {
		t.Fatalf("Search with empty query: %v", err)
	}
	_ = results
}

func TestSearchBatch(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	facts := []memory.Fact{
		{Text: "The cat is orange and fluffy", Entity: "Cat", Category: memory.CategoryFact},
		{Text: "The server runs on port 8080", Entity: "Server", Category: memory.CategoryFact},
		{Text: "Matthew prefers dark mode", Entity: "Matthew", Category: memory.CategoryPreference},
	}
	if err := store.InsertBatch(ctx, facts); err != nil {
		t.Fatal(err)
	}

	results, err := store.SearchBatch(ctx, []string{"cat orange", "server port"}, memory.SearchOpts{
		MaxResults: 5,
	})
	if err != nil {
		t.Fatalf("SearchBatch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d result sets, want 2", len(results))
	}

	if len(results[0]) == 0 {
		t.Fatal("expected results for query 0")
	}
	if results[0][0].Fact.Entity != "Cat" {
		t.Errorf("query 0 top result entity = %q, want Cat", results[0][0].Fact.Entity)
	}

	if len(results[1]) == 0 {
		t.Fatal("expected results for query 1")
	}
	if results[1][0].Fact.Entity != "Server" {
		t.Errorf("query 1 top result entity = %q, want Server", results[1][0].Fact.Entity)
	}
}

func TestSearchBatch_Empty(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4})
	ctx := context.Background()

	results, err := store.SearchBatch(ctx, nil, memory.SearchOpts{})
	if err != nil {
		t.Fatalf("SearchBatch empty: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil for empty queries, got %v", results)
	}
}

func TestSearchBatch_NoEmbedder(t *testing.T) {
	store := openTestStoreWith(t, nil)
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{Text: "The weather is sunny", Entity: "Weather", Category: memory.CategoryFact})

	_, err := store.SearchBatch(ctx, []string{"sunny weather"}, memory.SearchOpts{
		MaxResults: 5,
	})
	if err == nil {
		t.Fatal("expected error when no embedder configured")
	}
}

func TestSearchBatch_EmbedderError(t *testing.T) {
	store := openTestStoreWith(t, &mockEmbedder{dim: 4, err: fmt.Errorf("model loading")})
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{Text: "test fact", Entity: "X", Category: memory.CategoryFact})

	_, err := store.SearchBatch(ctx, []string{"test"}, memory.SearchOpts{MaxResults: 5})
	if err == nil {
		t.Fatal("expected error from failing embedder")
	}
}

func TestSearchBatch_TransientEmbedderError(t *testing.T) {
	embedder := &transientEmbedder{dim: 4, failsLeft: 2, failErr: fmt.Errorf("connection timeout")}
	store := openTestStoreWith(t, embedder)
	ctx := context.Background()

	store.Insert(ctx, memory.Fact{Text: "The cat is orange", Entity: "Cat", Category: memory.CategoryFact})

	results, err := store.SearchBatch(ctx, []string{"cat orange"}, memory.SearchOpts{MaxResults: 5})
	if err != nil {
		t.Fatalf("SearchBatch should succeed after retries: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d result sets, want 1", len(results))
	}
	if embedder.callCount != 3 {
		t.Errorf("embed calls = %d, want 3 (2 failures + 1 success)", embedder.callCount)
	}
}

// transientEmbedder fails a set number of times then succeeds.
type transientEmbedder struct {
	dim       int
	failsLeft int
	failErr   error
	callCount int
}

func (e *transientEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.callCount++
	if e.failsLeft > 0 {
		e.failsLeft--
		return nil, e.failErr
	}
	result := make([][]float32, len(texts))
	for i := range texts {
		emb := make([]float32, e.dim)
		for j := range emb {
			emb[j] = float32(i+1) * 0.1 * float32(j+1)
		}
		result[i] = emb
	}
	return result, nil
}

func (e *transientEmbedder) Model() string { return "transient-mock" }
