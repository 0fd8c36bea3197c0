package mcpserver_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/classify"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/mcpserver"
)

type mockEmbedder struct {
	dim       int
	callCount int
	err       error
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	result := make([][]float32, len(texts))
	for i := range texts {
		emb := make([]float32, m.dim)
		for j := range emb {
			emb[j] = float32(i+1) * 0.1 * float32(j+1)
		}
		result[i] = emb
	}
	return result, nil
}

func (m *mockEmbedder) Model() string { return "mock" }

func newTestServer(t *testing.T) (*mcpserver.MemoryServer, *memory.Engine, *mockEmbedder) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	embedder := &mockEmbedder{dim: 4}
	store, err := memory.NewSQLiteStore(db, embedder)
	if err != nil {
		t.Fatal(err)
	}

	eng, err := memory.NewEngine(memory.EngineConfig{
		DataDir:    t.TempDir(),
		Embedder:   embedder,
		Classifier: classify.New(),
	}, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })

	return mcpserver.NewMemoryServer(eng), eng, embedder
}

// resultText extracts the text from a CallToolResult's first content block.
func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	if r == nil {
		t.Fatal("nil result")
	}
	if len(r.Content) == 0 {
		t.Fatal("empty content")
	}
	tc, ok := r.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", r.Content[0])
	}
	return tc.Text
}

// --- memory_store tests ---

func TestHandleStore_Basic(t *testing.T) {
	srv, _, emb := newTestServer(t)
	ctx := context.Background()

	result, _, err := srv.HandleStore(ctx, nil, mcpserver.StoreInput{
		Text:   "I prefer dark mode everywhere",
		Entity: "matthew",
	})
	if err != nil {
		t.Fatal(err)
	}

	text := resultText(t, result)
	if !strings.Contains(text, "Stored") {
		t.Errorf("expected success message, got: %s", text)
	}
	if result.IsError {
		t.Error("expected IsError=false")
	}
	if emb.callCount == 0 {
		t.Error("expected at least one embed call")
	}
}

func TestHandleStore_Duplicate(t *testing.T) {
	srv, _, emb := newTestServer(t)
	ctx := context.Background()

	input := mcpserver.StoreInput{Text: "I prefer dark mode everywhere", Entity: "matthew"}

	result, _, _ := srv.HandleStore(ctx, nil, input)
	if result.IsError {
		t.Fatal("first insert should succeed")
	}

	embedBefore := emb.callCount
	result, _, _ = srv.HandleStore(ctx, nil, input)
	text := resultText(t, result)
	if !strings.Contains(text, "duplicate") {
		t.Errorf("expected duplicate message, got: %s", text)
	}
	if result.IsError {
		t.Error("duplicate should not be an error")
	}
	if emb.callCount != embedBefore {
		t.Errorf("embed should not be called for duplicate, calls: %d -> %d", embedBefore, emb.callCount)
	}
}

func TestHandleStore_EmptyText(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleStore(context.Background(), nil, mcpserver.StoreInput{Text: "", Entity: "matthew"})
	if !result.IsError {
		t.Error("expected error for empty text")
	}
}

func TestHandleStore_EmptyEntity(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleStore(context.Background(), nil, mcpserver.StoreInput{Text: "some fact", Entity: ""})
	if !result.IsError {
		t.Error("expected error for empty entity")
	}
}

// --- memory_recall / memory_search tests ---

func insertFact(t *testing.T, eng *memory.Engine, text, entity string) {
	t.Helper()
	res, err := eng.Store(context.Background(), text, memory.CaptureOpts{Entity: entity, Source: memory.SourceUser})
	if err != nil {
		t.Fatal(err)
	}
	if res.Filtered {
		t.Fatalf("fact %q was filtered, adjust fixture text to clear the classifier's capture threshold", text)
	}
}

func TestHandleRecall_Basic(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	insertFact(t, eng, "I prefer dark mode everywhere", "matthew")
	insertFact(t, eng, "I always use tabs for indentation", "matthew")

	result, _, err := srv.HandleRecall(context.Background(), nil, mcpserver.RecallInput{Query: "dark mode preference"})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	text := resultText(t, result)
	if !strings.Contains(text, "dark mode") {
		t.Errorf("expected result containing 'dark mode', got: %s", text)
	}
}

func TestHandleRecall_NoResults(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleRecall(context.Background(), nil, mcpserver.RecallInput{Query: "nonexistent topic"})
	text := resultText(t, result)
	if !strings.Contains(text, "No matching") {
		t.Errorf("expected 'No matching' message, got: %s", text)
	}
}

func TestHandleRecall_EmptyQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleRecall(context.Background(), nil, mcpserver.RecallInput{Query: ""})
	if !result.IsError {
		t.Error("expected error for empty query")
	}
}

func TestHandleSearch_Basic(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	insertFact(t, eng, "I prefer dark mode everywhere", "matthew")

	result, _, err := srv.HandleSearch(context.Background(), nil, mcpserver.SearchInput{Query: "dark mode"})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	text := resultText(t, result)
	if !strings.Contains(text, "dark mode") {
		t.Errorf("expected result containing 'dark mode', got: %s", text)
	}
}

func TestHandleSearch_EmptyQuery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleSearch(context.Background(), nil, mcpserver.SearchInput{Query: ""})
	if !result.IsError {
		t.Error("expected error for empty query")
	}
}

// --- memory_lookup tests ---

func TestHandleLookup_Basic(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	insertFact(t, eng, "I prefer dark mode everywhere", "matthew")
	insertFact(t, eng, "I always use tabs for indentation", "matthew")

	result, _, err := srv.HandleLookup(context.Background(), nil, mcpserver.LookupInput{Entity: "matthew"})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "dark mode") || !strings.Contains(text, "tabs") {
		t.Errorf("expected both facts listed, got: %s", text)
	}
}

func TestHandleLookup_EmptyEntity(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleLookup(context.Background(), nil, mcpserver.LookupInput{Entity: ""})
	if !result.IsError {
		t.Error("expected error for empty entity")
	}
}

// --- memory_forget tests ---

func TestHandleForget_Basic(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	res, err := eng.Store(context.Background(), "a fact worth deleting later", memory.CaptureOpts{Entity: "test"})
	if err != nil {
		t.Fatal(err)
	}

	result, _, err := srv.HandleForget(context.Background(), nil, mcpserver.ForgetInput{ID: res.Fact.ID})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}

	got, err := eng.Lookup(context.Background(), "test", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected fact to be gone, got %+v", got)
	}
}

func TestHandleForget_EmptyID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, _ := srv.HandleForget(context.Background(), nil, mcpserver.ForgetInput{ID: ""})
	if !result.IsError {
		t.Error("expected error for empty id")
	}
}

// --- memory_stats tests ---

func TestHandleStats_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, err := srv.HandleStats(context.Background(), nil, mcpserver.StatsInput{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Total facts: 0") {
		t.Errorf("expected 'Total facts: 0', got: %s", text)
	}
}

func TestHandleStats_WithFacts(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	insertFact(t, eng, "I prefer dark mode everywhere", "matthew")
	insertFact(t, eng, "I always use tabs for indentation", "matthew")

	result, _, _ := srv.HandleStats(context.Background(), nil, mcpserver.StatsInput{})
	text := resultText(t, result)
	if !strings.Contains(text, "Total facts: 2") {
		t.Errorf("expected 'Total facts: 2', got: %s", text)
	}
}

// --- memory_verify / memory_prune / memory_compact tests ---

func TestHandleVerify_NoViolations(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	insertFact(t, eng, "I prefer dark mode everywhere", "matthew")

	result, _, err := srv.HandleVerify(context.Background(), nil, mcpserver.VerifyInput{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "No invariant violations") {
		t.Errorf("expected no violations, got: %s", text)
	}
}

func TestHandlePrune_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)
	result, _, err := srv.HandlePrune(context.Background(), nil, mcpserver.PruneInput{})
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Pruned 0") {
		t.Errorf("expected 'Pruned 0', got: %s", text)
	}
}

func TestHandleCompact_Basic(t *testing.T) {
	srv, eng, _ := newTestServer(t)
	insertFact(t, eng, "I prefer dark mode everywhere", "matthew")

	result, _, err := srv.HandleCompact(context.Background(), nil, mcpserver.CompactInput{})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
}
