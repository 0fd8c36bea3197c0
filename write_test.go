package memory_test

import (
	"context"
	"testing"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/classify"
)

func TestWriter_Capture_Inserts(t *testing.T) {
	s, err := memory.NewSQLiteStore(openTestDB(t), &mockEmbedder{dim: 4})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	w := memory.NewWriter(s, &mockEmbedder{dim: 4}, classify.New())

	res, err := w.Capture(context.Background(), "I prefer dark mode in every editor", memory.CaptureOpts{
		Entity: "user",
		Source: memory.SourceUser,
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Inserted || res.Fact == nil {
		t.Fatalf("expected an inserted fact, got %+v", res)
	}
	if res.Fact.Category != memory.CategoryPreference {
		t.Errorf("expected preference category, got %s", res.Fact.Category)
	}

	got, err := s.Get(context.Background(), res.Fact.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "I prefer dark mode in every editor" {
		t.Errorf("unexpected stored text: %q", got.Text)
	}
}

func TestWriter_Capture_FiltersLowSignal(t *testing.T) {
	s, err := memory.NewSQLiteStore(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	w := memory.NewWriter(s, nil, classify.New())

	res, err := w.Capture(context.Background(), "ok", memory.CaptureOpts{Entity: "user"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Filtered || res.Fact != nil {
		t.Errorf("expected filtered result, got %+v", res)
	}
}

func TestWriter_Capture_DedupesExactText(t *testing.T) {
	s, err := memory.NewSQLiteStore(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	w := memory.NewWriter(s, nil, classify.New())
	ctx := context.Background()

	text := "we decided to use Postgres for the new service"
	if _, err := w.Capture(ctx, text, memory.CaptureOpts{Entity: "team"}); err != nil {
		t.Fatalf("first Capture: %v", err)
	}

	res, err := w.Capture(ctx, text, memory.CaptureOpts{Entity: "team"})
	if err != nil {
		t.Fatalf("second Capture: %v", err)
	}
	if !res.Duplicate || res.Inserted {
		t.Errorf("expected duplicate on second capture, got %+v", res)
	}
}
