package memory_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestStore(t *testing.T) *memory.SQLiteStore {
	t.Helper()
	s, err := memory.NewSQLiteStore(openTestDB(t), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func TestNewSQLiteStore_TablesExist(t *testing.T) {
	openTestStore(t)
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, memory.Fact{
		Text: "prefers dark mode", Entity: "user", Category: memory.CategoryPreference,
		DecayClass: memory.DecayStable, Source: memory.SourceUser,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Text != "prefers dark mode" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.ExpiresAt == nil {
		t.Error("expected expires_at to be set for a stable fact")
	}
}

func TestInsert_PermanentHasNoExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, memory.Fact{
		Text: "the sun is a star", Category: memory.CategoryFact,
		DecayClass: memory.DecayPermanent, Source: memory.SourceUser,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.ExpiresAt != nil {
		t.Error("expected permanent fact to have no expiry")
	}
}

func TestSupersede(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	oldID, _ := s.Insert(ctx, memory.Fact{Text: "old", Category: memory.CategoryFact, DecayClass: memory.DecayStable, Source: memory.SourceUser})
	newID, _ := s.Insert(ctx, memory.Fact{Text: "new", Category: memory.CategoryFact, DecayClass: memory.DecayStable, Source: memory.SourceUser})

	if err := s.Supersede(ctx, oldID, newID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	old, _ := s.Get(ctx, oldID)
	if old.SupersededBy == nil || *old.SupersededBy != newID {
		t.Errorf("expected %s to be superseded by %s", oldID, newID)
	}

	if err := s.Supersede(ctx, oldID, newID); err == nil {
		t.Error("expected error superseding an already-superseded fact")
	}
}

func TestDelete_NotFound(t *testing.T) {
	s := openTestStore(t)
	if err := s.Delete(context.Background(), "nonexistent"); err == nil {
		t.Error("expected error deleting a missing fact")
	}
}

func TestSetClassification(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, memory.Fact{Text: "might be a rule", Entity: "x", Category: memory.CategoryOther})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.SetClassification(ctx, id, memory.CategoryRule, memory.DecayStable); err != nil {
		t.Fatalf("SetClassification: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Category != memory.CategoryRule || got.DecayClass != memory.DecayStable {
		t.Errorf("unexpected classification: %+v", got)
	}
}

func TestList_OnlyActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	oldID, _ := s.Insert(ctx, memory.Fact{Text: "old", Entity: "proj", Category: memory.CategoryFact, DecayClass: memory.DecayStable, Source: memory.SourceUser})
	newID, _ := s.Insert(ctx, memory.Fact{Text: "new", Entity: "proj", Category: memory.CategoryFact, DecayClass: memory.DecayStable, Source: memory.SourceUser})
	s.Supersede(ctx, oldID, newID)

	facts, err := s.List(ctx, memory.QueryOpts{Entity: "proj", OnlyActive: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(facts) != 1 || facts[0].ID != newID {
		t.Errorf("expected only the active fact, got %+v", facts)
	}
}

func TestExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	id, _ := s.Insert(ctx, memory.Fact{Text: "stale", Category: memory.CategoryFact, DecayClass: memory.DecayCheckpoint, Source: memory.SourceUser})
	s.RefreshExpiry(ctx, id, &past)

	expired, err := s.Expired(ctx, time.Now())
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != id {
		t.Errorf("expected fact %s to be expired, got %+v", id, expired)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Insert(ctx, memory.Fact{Text: "a", Category: memory.CategoryFact, DecayClass: memory.DecayStable, Source: memory.SourceUser})
	s.Insert(ctx, memory.Fact{Text: "b", Category: memory.CategoryPreference, DecayClass: memory.DecayPermanent, Source: memory.SourceUser})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalFacts != 2 || st.ActiveFacts != 2 {
		t.Errorf("unexpected totals: %+v", st)
	}
}

func TestEmbedFacts_NoEmbedder(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.EmbedFacts(context.Background(), 0); err == nil {
		t.Error("expected error with no embedder configured")
	}
}
