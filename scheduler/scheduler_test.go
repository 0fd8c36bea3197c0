package scheduler_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/classify"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/scheduler"
)

func openTestStore(t *testing.T) memory.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := memory.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

func TestRunOnce_PrunesExpiredFacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, memory.Fact{
		Text: "this session note should expire soon", Entity: "x",
		DecayClass: memory.DecayCheckpoint,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := s.RefreshExpiry(ctx, id, &past); err != nil {
		t.Fatalf("RefreshExpiry: %v", err)
	}

	sch := scheduler.New(s, classify.New(), scheduler.Config{}, nil)
	sch.RunOnce(ctx)

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("expected fact to be pruned")
	}
}

func TestRunOnce_DecaysConfidencePastThreshold(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, memory.Fact{
		Text: "deploys run on Fridays", Entity: "team",
		DecayClass: memory.DecayActive, Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Expiry is 100ms out, so the fact is still active (prune won't touch
	// it), but its 75%-of-span decay threshold (75ms) will have already
	// passed by the time the tick runs.
	soon := time.Now().Add(100 * time.Millisecond)
	if err := s.RefreshExpiry(ctx, id, &soon); err != nil {
		t.Fatalf("RefreshExpiry: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	sch := scheduler.New(s, classify.New(), scheduler.Config{}, nil)
	sch.RunOnce(ctx)

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Confidence >= 0.8 {
		t.Errorf("expected confidence to decay below 0.8, got %f", got.Confidence)
	}
}

func TestTierCompact_BlockerPromotesThenDemotesWhenUntagged(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := memory.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()

	id, err := s.Insert(ctx, memory.Fact{
		Text: "ship the migration before Friday", Entity: "team",
		DecayClass: memory.DecayActive, Tags: []string{"blocker"}, Tier: memory.TierWarm,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cfg := scheduler.Config{InactivePreferenceDays: 50 * time.Millisecond}
	sch := scheduler.New(s, classify.New(), cfg, nil)
	sch.RunOnce(ctx)

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tier != memory.TierHot {
		t.Fatalf("expected blocker-tagged fact to be hot, got %s", got.Tier)
	}

	// Drop the "blocker" tag and push last_confirmed_at back past the
	// inactive-preference window, simulating the fact going quiet.
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, `UPDATE facts SET tags = '', last_confirmed_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("backdating fact: %v", err)
	}

	sch2 := scheduler.New(s, classify.New(), cfg, nil)
	sch2.RunOnce(ctx)

	got, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tier != memory.TierWarm {
		t.Errorf("expected fact to demote to warm once untagged and inactive, got %s", got.Tier)
	}
}
