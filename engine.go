package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/wal"
)

// EngineConfig bootstraps an Engine. The spec leaves config file loading to
// the host (cmd/memoryctl and cmd/memoryd parse flags/env via cobra+viper
// and populate this struct); the core engine itself only ever sees Go
// values, never a config file path.
type EngineConfig struct {
	// DataDir holds facts.db and memory.wal (spec §6.4). Required.
	DataDir string

	Embedder   Embedder
	Classifier Classifier

	// DisableWAL skips the write-ahead log entirely; only ever meant for
	// in-memory/test engines, since it removes crash recovery.
	DisableWAL bool

	Logger *zap.Logger
}

// Engine is the single façade the spec's external interface (store,
// forget, capture_event, recall, lookup, search, prune, compact, stats,
// verify) is implemented on, mirroring how the teacher exposes SQLiteStore
// as its one public surface.
type Engine struct {
	store    *SQLiteStore
	writer   *Writer
	recaller *Recaller
	wal      *wal.WAL
	log      *zap.Logger
}

// NewEngine opens (or creates) the WAL under cfg.DataDir, replays any
// entries a prior crash left in it, and wires the write and recall
// pipelines together over store, which the caller has already opened (the
// caller can hand the same *sql.DB to graph.New for fact-graph support);
// graphBooster may be nil to disable graph boosting.
func NewEngine(cfg EngineConfig, store *SQLiteStore, graphBooster GraphBooster) (*Engine, error) {
	if cfg.Classifier == nil {
		return nil, invalidArg("NewEngine", fmt.Errorf("classifier is required"))
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{store: store, log: log}

	writer := NewWriter(store, cfg.Embedder, cfg.Classifier)
	if !cfg.DisableWAL {
		w, err := wal.Open(cfg.DataDir + "/memory.wal")
		if err != nil {
			return nil, internal("NewEngine", fmt.Errorf("opening wal: %w", err))
		}
		writer.SetWAL(w)
		e.wal = w

		// Recover any writes left mid-flight by a prior crash before the
		// engine starts serving new ones (spec §4.3).
		if err := writer.Recover(context.Background()); err != nil {
			return nil, internal("NewEngine", fmt.Errorf("recovering wal: %w", err))
		}
	}
	e.writer = writer
	e.recaller = NewRecaller(store, graphBooster)

	return e, nil
}

// Store captures a piece of text as a fact (spec §6.1's "store" operation),
// running it through the full write pipeline: classify, dedupe, conflict
// check, embed, and a WAL-guarded commit.
func (e *Engine) Store(ctx context.Context, text string, opts CaptureOpts) (CaptureResult, error) {
	return e.writer.Capture(ctx, text, opts)
}

// CaptureEvent is an alias for Store used by callers that think in terms
// of conversational turns rather than direct fact statements — semantically
// identical, since classification decides what (if anything) gets kept.
func (e *Engine) CaptureEvent(ctx context.Context, text string, opts CaptureOpts) (CaptureResult, error) {
	return e.Store(ctx, text, opts)
}

// Forget deletes a fact outright (spec §6.1's "forget" operation). Prefer
// Supersede for corrections; Forget is for facts that should never have
// been kept.
func (e *Engine) Forget(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Supersede marks oldID as replaced by newID, preserving history.
func (e *Engine) Supersede(ctx context.Context, oldID, newID string) error {
	return e.store.Supersede(ctx, oldID, newID)
}

// Recall runs the hybrid recall pipeline (spec §6.2).
func (e *Engine) Recall(ctx context.Context, query string, opts RecallOpts) (RecallResponse, error) {
	return e.recaller.Recall(ctx, query, opts)
}

// Lookup returns facts for an entity directly (spec §6.2's lookup(entity,
// key?) operation). An empty key returns every fact for the entity.
func (e *Engine) Lookup(ctx context.Context, entity, key string, onlyActive bool) ([]Fact, error) {
	return e.recaller.Lookup(ctx, entity, key, onlyActive)
}

// Search is the lower-level hybrid search primitive Recall builds on,
// exposed directly for callers that want raw ranked results without the
// budget trim, graph boost, or refresh-on-access side effects.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOpts) ([]SearchResult, error) {
	return e.store.Search(ctx, query, opts)
}

// Prune deletes every fact whose expiry has passed, returning the count
// removed (spec §6.3's "prune" operation). Exposed for on-demand
// maintenance through the MCP server's memory_prune tool.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	expired, err := e.store.Expired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, f := range expired {
		if err := e.store.Delete(ctx, f.ID); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// Compact backfills missing embeddings and, if a WAL is attached and has
// crossed its size threshold, compacts it (spec §6.3's "compact" operation).
func (e *Engine) Compact(ctx context.Context) error {
	if _, err := e.store.EmbedFacts(ctx, 32); err != nil {
		return degraded("Compact", err)
	}
	if e.wal != nil {
		if needs, err := e.wal.NeedsCompaction(); err == nil && needs {
			if _, err := e.wal.Compact(time.Now().Add(-time.Hour)); err != nil {
				return internal("Compact", err)
			}
		}
	}
	return nil
}

// Stats reports fact counts by tier/category/decay class (spec §6.3's
// "stats" operation).
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.store.Stats(ctx)
}

// Verify checks store invariants that don't hold by construction: every
// permanent fact has no expiry (I1), every superseded fact points at an
// existing fact, and no active fact has confidence below MinConfidence
// (I5). Returns a list of human-readable violations; an empty slice means
// the store is consistent.
func (e *Engine) Verify(ctx context.Context) ([]string, error) {
	facts, err := e.store.List(ctx, QueryOpts{})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Fact, len(facts))
	for _, f := range facts {
		byID[f.ID] = f
	}

	var violations []string
	for _, f := range facts {
		if f.DecayClass == DecayPermanent && f.ExpiresAt != nil {
			violations = append(violations, fmt.Sprintf("fact %s: permanent but has an expiry", f.ID))
		}
		if f.SupersededBy != nil {
			if _, ok := byID[*f.SupersededBy]; !ok {
				violations = append(violations, fmt.Sprintf("fact %s: superseded_by %s does not exist", f.ID, *f.SupersededBy))
			}
		}
		if !f.Superseded() && f.Confidence < MinConfidence {
			violations = append(violations, fmt.Sprintf("fact %s: confidence %.3f below floor %.3f", f.ID, f.Confidence, MinConfidence))
		}
	}
	return violations, nil
}

// NewReflector builds a Reflector over this engine's write pipeline, for
// callers (such as the scheduler's reflect task) that want to distill raw
// text into facts using a Generator.
func (e *Engine) NewReflector(generator Generator) *Reflector {
	return NewReflector(e.writer, generator)
}

// Close releases the store's and WAL's file handles.
func (e *Engine) Close() error {
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return err
		}
	}
	return e.store.Close()
}
