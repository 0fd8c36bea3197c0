package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/wal"
)

// fuzzyDedupeThreshold is the minimum cosine similarity between a new
// statement's embedding and an existing same-entity fact's embedding for
// the write pipeline to treat them as duplicates/conflicts rather than
// inserting a second fact (generalized from the teacher's
// similarityThreshold in extract.go).
const fuzzyDedupeThreshold = 0.85

// Classifier decides whether a captured statement should become a Fact and,
// if so, under what category/decay class. classify.Classifier satisfies
// this structurally; defining the interface here (rather than importing
// that package) keeps the dependency one-directional.
type Classifier interface {
	Classify(text string) Classification
}

// CaptureOpts carries the provenance, structured-attribute overrides, and
// defaults the write pipeline needs for a single captured statement. Entity
// is the subject the fact is about; Key/Value, if both set, make this an
// explicit attribute write (spec §6.1's entity+key model, invariant I6) and
// bypass the classifier's capture-worthiness filter, since the caller is
// asserting the fact directly rather than distilling it from chatter.
// Category/Importance/DecayClass/Tier/Tags override whatever the classifier
// would have inferred.
type CaptureOpts struct {
	Entity string
	Key    string
	Value  string

	Category   Category
	Importance float64
	DecayClass DecayClass
	Tier       Tier
	Tags       []string

	Source     Source
	SourceDate time.Time // zero = now
}

// CaptureResult reports what the write pipeline did with one statement.
type CaptureResult struct {
	Fact       *Fact // nil if filtered; the refreshed existing fact if deduped
	Inserted   bool
	Superseded string // ID of the fact this one superseded, if any
	Filtered   bool   // classifier decided not to capture
	Duplicate  bool   // an existing fact already says this
}

// Writer runs the capture pipeline (spec §4.5 steps 1-8: filter, enrich,
// dedupe, conflict check, embed, WAL append, commit, WAL clear) in front of
// a Store. The WAL is optional; a nil WAL skips crash-recovery logging
// (acceptable for tests and for stores that implement their own).
type Writer struct {
	store      Store
	embedder   Embedder
	classifier Classifier
	wal        *wal.WAL
}

// NewWriter constructs a Writer. SetWAL may be called afterward to attach
// crash recovery; without one, Capture still works but a crash between
// insert and supersede is not recoverable.
func NewWriter(store Store, embedder Embedder, classifier Classifier) *Writer {
	return &Writer{store: store, embedder: embedder, classifier: classifier}
}

// SetWAL attaches a write-ahead log. Call before Capture.
func (w *Writer) SetWAL(log *wal.WAL) { w.wal = log }

// Capture runs the full write pipeline over a single piece of text. It
// returns a non-error CaptureResult with Filtered or Duplicate set (a
// duplicate also carries the refreshed existing fact) when the text doesn't
// turn into a new fact — that is the expected outcome for most
// conversational turns, not an error. A failed WAL append or clear does
// not fail the capture; it only costs crash recovery for that write.
func (w *Writer) Capture(ctx context.Context, text string, opts CaptureOpts) (CaptureResult, error) {
	// Step 1-2: filter + enrich. An explicit entity+key write is an
	// attribute assertion, not chatter — it bypasses the low-signal filter.
	class := w.classifier.Classify(text)
	explicit := opts.Entity != "" && opts.Key != ""
	if !class.Capture && !explicit {
		return CaptureResult{Filtered: true}, nil
	}

	sourceDate := opts.SourceDate
	if sourceDate.IsZero() {
		sourceDate = time.Now().UTC()
	}

	candidate := Fact{
		Text:       text,
		Entity:     opts.Entity,
		Key:        opts.Key,
		Value:      opts.Value,
		Category:   class.Category,
		Tags:       class.Tags,
		Importance: class.Importance,
		DecayClass: class.DecayClass,
		SourceDate: sourceDate,
		Source:     opts.Source,
	}
	if opts.Category != "" {
		candidate.Category = opts.Category
	}
	if opts.Importance > 0 {
		candidate.Importance = opts.Importance
	}
	if opts.DecayClass != "" {
		candidate.DecayClass = opts.DecayClass
	}
	if opts.Tier != "" {
		candidate.Tier = opts.Tier
	}
	if len(opts.Tags) > 0 {
		candidate.Tags = NormalizeTags(append(append([]string{}, candidate.Tags...), opts.Tags...))
	}

	// Step 3: normalized-fingerprint dedupe against the same entity's
	// active facts (cheap, no embedding needed). Same (entity,key) ->
	// supersede; otherwise -> refresh the matched fact and stop.
	dup, err := w.store.FindDuplicate(ctx, candidate.Text, candidate.Entity)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("memory: capture duplicate check: %w", err)
	}
	var supersedes string
	if dup != nil {
		if candidate.Key == "" || dup.Key != candidate.Key {
			return w.refreshExisting(ctx, dup)
		}
		supersedes = dup.ID
	}

	// Step 4: entity+key conflict check (invariant I6: at most one active
	// fact per entity+key). Only reached if the fingerprint dedupe above
	// didn't already resolve the write.
	if supersedes == "" && candidate.Entity != "" && candidate.Key != "" {
		existing, err := w.store.ByEntityKey(ctx, candidate.Entity, candidate.Key, true)
		if err != nil {
			return CaptureResult{}, fmt.Errorf("memory: capture conflict check: %w", err)
		}
		if len(existing) > 0 {
			cur := existing[0]
			if candidate.Value != "" && cur.Value == candidate.Value {
				return w.refreshExisting(ctx, &cur)
			}
			supersedes = cur.ID
		}
	}

	// Step 5: embed outside any lock, same ordering the store's Search
	// path uses — embedding failures degrade (the fact is still stored,
	// just without vector recall) rather than blocking capture.
	var embedding []float32
	if w.embedder != nil {
		emb, embErr := Single(ctx, w.embedder, text)
		if embErr == nil {
			embedding = emb
		}
	}
	candidate.Embedding = embedding

	// Fuzzy semantic fallback for entity facts with no explicit key: treat
	// a highly similar existing statement as an update rather than a fresh
	// assertion (generalizes the teacher's trySupersedeExisting).
	if supersedes == "" && embedding != nil && candidate.Entity != "" && candidate.Key == "" {
		supersedes, err = w.findSupersessionTarget(ctx, candidate, embedding)
		if err != nil {
			return CaptureResult{}, fmt.Errorf("memory: capture conflict check: %w", err)
		}
	}

	// Step 6-8: WAL append -> commit -> WAL clear. The write lock inside
	// the store covers the commit; the WAL bracket covers the same span
	// from the pipeline's point of view so a crash between append and
	// clear is recoverable. The embedding, when present, travels in the
	// WAL payload so recovery never needs a fresh embedding call.
	var entry wal.Entry
	walLogged := false
	if w.wal != nil {
		payload, _ := json.Marshal(candidate)
		// A failed append leaves this write without crash recovery; the
		// commit below goes ahead regardless.
		if e, appendErr := w.wal.Append(wal.OpInsert, "", supersedes, payload); appendErr == nil {
			entry, walLogged = e, true
		}
	}

	id, err := w.store.Insert(ctx, candidate)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("memory: capture insert: %w", err)
	}
	candidate.ID = id

	if supersedes != "" {
		if err := w.store.Supersede(ctx, supersedes, id); err != nil {
			return CaptureResult{}, fmt.Errorf("memory: capture supersede: %w", err)
		}
	}

	if walLogged {
		// The fact is already committed; an entry a failed clear leaves
		// behind is discarded by Recover as redundant.
		_ = w.wal.Clear(entry.Seq)
	}

	return CaptureResult{Fact: &candidate, Inserted: true, Superseded: supersedes}, nil
}

// refreshExisting implements the dedupe step's "otherwise" branch: bump the
// matched fact's last_confirmed_at and confidence (capped at 1.0) instead
// of inserting a new row, and report it as a duplicate rather than an
// insert.
func (w *Writer) refreshExisting(ctx context.Context, existing *Fact) (CaptureResult, error) {
	if err := w.store.Confirm(ctx, existing.ID); err != nil {
		return CaptureResult{}, fmt.Errorf("memory: capture refresh: %w", err)
	}
	confidence := existing.Confidence + 0.1
	if confidence > 1.0 {
		confidence = 1.0
	}
	if err := w.store.SetConfidence(ctx, existing.ID, confidence); err != nil {
		return CaptureResult{}, fmt.Errorf("memory: capture refresh: %w", err)
	}
	refreshed := *existing
	refreshed.Confidence = confidence
	refreshed.LastConfirmedAt = time.Now().UTC()
	return CaptureResult{Fact: &refreshed, Duplicate: true}, nil
}

// Recover replays WAL entries left over from a crash between append and
// commit (spec §4.3's startup recovery pass; seed scenario 4). Entries
// older than wal.MaxAge are discarded as stale; entries whose fact already
// exists are discarded as redundant (recovery is idempotent, safe to call
// more than once); everything else is replayed through the store. The
// embedding, when present in the payload, is replayed as-is — no fresh
// embedding call is made.
func (w *Writer) Recover(ctx context.Context) error {
	if w.wal == nil {
		return nil
	}
	pending, err := w.wal.Pending()
	if err != nil {
		return fmt.Errorf("memory: wal recovery: reading pending entries: %w", err)
	}

	now := time.Now().UTC()
	for _, entry := range pending {
		if entry.Op == wal.OpInsert && now.Sub(entry.Timestamp) <= wal.MaxAge {
			if err := w.recoverInsert(ctx, entry); err != nil {
				return err
			}
		}
		if err := w.wal.Clear(entry.Seq); err != nil {
			return fmt.Errorf("memory: wal recovery: clearing entry %d: %w", entry.Seq, err)
		}
	}
	return nil
}

func (w *Writer) recoverInsert(ctx context.Context, entry wal.Entry) error {
	var candidate Fact
	if err := json.Unmarshal(entry.Payload, &candidate); err != nil {
		return fmt.Errorf("memory: wal recovery: decoding entry %d: %w", entry.Seq, err)
	}

	dup, err := w.store.FindDuplicate(ctx, candidate.Text, candidate.Entity)
	if err != nil {
		return fmt.Errorf("memory: wal recovery: checking entry %d: %w", entry.Seq, err)
	}
	if dup != nil {
		return nil // already committed before the crash; redundant
	}

	candidate.ID = ""
	id, err := w.store.Insert(ctx, candidate)
	if err != nil {
		return fmt.Errorf("memory: wal recovery: replaying entry %d: %w", entry.Seq, err)
	}

	if entry.OldID != "" {
		if err := w.store.Supersede(ctx, entry.OldID, id); err != nil && !IsKind(err, KindNotFound) {
			return fmt.Errorf("memory: wal recovery: replaying supersede for entry %d: %w", entry.Seq, err)
		}
	}
	return nil
}

// findSupersessionTarget searches for an active same-entity fact whose
// embedding is similar enough to treat the new statement as an update
// rather than a fresh assertion. Returns "" if none qualifies.
func (w *Writer) findSupersessionTarget(ctx context.Context, candidate Fact, embedding []float32) (string, error) {
	results, err := w.store.Search(ctx, candidate.Text, SearchOpts{
		MaxResults: 10,
		Entity:     candidate.Entity,
		OnlyActive: true,
	})
	if err != nil {
		return "", err
	}

	var bestID string
	var bestSim float64
	for _, r := range results {
		if len(r.Fact.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(embedding, r.Fact.Embedding)
		if sim > bestSim {
			bestSim = sim
			bestID = r.Fact.ID
		}
	}
	if bestSim < fuzzyDedupeThreshold || bestID == "" {
		return "", nil
	}
	return bestID, nil
}
