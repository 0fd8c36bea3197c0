package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/vectorindex"
)

const schemaVersion = 2

// factColumns is the canonical SELECT list for fact queries.
const factColumns = `id, text, entity, key, value, category, tags, importance, confidence, decay_class,
	created_at, source_date, last_confirmed_at, expires_at, tier, superseded_by, superseded_at, source, embedding`

// SQLiteStore implements Store backed by a caller-provided SQLite database.
// It creates its own versioned tables so it doesn't conflict with any other
// schema sharing the database. All writes serialize through mu; reads may
// run concurrently with each other and with in-flight writes.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	embedder Embedder // nil means FTS-only; Search and EmbedFacts will fail

	// vecIndex, if set, replaces the in-process brute-force cosine scan
	// with an external ANN backend (vectorindex.PgvectorIndex). Upserts and
	// deletes against it happen outside s.mu (spec §5: external I/O never
	// runs under the write lock).
	vecIndex vectorindex.Index
}

// SetVectorIndex attaches an external vector backend. Pass nil to revert to
// the built-in brute-force scan.
func (s *SQLiteStore) SetVectorIndex(idx vectorindex.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vecIndex = idx
}

// NewSQLiteStore creates a fact store using the given database connection.
// The caller owns the connection's lifecycle and pragmas (WAL mode, busy
// timeout, SetMaxOpenConns(1) — see cmd/memoryd for the canonical open
// sequence). If embedder is non-nil its Model() is validated against
// whatever model was recorded on a prior open; pass nil for
// write-only or administrative access.
func NewSQLiteStore(db *sql.DB, embedder Embedder) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, embedder: embedder}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("memory: migration: %w", err)
	}
	if embedder != nil {
		if err := s.validateEmbedder(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS memory_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM memory_version").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return fmt.Errorf("reading version: %w", err)
	}

	if version >= schemaVersion {
		return nil
	}
	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := s.migrateV2(); err != nil {
			return err
		}
	}

	if version == 0 {
		_, err = s.db.Exec("INSERT INTO memory_version (version) VALUES (?)", schemaVersion)
	} else {
		_, err = s.db.Exec("UPDATE memory_version SET version = ?", schemaVersion)
	}
	return err
}

func (s *SQLiteStore) migrateV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			id                TEXT PRIMARY KEY,
			text              TEXT NOT NULL,
			entity            TEXT NOT NULL DEFAULT '',
			key               TEXT NOT NULL DEFAULT '',
			value             TEXT NOT NULL DEFAULT '',
			category          TEXT NOT NULL,
			tags              TEXT NOT NULL DEFAULT '',
			importance        REAL NOT NULL DEFAULT 0.5,
			confidence        REAL NOT NULL DEFAULT 1.0,
			decay_class       TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			source_date       TEXT NOT NULL,
			last_confirmed_at TEXT NOT NULL,
			expires_at        TEXT,
			tier              TEXT NOT NULL DEFAULT 'warm',
			superseded_by     TEXT REFERENCES facts(id),
			superseded_at     TEXT,
			source            TEXT NOT NULL,
			embedding         BLOB
		)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			text, entity, key, value,
			content='facts', content_rowid='rowid'
		)`,

		`CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts(rowid, text, entity, key, value)
			VALUES (new.rowid, new.text, new.entity, new.key, new.value);
		END`,

		`CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, text, entity, key, value)
			VALUES ('delete', old.rowid, old.text, old.entity, old.key, old.value);
		END`,

		`CREATE TRIGGER IF NOT EXISTS facts_au AFTER UPDATE ON facts BEGIN
			INSERT INTO facts_fts(facts_fts, rowid, text, entity, key, value)
			VALUES ('delete', old.rowid, old.text, old.entity, old.key, old.value);
			INSERT INTO facts_fts(rowid, text, entity, key, value)
			VALUES (new.rowid, new.text, new.entity, new.key, new.value);
		END`,

		`CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_active ON facts(id) WHERE superseded_by IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_facts_expires ON facts(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_facts_tier ON facts(tier)`,

		`CREATE TABLE IF NOT EXISTS memory_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory schema v1: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrateV2() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fact_edges (
			src_id TEXT NOT NULL REFERENCES facts(id),
			dst_id TEXT NOT NULL REFERENCES facts(id),
			type   TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1.0,
			PRIMARY KEY (src_id, dst_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_edges_dst ON fact_edges(dst_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("memory schema v2: %w", err)
		}
	}
	return nil
}

// validateEmbedder checks that the configured embedder's model matches the
// model recorded in the database, if any.
func (s *SQLiteStore) validateEmbedder() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM memory_meta WHERE key = 'embedding_model'`).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory: reading embedding model: %w", err)
	}
	if got := s.embedder.Model(); got != stored {
		return fmt.Errorf("%w: store has %q, embedder provides %q", ErrDimensionMismatch, stored, got)
	}
	return nil
}

func (s *SQLiteStore) recordEmbedder(dim int) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_meta WHERE key = 'embedding_model'`).Scan(&count); err != nil {
		return fmt.Errorf("memory: checking meta: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec(`INSERT INTO memory_meta (key, value) VALUES ('embedding_model', ?)`, s.embedder.Model()); err != nil {
		return fmt.Errorf("memory: recording embedding model: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO memory_meta (key, value) VALUES ('embedding_dim', ?)`, fmt.Sprintf("%d", dim)); err != nil {
		return fmt.Errorf("memory: recording embedding dim: %w", err)
	}
	return nil
}

// newFactID returns a new random fact identifier.
func newFactID() string { return uuid.NewString() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// Insert adds a single fact, assigning it an ID if it doesn't already have
// one, and returns the ID.
func (s *SQLiteStore) Insert(ctx context.Context, f Fact) (string, error) {
	s.mu.Lock()
	id, err := s.insertLocked(ctx, &f)
	vecIndex := s.vecIndex
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	if vecIndex != nil && len(f.Embedding) > 0 {
		if err := vecIndex.Upsert(ctx, id, f.Embedding); err != nil {
			return id, degraded("Insert", fmt.Errorf("upserting vector index: %w", err))
		}
	}
	return id, nil
}

func (s *SQLiteStore) insertLocked(ctx context.Context, f *Fact) (string, error) {
	if f.ID == "" {
		f.ID = newFactID()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.SourceDate.IsZero() {
		f.SourceDate = f.CreatedAt
	}
	if f.LastConfirmedAt.IsZero() {
		f.LastConfirmedAt = f.CreatedAt
	}
	if f.Importance == 0 {
		f.Importance = DefaultImportance
	}
	if f.Confidence == 0 {
		f.Confidence = 1.0
	}
	if f.Tier == "" {
		f.Tier = TierWarm
	}
	if f.ExpiresAt == nil {
		f.ExpiresAt = ComputeExpiry(f.DecayClass, f.LastConfirmedAt)
	}

	var embBlob []byte
	if len(f.Embedding) > 0 {
		embBlob = EncodeFloat32s(f.Embedding)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (id, text, entity, key, value, category, tags, importance, confidence,
			decay_class, created_at, source_date, last_confirmed_at, expires_at, tier,
			superseded_by, superseded_at, source, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Text, f.Entity, f.Key, f.Value, string(f.Category), strings.Join(f.Tags, ","),
		f.Importance, f.Confidence, string(f.DecayClass),
		formatTime(f.CreatedAt), formatTime(f.SourceDate), formatTime(f.LastConfirmedAt),
		formatTimePtr(f.ExpiresAt), string(f.Tier), f.SupersededBy, nil, string(f.Source), embBlob,
	)
	if err != nil {
		return "", fmt.Errorf("memory: inserting fact: %w", err)
	}
	return f.ID, nil
}

// InsertBatch inserts multiple facts in a single transaction, setting each
// fact's ID field in place.
func (s *SQLiteStore) InsertBatch(ctx context.Context, facts []Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range facts {
		if facts[i].ID == "" {
			facts[i].ID = newFactID()
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO facts (id, text, entity, key, value, category, tags, importance, confidence,
			decay_class, created_at, source_date, last_confirmed_at, expires_at, tier,
			superseded_by, superseded_at, source, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("memory: preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range facts {
		f := &facts[i]
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.SourceDate.IsZero() {
			f.SourceDate = f.CreatedAt
		}
		if f.LastConfirmedAt.IsZero() {
			f.LastConfirmedAt = f.CreatedAt
		}
		if f.Importance == 0 {
			f.Importance = DefaultImportance
		}
		if f.Confidence == 0 {
			f.Confidence = 1.0
		}
		if f.Tier == "" {
			f.Tier = TierWarm
		}
		if f.ExpiresAt == nil {
			f.ExpiresAt = ComputeExpiry(f.DecayClass, f.LastConfirmedAt)
		}

		var embBlob []byte
		if len(f.Embedding) > 0 {
			embBlob = EncodeFloat32s(f.Embedding)
		}

		_, err := stmt.ExecContext(ctx,
			f.ID, f.Text, f.Entity, f.Key, f.Value, string(f.Category), strings.Join(f.Tags, ","),
			f.Importance, f.Confidence, string(f.DecayClass),
			formatTime(f.CreatedAt), formatTime(f.SourceDate), formatTime(f.LastConfirmedAt),
			formatTimePtr(f.ExpiresAt), string(f.Tier), f.SupersededBy, nil, string(f.Source), embBlob,
		)
		if err != nil {
			return fmt.Errorf("memory: inserting fact %q: %w", f.Text, err)
		}
	}

	return tx.Commit()
}

// Supersede marks oldID as replaced by newID (invariant I3: supersession is
// one-way and permanent).
func (s *SQLiteStore) Supersede(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	result, err := s.db.ExecContext(ctx,
		`UPDATE facts SET superseded_by = ?, superseded_at = ? WHERE id = ? AND superseded_by IS NULL`,
		newID, now, oldID,
	)
	if err != nil {
		return fmt.Errorf("memory: superseding fact %s: %w", oldID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return notFound("Supersede", fmt.Errorf("fact %s not found or already superseded", oldID))
	}
	return nil
}

// Confirm bumps last_confirmed_at to now and, if the fact's decay class
// extends on refresh, recomputes expires_at (invariant I2).
func (s *SQLiteStore) Confirm(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	if f == nil {
		return notFound("Confirm", ErrFactNotFound)
	}
	now := time.Now().UTC()
	var expires *string
	if f.DecayClass.RefreshExtends() {
		e := ComputeExpiry(f.DecayClass, now)
		expires = formatTimePtr(e)
	} else {
		expires = formatTimePtr(f.ExpiresAt)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE facts SET last_confirmed_at = ?, expires_at = ? WHERE id = ?`,
		formatTime(now), expires, id,
	)
	if err != nil {
		return fmt.Errorf("memory: confirming fact %s: %w", id, err)
	}
	return nil
}

// Touch is Confirm's lighter cousin: it records that facts were surfaced by
// recall without resetting their confirmation timestamp. It's used to
// drive use-based tiering (hot facts are those touched recently and often).
func (s *SQLiteStore) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: beginning tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE facts SET tier = 'hot' WHERE id = ? AND tier != 'hot'`)
	if err != nil {
		return fmt.Errorf("memory: preparing touch: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("memory: touching fact %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Delete removes a fact outright. Forget (spec §6.1) uses this for hard
// deletes; soft "forget" is better expressed as Supersede with no
// replacement content, which callers can approximate with a tombstone fact.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	vecIndex := s.vecIndex
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memory: deleting fact %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return notFound("Delete", ErrFactNotFound)
	}

	if vecIndex != nil {
		if err := vecIndex.Delete(ctx, id); err != nil {
			return degraded("Delete", fmt.Errorf("deleting from vector index: %w", err))
		}
	}
	return nil
}

// SetTier updates a fact's tier directly, used by the scheduler's
// tier-compaction task.
func (s *SQLiteStore) SetTier(ctx context.Context, id string, tier Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE facts SET tier = ? WHERE id = ?`, string(tier), id)
	if err != nil {
		return fmt.Errorf("memory: setting tier for fact %s: %w", id, err)
	}
	return nil
}

// SetConfidence updates a fact's confidence directly, used by the
// scheduler's decay task (invariant I5: confidence never goes negative).
func (s *SQLiteStore) SetConfidence(ctx context.Context, id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if confidence < 0 {
		confidence = 0
	}
	_, err := s.db.ExecContext(ctx, `UPDATE facts SET confidence = ? WHERE id = ?`, confidence, id)
	if err != nil {
		return fmt.Errorf("memory: setting confidence for fact %s: %w", id, err)
	}
	return nil
}

// SetClassification overwrites a fact's category and decay class, used by
// the scheduler's reclassify task. The fact's expiry is not recomputed
// here — RefreshExpiry is a separate step, left to the caller so a
// reclassify pass can choose whether to also reset the TTL clock.
func (s *SQLiteStore) SetClassification(ctx context.Context, id string, category Category, decayClass DecayClass) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE facts SET category = ?, decay_class = ? WHERE id = ?`, string(category), string(decayClass), id)
	if err != nil {
		return fmt.Errorf("memory: setting classification for fact %s: %w", id, err)
	}
	return nil
}

// RefreshExpiry overwrites a fact's expires_at directly.
func (s *SQLiteStore) RefreshExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE facts SET expires_at = ? WHERE id = ?`, formatTimePtr(expiresAt), id)
	if err != nil {
		return fmt.Errorf("memory: refreshing expiry for fact %s: %w", id, err)
	}
	return nil
}

// Get retrieves a single fact by ID, returning nil if not found.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, id string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: getting fact %s: %w", id, err)
	}
	return f, nil
}

// List returns facts matching the given filters, ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, opts QueryOpts) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + factColumns + ` FROM facts WHERE 1=1`
	var args []any

	if opts.Entity != "" {
		q += ` AND entity = ?`
		args = append(args, opts.Entity)
	}
	if opts.Category != "" {
		q += ` AND category = ?`
		args = append(args, string(opts.Category))
	}
	if opts.OnlyActive {
		q += ` AND superseded_by IS NULL`
	}
	for _, tag := range opts.Tags {
		q += ` AND (',' || tags || ',') LIKE ?`
		args = append(args, "%,"+strings.ToLower(tag)+",%")
	}
	if err := appendMetadataFilters(&q, &args, "", opts.MetadataFilters); err != nil {
		return nil, invalidArg("List", err)
	}
	appendTemporalFilters(&q, &args, "", opts.CreatedAfter, opts.CreatedBefore)

	q += ` ORDER BY created_at`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: listing facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ByEntity returns facts for a given entity, oldest first.
func (s *SQLiteStore) ByEntity(ctx context.Context, entity string, onlyActive bool) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + factColumns + ` FROM facts WHERE entity = ?`
	args := []any{entity}
	if onlyActive {
		q += ` AND superseded_by IS NULL`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: querying by entity: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ByEntityKey returns facts for a given entity restricted to one attribute
// key, oldest first. This is the store-level primitive behind lookup(entity,
// key) and the write pipeline's entity+key conflict check (invariant I6: at
// most one active fact per entity+key).
func (s *SQLiteStore) ByEntityKey(ctx context.Context, entity, key string, onlyActive bool) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + factColumns + ` FROM facts WHERE entity = ? AND key = ?`
	args := []any{entity, key}
	if onlyActive {
		q += ` AND superseded_by IS NULL`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: querying by entity+key: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// normalizeFingerprint lowercases text and collapses every run of
// non-alphanumeric characters into a single space, so trivially reworded or
// re-punctuated restatements of the same fact compare equal.
func normalizeFingerprint(s string) string {
	var b strings.Builder
	prevSpace := true
	for _, r := range s {
		r = unicode.ToLower(r)
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevSpace = false
		case !prevSpace:
			b.WriteByte(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Exists checks whether an active fact with the same normalized fingerprint
// and entity already exists, used by the write pipeline's cheap dedup step.
func (s *SQLiteStore) Exists(ctx context.Context, text, entity string) (bool, error) {
	f, err := s.FindDuplicate(ctx, text, entity)
	if err != nil {
		return false, err
	}
	return f != nil, nil
}

// FindDuplicate returns the active fact whose normalized text fingerprint
// matches text within the same entity, or nil if none does. Fingerprint
// comparison happens in Go since SQLite can't express the punctuation-fold
// cheaply at the query level; entity-scoping keeps the scanned set small.
func (s *SQLiteStore) FindDuplicate(ctx context.Context, text, entity string) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE entity = ? AND superseded_by IS NULL`, entity)
	if err != nil {
		return nil, fmt.Errorf("memory: checking existence: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("memory: checking existence: %w", err)
	}

	fp := normalizeFingerprint(text)
	for i := range facts {
		if normalizeFingerprint(facts[i].Text) == fp {
			return &facts[i], nil
		}
	}
	return nil, nil
}

// ByTier returns facts in a given tier, most important and most recently
// confirmed first — the ordering the recall pipeline's HOT prefill step
// consumes directly.
func (s *SQLiteStore) ByTier(ctx context.Context, tier Tier, onlyActive bool) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + factColumns + ` FROM facts WHERE tier = ?`
	args := []any{string(tier)}
	if onlyActive {
		q += ` AND superseded_by IS NULL`
	}
	q += ` ORDER BY importance DESC, last_confirmed_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: querying by tier: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// ActiveCount returns the number of non-superseded facts.
func (s *SQLiteStore) ActiveCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE superseded_by IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("memory: counting active facts: %w", err)
	}
	return count, nil
}

// Expired returns all facts (active or superseded) whose expiry has
// passed as of now, for the scheduler's prune task.
func (s *SQLiteStore) Expired(ctx context.Context, now time.Time) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("memory: querying expired facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// Stats summarizes the store's contents for the Engine's Stats operation.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	st.ByTier = map[Tier]int64{}
	st.ByCategory = map[Category]int64{}
	st.ByDecayClass = map[DecayClass]int64{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&st.TotalFacts); err != nil {
		return st, fmt.Errorf("memory: counting facts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE superseded_by IS NULL`).Scan(&st.ActiveFacts); err != nil {
		return st, fmt.Errorf("memory: counting active facts: %w", err)
	}
	st.SupersededFacts = st.TotalFacts - st.ActiveFacts

	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM facts GROUP BY tier`)
	if err != nil {
		return st, fmt.Errorf("memory: tallying tiers: %w", err)
	}
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByTier[Tier(tier)] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM facts GROUP BY category`)
	if err != nil {
		return st, fmt.Errorf("memory: tallying categories: %w", err)
	}
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByCategory[Category(cat)] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT decay_class, COUNT(*) FROM facts GROUP BY decay_class`)
	if err != nil {
		return st, fmt.Errorf("memory: tallying decay classes: %w", err)
	}
	for rows.Next() {
		var dc string
		var n int64
		if err := rows.Scan(&dc, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByDecayClass[DecayClass(dc)] = n
	}
	rows.Close()

	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at), MAX(created_at) FROM facts`).Scan(&oldest, &newest); err == nil {
		if oldest.Valid {
			st.OldestCreatedAt, _ = time.Parse(time.RFC3339Nano, oldest.String)
		}
		if newest.Valid {
			st.NewestCreatedAt, _ = time.Parse(time.RFC3339Nano, newest.String)
		}
	}

	return st, nil
}

// NeedingEmbedding returns facts that don't have embeddings yet.
func (s *SQLiteStore) NeedingEmbedding(ctx context.Context, limit int) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE embedding IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: querying unembedded facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SetEmbedding stores a computed embedding for a fact.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, emb []float32) error {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `UPDATE facts SET embedding = ? WHERE id = ?`, EncodeFloat32s(emb), id)
	vecIndex := s.vecIndex
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memory: setting embedding for fact %s: %w", id, err)
	}

	if vecIndex != nil && len(emb) > 0 {
		if err := vecIndex.Upsert(ctx, id, emb); err != nil {
			return degraded("SetEmbedding", fmt.Errorf("upserting vector index: %w", err))
		}
	}
	return nil
}

// EmbedFacts generates embeddings for every fact lacking one, batching
// Embed calls for efficiency. Returns the number of facts embedded.
func (s *SQLiteStore) EmbedFacts(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil {
		return 0, ErrEmbedderRequired
	}
	if batchSize <= 0 {
		batchSize = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, text FROM facts WHERE embedding IS NULL ORDER BY created_at`)
	if err != nil {
		return 0, fmt.Errorf("memory: querying unembedded facts: %w", err)
	}
	type idText struct {
		id, text string
	}
	var pending []idText
	for rows.Next() {
		var it idText
		if err := rows.Scan(&it.id, &it.text); err != nil {
			rows.Close()
			return 0, fmt.Errorf("memory: scanning fact: %w", err)
		}
		pending = append(pending, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("memory: iterating facts: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	total := 0
	for i := 0; i < len(pending); i += batchSize {
		end := min(i+batchSize, len(pending))
		batch := pending[i:end]

		texts := make([]string, len(batch))
		for j, it := range batch {
			texts[j] = it.text
		}

		embeddings, err := embedWithRetry(ctx, s.embedder, texts)
		if err != nil {
			return total, err
		}
		if len(embeddings) != len(batch) {
			return total, fmt.Errorf("memory: embedding count mismatch: got %d, want %d", len(embeddings), len(batch))
		}
		if total == 0 && i == 0 && len(embeddings[0]) > 0 {
			if err := s.recordEmbedder(len(embeddings[0])); err != nil {
				return 0, err
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return total, fmt.Errorf("memory: beginning tx: %w", err)
		}
		stmt, err := tx.Prepare(`UPDATE facts SET embedding = ? WHERE id = ?`)
		if err != nil {
			tx.Rollback()
			return total, fmt.Errorf("memory: preparing update: %w", err)
		}
		for j, emb := range embeddings {
			if _, err := stmt.Exec(EncodeFloat32s(emb), batch[j].id); err != nil {
				stmt.Close()
				tx.Rollback()
				return total, fmt.Errorf("memory: updating fact %s: %w", batch[j].id, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return total, fmt.Errorf("memory: committing batch: %w", err)
		}
		total += len(batch)
	}
	return total, nil
}

// validMetadataOps is the set of allowed comparison operators for
// MetadataFilter.
var validMetadataOps = map[string]bool{
	"=": true, "!=": true,
	"<": true, "<=": true,
	">": true, ">=": true,
}

// validMetadataKey restricts filter keys to alphanumerics and underscores,
// preventing SQL injection via the column name built into the query text.
func validMetadataKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

var metadataColumns = map[string]bool{
	"entity": true, "key": true, "value": true, "importance": true, "confidence": true,
}

func appendMetadataFilters(q *string, args *[]any, alias string, filters []MetadataFilter) error {
	for _, mf := range filters {
		if !validMetadataKey(mf.Key) || !metadataColumns[mf.Key] {
			return fmt.Errorf("memory: invalid metadata filter key: %q", mf.Key)
		}
		if !validMetadataOps[mf.Op] {
			return fmt.Errorf("memory: invalid metadata filter operator: %q", mf.Op)
		}
		col := alias + mf.Key
		if mf.IncludeNull {
			*q += fmt.Sprintf(` AND (%s IS NULL OR %s = '' OR %s %s ?)`, col, col, col, mf.Op)
		} else {
			*q += fmt.Sprintf(` AND %s %s ?`, col, mf.Op)
		}
		*args = append(*args, mf.Value)
	}
	return nil
}

func appendTemporalFilters(q *string, args *[]any, alias string, after, before *time.Time) {
	if after != nil {
		*q += fmt.Sprintf(` AND %screated_at >= ?`, alias)
		*args = append(*args, formatTime(*after))
	}
	if before != nil {
		*q += fmt.Sprintf(` AND %screated_at <= ?`, alias)
		*args = append(*args, formatTime(*before))
	}
}

// History returns the supersession chain for a fact. By ID, it walks
// backward (predecessors) then forward (successors) to assemble the full
// chain. By entity (id == ""), it returns all facts for that entity,
// including superseded ones, oldest first.
func (s *SQLiteStore) History(ctx context.Context, id string, entity string) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != "" {
		return s.historyByID(ctx, id)
	}
	if entity != "" {
		return s.historyByEntity(ctx, entity)
	}
	return nil, invalidArg("History", fmt.Errorf("requires either id or entity"))
}

func (s *SQLiteStore) historyByID(ctx context.Context, id string) ([]HistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	anchor, err := scanFact(row)
	if err != nil {
		return nil, notFound("History", fmt.Errorf("fact %s not found: %w", id, err))
	}

	var backward []Fact
	current := anchor.ID
	for {
		row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE superseded_by = ?`, current)
		pred, err := scanFact(row)
		if err != nil {
			break
		}
		backward = append(backward, *pred)
		current = pred.ID
	}

	chain := make([]Fact, 0, len(backward)+1)
	for i := len(backward) - 1; i >= 0; i-- {
		chain = append(chain, backward[i])
	}
	chain = append(chain, *anchor)

	if anchor.SupersededBy != nil {
		next := *anchor.SupersededBy
		for {
			row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, next)
			succ, err := scanFact(row)
			if err != nil {
				break
			}
			chain = append(chain, *succ)
			if succ.SupersededBy == nil {
				break
			}
			next = *succ.SupersededBy
		}
	}

	entries := make([]HistoryEntry, len(chain))
	for i, f := range chain {
		entries[i] = HistoryEntry{Fact: f, Position: i, ChainLength: len(chain)}
	}
	return entries, nil
}

func (s *SQLiteStore) historyByEntity(ctx context.Context, entity string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE entity = ? ORDER BY created_at`, entity)
	if err != nil {
		return nil, fmt.Errorf("memory: history by entity: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, len(facts))
	for i, f := range facts {
		entries[i] = HistoryEntry{Fact: f, Position: i, ChainLength: len(facts)}
	}
	return entries, nil
}

// Close is a no-op; the caller owns the database connection.
func (s *SQLiteStore) Close() error { return nil }

// scanner abstracts *sql.Row and *sql.Rows for scanFact.
type scanner interface {
	Scan(dest ...any) error
}

func scanFact(row scanner) (*Fact, error) {
	var f Fact
	var tags string
	var category, decayClass, tier, source string
	var createdAt, sourceDate, lastConfirmedAt string
	var expiresAt sql.NullString
	var supersededBy sql.NullString
	var supersededAt sql.NullString
	var embBlob []byte

	err := row.Scan(
		&f.ID, &f.Text, &f.Entity, &f.Key, &f.Value, &category, &tags,
		&f.Importance, &f.Confidence, &decayClass,
		&createdAt, &sourceDate, &lastConfirmedAt, &expiresAt, &tier,
		&supersededBy, &supersededAt, &source, &embBlob,
	)
	if err != nil {
		return nil, err
	}

	f.Category = Category(category)
	f.DecayClass = DecayClass(decayClass)
	f.Tier = Tier(tier)
	f.Source = Source(source)
	if tags != "" {
		f.Tags = strings.Split(tags, ",")
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	f.SourceDate, _ = time.Parse(time.RFC3339Nano, sourceDate)
	f.LastConfirmedAt, _ = time.Parse(time.RFC3339Nano, lastConfirmedAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		f.ExpiresAt = &t
	}
	if supersededBy.Valid {
		v := supersededBy.String
		f.SupersededBy = &v
	}
	if len(embBlob) > 0 {
		f.Embedding = DecodeFloat32s(embBlob)
	}
	_ = supersededAt // not currently surfaced on Fact; kept in schema for audit

	return &f, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scanning fact: %w", err)
		}
		facts = append(facts, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterating facts: %w", err)
	}
	return facts, nil
}
