package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// rrfK is the Reciprocal Rank Fusion constant: a candidate's contribution
// from a channel is 1/(rrfK+rank). Larger values flatten the curve so that
// being ranked 2nd vs 10th matters less; 60 is the standard choice from the
// original RRF paper and is what the recall pipeline uses throughout.
const rrfK = 60

// tierRank orders tiers from hottest to coldest for MinTier comparisons.
var tierRank = map[Tier]int{TierHot: 0, TierWarm: 1, TierCold: 2}

// meetsMinTier applies spec §4.6 step 4's tier filter: COLD facts are
// dropped unless opts.IncludeCold is set. An explicit MinTier replaces that
// rule: every tier at least as hot as MinTier passes, and IncludeCold is
// not consulted.
func meetsMinTier(t Tier, opts SearchOpts) bool {
	if opts.MinTier != "" {
		return tierRank[t] <= tierRank[opts.MinTier]
	}
	if t == TierCold && !opts.IncludeCold {
		return false
	}
	return true
}

// Search performs hybrid FTS5 + vector recall, fusing the two candidate
// lists by Reciprocal Rank Fusion. Requires an embedder.
func (s *SQLiteStore) Search(ctx context.Context, query string, opts SearchOpts) ([]SearchResult, error) {
	if s.embedder == nil {
		return nil, ErrEmbedderRequired
	}

	opts = opts.withDefaults()

	queryEmb, err := Single(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// FTS and vector are independent read-only queries against the same
	// RLock'd connection; fetch them concurrently rather than back to back.
	var ftsResults, vecResults []SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ftsResults, err = s.searchFTS(gctx, query, opts)
		return err
	})
	if len(queryEmb) > 0 {
		g.Go(func() error {
			var err error
			vecResults, err = s.searchVector(gctx, queryEmb, opts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergeResults(ftsResults, vecResults, opts), nil
}

func (o SearchOpts) withDefaults() SearchOpts {
	if o.MaxResults <= 0 {
		o.MaxResults = 20
	}
	if o.FTSWeight == 0 && o.VecWeight == 0 {
		o.FTSWeight = 0.6
		o.VecWeight = 0.4
	}
	return o
}

// quoteFTSQuery makes a raw string safe for use in an FTS5 MATCH
// expression: each word is individually double-quoted so FTS5 treats it as
// a literal term, never as column-prefix or boolean syntax.
func quoteFTSQuery(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		escaped := strings.ReplaceAll(w, `"`, `""`)
		quoted = append(quoted, `"`+escaped+`"`)
	}
	return strings.Join(quoted, " ")
}

func (s *SQLiteStore) applyCommonFilters(q *string, args *[]any, alias string, opts SearchOpts) error {
	if opts.OnlyActive {
		*q += fmt.Sprintf(` AND %ssuperseded_by IS NULL`, alias)
	}
	if opts.Entity != "" {
		*q += fmt.Sprintf(` AND %sentity = ?`, alias)
		*args = append(*args, opts.Entity)
	}
	if opts.Category != "" {
		*q += fmt.Sprintf(` AND %scategory = ?`, alias)
		*args = append(*args, string(opts.Category))
	}
	for _, tag := range opts.Tags {
		*q += fmt.Sprintf(` AND (',' || %stags || ',') LIKE ?`, alias)
		*args = append(*args, "%,"+strings.ToLower(tag)+",%")
	}
	if err := appendMetadataFilters(q, args, alias, opts.MetadataFilters); err != nil {
		return err
	}
	appendTemporalFilters(q, args, alias, opts.CreatedAfter, opts.CreatedBefore)
	return nil
}

// searchFTS performs a BM25-ranked FTS5 search.
func (s *SQLiteStore) searchFTS(ctx context.Context, query string, opts SearchOpts) ([]SearchResult, error) {
	ftsQuery := quoteFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	q := `SELECT ` + prefixColumns("f.") + `, rank
	      FROM facts_fts fts
	      JOIN facts f ON f.rowid = fts.rowid
	      WHERE facts_fts MATCH ?`
	args := []any{ftsQuery}

	if err := s.applyCommonFilters(&q, &args, "f.", opts); err != nil {
		return nil, err
	}

	q += ` ORDER BY rank LIMIT ?`
	args = append(args, opts.MaxResults*2)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: FTS search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		f, rank, err := scanFactWithRank(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scanning FTS result: %w", err)
		}
		if !meetsMinTier(f.Tier, opts) {
			continue
		}
		// BM25 rank is negative (lower = better match); negate for scoring.
		results = append(results, SearchResult{Fact: *f, FTSScore: -rank, Sources: []string{"fts"}})
	}
	return results, rows.Err()
}

// searchVector performs brute-force cosine similarity search against
// stored embeddings. There is no ANN index: every active candidate's
// embedding is compared in Go. This scales to the tens of thousands of
// facts a single-agent memory realistically holds; see vectorindex/
// for a Postgres+pgvector backend when a deployment outgrows that.
func (s *SQLiteStore) searchVector(ctx context.Context, queryEmb []float32, opts SearchOpts) ([]SearchResult, error) {
	if s.vecIndex != nil {
		return s.searchVectorExternal(ctx, queryEmb, opts)
	}

	q := `SELECT ` + factColumns + ` FROM facts WHERE embedding IS NOT NULL`
	var args []any
	if err := s.applyCommonFilters(&q, &args, "", opts); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: vector search: %w", err)
	}
	defer rows.Close()

	type scored struct {
		fact  Fact
		score float64
	}
	var candidates []scored
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scanning vector result: %w", err)
		}
		if !meetsMinTier(f.Tier, opts) || len(f.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(queryEmb, f.Embedding)
		if sim > 0 {
			candidates = append(candidates, scored{fact: *f, score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: vector search scan: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit := opts.MaxResults * 2; len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = SearchResult{Fact: c.fact, VecScore: c.score, Sources: []string{"vector"}}
	}
	return results, nil
}

// searchVectorExternal delegates nearest-neighbor lookup to the attached
// vectorindex.Index (e.g. PgvectorIndex) instead of scanning embeddings in
// process, then fetches and filters the matched facts from SQLite.
func (s *SQLiteStore) searchVectorExternal(ctx context.Context, queryEmb []float32, opts SearchOpts) ([]SearchResult, error) {
	matches, err := s.vecIndex.Query(ctx, queryEmb, opts.MaxResults*2)
	if err != nil {
		return nil, fmt.Errorf("memory: external vector query: %w", err)
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		f, err := s.getLocked(ctx, m.FactID)
		if err != nil || f == nil {
			continue
		}
		if opts.OnlyActive && f.Superseded() {
			continue
		}
		if opts.Entity != "" && f.Entity != opts.Entity {
			continue
		}
		if opts.Category != "" && f.Category != opts.Category {
			continue
		}
		if !meetsMinTier(f.Tier, opts) {
			continue
		}
		// cosine distance -> similarity
		sim := 1 - m.Distance
		if sim <= 0 {
			continue
		}
		results = append(results, SearchResult{Fact: *f, VecScore: sim, Sources: []string{"vector"}})
	}
	return results, nil
}

// mergeResults fuses the FTS and vector candidate lists by Reciprocal Rank
// Fusion, weighted per channel by opts.FTSWeight/VecWeight, then applies
// optional exponential time decay before truncating to MaxResults.
func mergeResults(fts, vec []SearchResult, opts SearchOpts) []SearchResult {
	type acc struct {
		fact    Fact
		score   float64
		sources map[string]bool
	}
	byID := make(map[string]*acc)

	add := func(list []SearchResult, weight float64) {
		for rank, r := range list {
			a, ok := byID[r.Fact.ID]
			if !ok {
				a = &acc{fact: r.Fact, sources: map[string]bool{}}
				byID[r.Fact.ID] = a
			}
			a.score += weight / float64(rrfK+rank+1)
			for _, src := range r.Sources {
				a.sources[src] = true
			}
		}
	}
	add(fts, opts.FTSWeight)
	add(vec, opts.VecWeight)

	now := time.Now()
	merged := make([]SearchResult, 0, len(byID))
	for _, a := range byID {
		score := a.score
		halfLife := opts.DecayHalfLife
		if opts.CategoryDecay != nil {
			if hl, ok := opts.CategoryDecay[a.fact.Category]; ok {
				halfLife = hl
			}
		}
		if halfLife > 0 {
			age := now.Sub(a.fact.CreatedAt).Seconds()
			score *= math.Pow(0.5, age/halfLife.Seconds())
		}
		if a.fact.Importance > 0 {
			score *= a.fact.Importance
		}
		if opts.PreferLongTerm && (a.fact.DecayClass == DecayPermanent || a.fact.DecayClass == DecayStable) {
			score *= 1.25
		}
		sources := make([]string, 0, len(a.sources))
		for src := range a.sources {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		merged = append(merged, SearchResult{Fact: a.fact, Combined: score, Sources: sources})
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Combined > merged[j].Combined })
	if len(merged) > opts.MaxResults {
		merged = merged[:opts.MaxResults]
	}
	return merged
}

// SearchBatch performs hybrid search for multiple queries, sharing a single
// batched embedding call across all queries. Requires an embedder.
func (s *SQLiteStore) SearchBatch(ctx context.Context, queries []string, opts SearchOpts) ([][]SearchResult, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if s.embedder == nil {
		return nil, ErrEmbedderRequired
	}
	opts = opts.withDefaults()

	queryEmbs, err := embedWithRetry(ctx, s.embedder, queries)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([][]SearchResult, len(queries))
	for i, query := range queries {
		ftsResults, err := s.searchFTS(ctx, query, opts)
		if err != nil {
			return nil, err
		}
		var vecResults []SearchResult
		if i < len(queryEmbs) && len(queryEmbs[i]) > 0 {
			vecResults, err = s.searchVector(ctx, queryEmbs[i], opts)
			if err != nil {
				return nil, err
			}
		}
		results[i] = mergeResults(ftsResults, vecResults, opts)
	}
	return results, nil
}

func prefixColumns(alias string) string {
	cols := strings.Split(factColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanFactWithRank(rows scanner) (*Fact, float64, error) {
	// scanFact expects exactly len(factColumns) destinations; append rank.
	f := &Fact{}
	var tags string
	var category, decayClass, tier, source string
	var createdAt, sourceDate, lastConfirmedAt string
	var expiresAt, supersededBy, supersededAt sql.NullString
	var embBlob []byte
	var rank float64

	err := rows.Scan(
		&f.ID, &f.Text, &f.Entity, &f.Key, &f.Value, &category, &tags,
		&f.Importance, &f.Confidence, &decayClass,
		&createdAt, &sourceDate, &lastConfirmedAt, &expiresAt, &tier,
		&supersededBy, &supersededAt, &source, &embBlob, &rank,
	)
	if err != nil {
		return nil, 0, err
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
	return f, rank, nil
}
