package memory

import (
	"context"
	"sort"
	"time"
)

// GraphBooster supplies spreading-activation scores for a set of seed
// facts. graph.Store satisfies this structurally.
type GraphBooster interface {
	Spread(ctx context.Context, seeds map[string]float64) (map[string]float64, error)
}

// graphBoostWeight scales a fact's spreading-activation score before it is
// added to its RRF-fused score; kept modest so graph connections nudge
// ranking rather than override the text/vector signal.
const graphBoostWeight = 0.15

// approxCharsPerToken is a rough token estimator (no tokenizer dependency
// for this) used only to decide when a result's Text should be swapped for
// its Summary under a token budget.
const approxCharsPerToken = 4

// hotMaxFacts and hotMaxTokens bound the HOT prefill step (spec §4.6 step
// 1): the most important, most recently confirmed HOT facts are always
// returned first, independent of how well they match the query.
const (
	hotMaxFacts  = 20
	hotMaxTokens = 2000
)

// RecallOpts extends SearchOpts with the recall pipeline's own knobs:
// whether results refresh their expiry on access, a token budget for
// trimming, and a progressive-disclosure format.
type RecallOpts struct {
	SearchOpts

	// NoRefresh disables the refresh-on-access side effect (spec §4.1 I2:
	// recall refreshes last_confirmed_at, and therefore expires_at, for
	// Stable/Active facts). Set for read-only inspection.
	NoRefresh bool

	// TokenBudget caps the combined size of returned fact text, roughly
	// estimated. 0 means unlimited. Facts are kept in ranked order; once a
	// fact's full Text would exceed the remaining budget, its Summary is
	// substituted if one exists, else the fact is dropped.
	TokenBudget int

	// Format selects progressive disclosure: "" or "full" returns complete
	// facts; "index" returns only ID/Text/Category, suitable for a first
	// pass where the caller will Lookup specific facts by ID afterward.
	Format string
}

// IndexEntry is the progressive-disclosure view of a recalled fact.
type IndexEntry struct {
	ID       string
	Text     string
	Category Category
}

// RecallResponse is the outcome of a Recall call: either full results or,
// under Format: "index", an index the caller can page through before
// fetching full facts by ID.
type RecallResponse struct {
	Results []SearchResult
	Index   []IndexEntry
}

// Recaller runs the recall pipeline (spec §4.6) on top of a Store: hybrid
// search, graph boost, tier/time-decay already applied by Store.Search,
// then budget trim and refresh-on-access.
type Recaller struct {
	store Store
	graph GraphBooster
	now   func() time.Time
}

// NewRecaller constructs a Recaller. graph may be nil to disable the graph
// boost step entirely (the pipeline degrades to plain hybrid search).
func NewRecaller(store Store, graph GraphBooster) *Recaller {
	return &Recaller{store: store, graph: graph, now: time.Now}
}

// Recall performs hybrid search, boosts results connected to each other via
// the fact graph, trims to the token budget, and refreshes access times for
// returned facts whose decay class calls for it.
func (r *Recaller) Recall(ctx context.Context, query string, opts RecallOpts) (RecallResponse, error) {
	results, err := r.store.Search(ctx, query, opts.SearchOpts)
	if err != nil {
		return RecallResponse{}, err
	}

	seen := make(map[string]bool, len(results))
	for _, res := range results {
		seen[res.Fact.ID] = true
	}
	hot, err := r.hotPrefill(ctx, seen)
	if err != nil {
		return RecallResponse{}, err
	}
	if len(hot) > 0 {
		results = append(hot, results...)
	}

	if r.graph != nil && len(results) > 0 {
		results, err = r.applyGraphBoost(ctx, results)
		if err != nil {
			return RecallResponse{}, err
		}
	}

	if opts.TokenBudget > 0 {
		results = trimToBudget(results, opts.TokenBudget)
	}

	if !opts.NoRefresh {
		r.refresh(ctx, results)
	}

	if opts.Format == "index" {
		return RecallResponse{Index: toIndex(results)}, nil
	}
	return RecallResponse{Results: results}, nil
}

// Lookup returns facts for an entity directly, bypassing search entirely —
// the spec's lookup(entity, key?) operation for when the caller already
// knows the attribute rather than needing semantic recall. An empty key
// returns every fact for the entity; a non-empty key restricts to that
// attribute.
func (r *Recaller) Lookup(ctx context.Context, entity, key string, onlyActive bool) ([]Fact, error) {
	var facts []Fact
	var err error
	if key != "" {
		facts, err = r.store.ByEntityKey(ctx, entity, key, onlyActive)
	} else {
		facts, err = r.store.ByEntity(ctx, entity, onlyActive)
	}
	if err != nil {
		return nil, err
	}
	if onlyActive {
		r.refreshFacts(ctx, facts)
	}
	return facts, nil
}

// hotPrefill selects up to hotMaxFacts HOT-tier facts, ordered by
// importance then recency (Store.ByTier's own ordering), summing text
// tokens until hotMaxTokens is reached. Facts already present in results
// (exclude) are skipped so they aren't duplicated by the prefill.
func (r *Recaller) hotPrefill(ctx context.Context, exclude map[string]bool) ([]SearchResult, error) {
	facts, err := r.store.ByTier(ctx, TierHot, true)
	if err != nil {
		return nil, err
	}

	var out []SearchResult
	budget := hotMaxTokens
	for _, f := range facts {
		if len(out) >= hotMaxFacts {
			break
		}
		if exclude[f.ID] {
			continue
		}
		cost := EstimateTokens(f.Text)
		if cost > budget {
			continue
		}
		out = append(out, SearchResult{Fact: f, Combined: 1, Sources: []string{"hot"}})
		budget -= cost
	}
	return out, nil
}

func (r *Recaller) applyGraphBoost(ctx context.Context, results []SearchResult) ([]SearchResult, error) {
	seeds := make(map[string]float64, len(results))
	for _, res := range results {
		seeds[res.Fact.ID] = res.Combined
	}
	boosts, err := r.graph.Spread(ctx, seeds)
	if err != nil {
		return nil, err
	}
	if len(boosts) == 0 {
		return results, nil
	}
	for i := range results {
		if b, ok := boosts[results[i].Fact.ID]; ok {
			results[i].Combined += b * graphBoostWeight
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Combined > results[j].Combined })
	return results, nil
}

// trimToBudget keeps results in rank order until the estimated token cost
// would exceed budget; a result that doesn't fit falls back to its Summary
// if shorter, and is dropped entirely if neither fits.
func trimToBudget(results []SearchResult, budget int) []SearchResult {
	var kept []SearchResult
	remaining := budget
	for _, res := range results {
		text := res.Fact.Text
		cost := EstimateTokens(text)
		if cost > remaining && res.Fact.Summary != "" {
			text = res.Fact.Summary
			cost = EstimateTokens(text)
		}
		if cost > remaining {
			continue
		}
		res.Fact.Text = text
		kept = append(kept, res)
		remaining -= cost
	}
	return kept
}

// EstimateTokens is a rough, tokenizer-free token-count estimate (chars/4),
// shared by the recall budget trim and the scheduler's HOT tier budget cap.
func EstimateTokens(s string) int {
	n := len(s) / approxCharsPerToken
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

func toIndex(results []SearchResult) []IndexEntry {
	idx := make([]IndexEntry, len(results))
	for i, r := range results {
		idx[i] = IndexEntry{ID: r.Fact.ID, Text: r.Fact.Text, Category: r.Fact.Category}
	}
	return idx
}

// refresh applies the recall-time confirm side effect to every returned
// fact whose decay class extends on access (invariant I2).
func (r *Recaller) refresh(ctx context.Context, results []SearchResult) {
	for _, res := range results {
		if res.Fact.DecayClass.RefreshExtends() {
			_ = r.store.Confirm(ctx, res.Fact.ID)
		}
	}
}

func (r *Recaller) refreshFacts(ctx context.Context, facts []Fact) {
	for _, f := range facts {
		if f.DecayClass.RefreshExtends() {
			_ = r.store.Confirm(ctx, f.ID)
		}
	}
}
