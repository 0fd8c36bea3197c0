package memory

import (
	"context"
	"time"
)

// MetadataFilter applies a condition to one of a fact's structured fields
// (entity, key, value, importance, confidence). Supported operators: "=", "!=",
// "<", "<=", ">", ">=". IncludeNull also matches rows where the field is
// empty, instead of excluding them as the bare comparison would.
type MetadataFilter struct {
	Key         string
	Op          string
	Value       any
	IncludeNull bool
}

// SearchOpts controls hybrid recall behavior for Store.Search.
type SearchOpts struct {
	MaxResults      int
	Entity          string
	Category        Category
	Tags            []string
	OnlyActive      bool
	MinTier         Tier
	MetadataFilters []MetadataFilter
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	DecayHalfLife   time.Duration
	CategoryDecay   map[Category]time.Duration
	FTSWeight       float64
	VecWeight       float64

	// IncludeCold includes COLD-tier facts in results; spec §4.6 step 4
	// drops them by default.
	IncludeCold bool

	// PreferLongTerm multiplies permanent/stable facts' rank score by 1.25
	// (spec §4.6 step 5), biasing recall toward durable facts over
	// session/active chatter when both match.
	PreferLongTerm bool
}

// SearchResult holds a fact with its per-channel and fused relevance
// scores, and which recall channels surfaced it.
type SearchResult struct {
	Fact     Fact
	FTSScore float64
	VecScore float64
	Combined float64
	Sources  []string
}

// QueryOpts controls filtering for List queries.
type QueryOpts struct {
	Entity          string
	Category        Category
	Tags            []string
	OnlyActive      bool
	MetadataFilters []MetadataFilter
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Limit           int
}

// HistoryEntry wraps a Fact with its position in a supersession chain.
type HistoryEntry struct {
	Fact        Fact
	Position    int
	ChainLength int
}

// Stats summarizes the fact store's contents, returned by the Engine's
// Stats operation (spec §6.3).
type Stats struct {
	TotalFacts      int64
	ActiveFacts     int64
	SupersededFacts int64
	ByTier          map[Tier]int64
	ByCategory      map[Category]int64
	ByDecayClass    map[DecayClass]int64
	OldestCreatedAt time.Time
	NewestCreatedAt time.Time
}

// Store provides fact storage with hybrid FTS5+vector search, backed by a
// single SQLite database. All writes serialize through the store's
// sync.RWMutex (spec §5); reads may run concurrently with each other.
type Store interface {
	Insert(ctx context.Context, f Fact) (string, error)
	InsertBatch(ctx context.Context, facts []Fact) error
	Supersede(ctx context.Context, oldID, newID string) error
	Confirm(ctx context.Context, id string) error
	Touch(ctx context.Context, ids []string) error
	Delete(ctx context.Context, id string) error
	SetTier(ctx context.Context, id string, tier Tier) error
	SetConfidence(ctx context.Context, id string, confidence float64) error
	SetClassification(ctx context.Context, id string, category Category, decayClass DecayClass) error
	RefreshExpiry(ctx context.Context, id string, expiresAt *time.Time) error

	Get(ctx context.Context, id string) (*Fact, error)
	List(ctx context.Context, opts QueryOpts) ([]Fact, error)
	ByEntity(ctx context.Context, entity string, onlyActive bool) ([]Fact, error)
	ByEntityKey(ctx context.Context, entity, key string, onlyActive bool) ([]Fact, error)
	Exists(ctx context.Context, text, entity string) (bool, error)
	FindDuplicate(ctx context.Context, text, entity string) (*Fact, error)
	ActiveCount(ctx context.Context) (int64, error)
	ByTier(ctx context.Context, tier Tier, onlyActive bool) ([]Fact, error)
	History(ctx context.Context, id string, entity string) ([]HistoryEntry, error)
	Expired(ctx context.Context, now time.Time) ([]Fact, error)
	Stats(ctx context.Context) (Stats, error)

	Search(ctx context.Context, query string, opts SearchOpts) ([]SearchResult, error)
	SearchBatch(ctx context.Context, queries []string, opts SearchOpts) ([][]SearchResult, error)

	NeedingEmbedding(ctx context.Context, limit int) ([]Fact, error)
	SetEmbedding(ctx context.Context, id string, emb []float32) error
	EmbedFacts(ctx context.Context, batchSize int) (int, error)

	Close() error
}
