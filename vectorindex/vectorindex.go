// Package vectorindex provides an alternate vector-similarity backend for
// facts whose embeddings have outgrown a single SQLite file's brute-force
// cosine scan. The default store (sqlite.go) keeps embeddings inline and
// scans them in process; Index, implemented here against Postgres+pgvector,
// is a drop-in the engine can point at instead once the corpus is large
// enough that an ANN index pays for itself.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Match is a single nearest-neighbor hit.
type Match struct {
	FactID   string
	Distance float64
}

// Index is the vector-similarity surface the recall pipeline's vector
// branch needs. PgvectorIndex satisfies it; SQLiteStore queries an Index
// attached via SetVectorIndex and otherwise falls back to its own
// brute-force scan, so the engine can swap backends without touching
// search.go's fusion logic.
type Index interface {
	Upsert(ctx context.Context, factID string, embedding []float32) error
	Delete(ctx context.Context, factID string) error
	Query(ctx context.Context, embedding []float32, limit int) ([]Match, error)
	Close()
}

// PgvectorIndex stores embeddings in a Postgres table with a pgvector
// column and queries it with the <=> (cosine distance) operator, backed by
// an ivfflat index for approximate nearest-neighbor lookups once the table
// is large.
type PgvectorIndex struct {
	pool *pgxpool.Pool
	dim  int
}

// Open connects to Postgres and ensures the fact_embeddings table and its
// ivfflat index exist. dim is the embedding dimensionality of the model in
// use; it must match every vector inserted afterward.
func Open(ctx context.Context, connString string, dim int) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: connecting: %w", err)
	}
	idx := &PgvectorIndex{pool: pool, dim: dim}
	if err := idx.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *PgvectorIndex) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fact_embeddings (
			fact_id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL
		)`, idx.dim),
	}
	for _, stmt := range stmts {
		if _, err := idx.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorindex: migrate: %w", err)
		}
	}
	// ivfflat requires rows to exist before it can be built usefully, so
	// it is not created here; EnsureANNIndex builds it when called.
	return nil
}

// EnsureANNIndex creates the ivfflat approximate index once the table has
// enough rows for it to be worth the build cost. Safe to call repeatedly.
func (idx *PgvectorIndex) EnsureANNIndex(ctx context.Context, lists int) error {
	stmt := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS fact_embeddings_ann
		 ON fact_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, lists)
	_, err := idx.pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("vectorindex: building ann index: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a fact's embedding.
func (idx *PgvectorIndex) Upsert(ctx context.Context, factID string, embedding []float32) error {
	if len(embedding) != idx.dim {
		return fmt.Errorf("vectorindex: embedding has %d dims, index expects %d", len(embedding), idx.dim)
	}
	_, err := idx.pool.Exec(ctx,
		`INSERT INTO fact_embeddings (fact_id, embedding) VALUES ($1, $2)
		 ON CONFLICT (fact_id) DO UPDATE SET embedding = excluded.embedding`,
		factID, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("vectorindex: upserting %s: %w", factID, err)
	}
	return nil
}

// Delete removes a fact's embedding, called when a fact is hard-deleted.
func (idx *PgvectorIndex) Delete(ctx context.Context, factID string) error {
	_, err := idx.pool.Exec(ctx, `DELETE FROM fact_embeddings WHERE fact_id = $1`, factID)
	if err != nil {
		return fmt.Errorf("vectorindex: deleting %s: %w", factID, err)
	}
	return nil
}

// Query returns the limit nearest facts to embedding by cosine distance,
// nearest first.
func (idx *PgvectorIndex) Query(ctx context.Context, embedding []float32, limit int) ([]Match, error) {
	if len(embedding) != idx.dim {
		return nil, fmt.Errorf("vectorindex: query embedding has %d dims, index expects %d", len(embedding), idx.dim)
	}
	rows, err := idx.pool.Query(ctx,
		`SELECT fact_id, embedding <=> $1 AS distance
		 FROM fact_embeddings ORDER BY embedding <=> $1 LIMIT $2`,
		pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.FactID, &m.Distance); err != nil {
			return nil, fmt.Errorf("vectorindex: scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Close releases the underlying connection pool.
func (idx *PgvectorIndex) Close() {
	idx.pool.Close()
}
