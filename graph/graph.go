// Package graph stores typed relationships between facts, used by the
// recall pipeline to boost results that are connected to a fact already
// matched by FTS or vector search (spec §4.6 graph boost step).
package graph

import (
	"context"
	"database/sql"
	"fmt"
)

// Edge is a typed, weighted relationship between two facts.
type Edge struct {
	SrcID  string
	DstID  string
	Type   string
	Weight float64
}

// Store persists edges in the same SQLite database as the fact store
// (table fact_edges, created by the store's schema migration so the
// engine only has to manage one file).
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB; it assumes the fact_edges table already
// exists (created by memory.NewSQLiteStore's migration).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Link creates or updates a directed edge between two facts.
func (s *Store) Link(ctx context.Context, srcID, dstID, edgeType string, weight float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fact_edges (src_id, dst_id, type, weight) VALUES (?, ?, ?, ?)
		 ON CONFLICT (src_id, dst_id, type) DO UPDATE SET weight = excluded.weight`,
		srcID, dstID, edgeType, weight,
	)
	if err != nil {
		return fmt.Errorf("graph: linking %s -> %s: %w", srcID, dstID, err)
	}
	return nil
}

// Unlink removes a specific edge.
func (s *Store) Unlink(ctx context.Context, srcID, dstID, edgeType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fact_edges WHERE src_id = ? AND dst_id = ? AND type = ?`, srcID, dstID, edgeType)
	if err != nil {
		return fmt.Errorf("graph: unlinking %s -> %s: %w", srcID, dstID, err)
	}
	return nil
}

// Neighbors returns every fact directly reachable from id in either
// direction, along with the edge that connects them.
func (s *Store) Neighbors(ctx context.Context, id string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src_id, dst_id, type, weight FROM fact_edges WHERE src_id = ? OR dst_id = ?`, id, id)
	if err != nil {
		return nil, fmt.Errorf("graph: neighbors of %s: %w", id, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SrcID, &e.DstID, &e.Type, &e.Weight); err != nil {
			return nil, fmt.Errorf("graph: scanning edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Spread performs a single step of spreading activation: given a set of
// seed fact IDs with activation scores, it returns each neighbor's
// accumulated score (seed score * edge weight, summed across all
// contributing seeds). Facts already in the seed set are excluded.
func (s *Store) Spread(ctx context.Context, seeds map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64)
	for id, score := range seeds {
		edges, err := s.Neighbors(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			other := e.DstID
			if other == id {
				other = e.SrcID
			}
			if _, isSeed := seeds[other]; isSeed {
				continue
			}
			out[other] += score * e.Weight
		}
	}
	return out, nil
}

// RemoveFact deletes every edge touching a fact. Superseding a fact does
// not touch its edges.
func (s *Store) RemoveFact(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fact_edges WHERE src_id = ? OR dst_id = ?`, id, id)
	if err != nil {
		return fmt.Errorf("graph: removing edges for %s: %w", id, err)
	}
	return nil
}
