package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"
)

// ChunkStore exposes the server-side retrieval functions over the chunks
// table. The heavy lifting (HNSW, GIN tsvector, trigram) lives in the
// database; these methods only bind parameters and scan rows. A non-empty
// metadata argument restricts every query to chunks whose jsonb metadata
// contains it.
type ChunkStore struct {
	client *Client
}

// NewChunkStore returns the chunk retrieval layer
func NewChunkStore(client *Client) *ChunkStore {
	return &ChunkStore{client: client}
}

// MatchChunks runs the vector similarity function against the HNSW index
func (s *ChunkStore) MatchChunks(ctx context.Context, embedding []float32, threshold float64, limit int, namespace string, metadata map[string]interface{}) ([]ChunkRow, error) {
	var rows []ChunkRow
	err := s.client.db.SelectContext(ctx, &rows,
		`SELECT chunk_id, file_id, content, namespace, metadata, similarity
		 FROM match_chunks($1, $2, $3, $4, $5)`,
		pgvector.NewVector(embedding), threshold, limit, nullableText(namespace), nullableJSONB(metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("match_chunks: %w", err)
	}
	return rows, nil
}

// SearchBM25 runs the lexical rank function against the tsvector index
func (s *ChunkStore) SearchBM25(ctx context.Context, query string, limit int, minRank float64, namespace string, metadata map[string]interface{}) ([]ChunkRow, error) {
	var rows []ChunkRow
	err := s.client.db.SelectContext(ctx, &rows,
		`SELECT chunk_id, file_id, content, namespace, metadata, similarity
		 FROM search_chunks_bm25($1, $2, $3, $4, $5)`,
		query, limit, minRank, nullableText(namespace), nullableJSONB(metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("search_chunks_bm25: %w", err)
	}
	return rows, nil
}

// SearchFuzzy runs the trigram similarity function
func (s *ChunkStore) SearchFuzzy(ctx context.Context, query string, limit int, minSimilarity float64, namespace string, metadata map[string]interface{}) ([]ChunkRow, error) {
	var rows []ChunkRow
	err := s.client.db.SelectContext(ctx, &rows,
		`SELECT chunk_id, file_id, content, namespace, metadata, similarity
		 FROM search_chunks_fuzzy($1, $2, $3, $4, $5)`,
		query, limit, minSimilarity, nullableText(namespace), nullableJSONB(metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("search_chunks_fuzzy: %w", err)
	}
	return rows, nil
}

// SearchILike runs a plain case-insensitive substring match. Uniform
// score so callers get precision without fuzzy noise.
func (s *ChunkStore) SearchILike(ctx context.Context, query string, limit int, namespace string, metadata map[string]interface{}) ([]ChunkRow, error) {
	var rows []ChunkRow
	err := s.client.db.SelectContext(ctx, &rows,
		`SELECT id AS chunk_id, file_id, content, namespace, metadata, 1.0 AS similarity
		 FROM chunks
		 WHERE content ILIKE '%' || $1 || '%'
		   AND ($3::text IS NULL OR namespace = $3)
		   AND ($4::jsonb IS NULL OR metadata @> $4)
		 LIMIT $2`,
		query, limit, nullableText(namespace), nullableJSONB(metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("ilike search: %w", err)
	}
	return rows, nil
}

// HybridParams binds all tunables for the one-shot server-side fusion
type HybridParams struct {
	DenseWeight   float64
	SparseWeight  float64
	FuzzyWeight   float64
	MinDenseScore float64
	MinSparseRank float64
	MinFuzzySim   float64
	DenseTopK     int
	SparseTopK    int
	FuzzyTopK     int
	RRFK          int
	TopK          int
}

// HybridSearch delegates the full three-way fusion to the server-side
// hybrid_search function. Preferred in production; the engine falls back
// to client-side fusion when this errors.
func (s *ChunkStore) HybridSearch(ctx context.Context, query string, embedding []float32, p HybridParams, namespace string, metadata map[string]interface{}) ([]HybridRow, error) {
	var rows []HybridRow
	err := s.client.db.SelectContext(ctx, &rows,
		`SELECT chunk_id, file_id, content, metadata,
		        rrf_score, dense_score, sparse_score, fuzzy_score
		 FROM hybrid_search($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		query, pgvector.NewVector(embedding),
		p.DenseWeight, p.SparseWeight, p.FuzzyWeight,
		p.MinDenseScore, p.MinSparseRank, p.MinFuzzySim,
		p.DenseTopK, p.SparseTopK, p.FuzzyTopK,
		p.RRFK, p.TopK, nullableText(namespace), nullableJSONB(metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("hybrid_search: %w", err)
	}
	return rows, nil
}

// ContentsByNamespace pulls raw chunk contents for the client-side
// fallback scorers. Bounded; the fallbacks are a degraded path, not a
// full table scan replacement.
func (s *ChunkStore) ContentsByNamespace(ctx context.Context, namespace string, metadata map[string]interface{}, limit int) ([]ChunkRow, error) {
	var rows []ChunkRow
	err := s.client.db.SelectContext(ctx, &rows,
		`SELECT id AS chunk_id, file_id, content, namespace, metadata, 0.0 AS similarity
		 FROM chunks
		 WHERE ($1::text IS NULL OR namespace = $1)
		   AND ($3::jsonb IS NULL OR metadata @> $3)
		 ORDER BY id
		 LIMIT $2`,
		nullableText(namespace), limit, nullableJSONB(metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("chunk contents: %w", err)
	}
	return rows, nil
}

// IncrementNodeMention bumps a knowledge-graph node's mention counter
// atomically on the server
func (s *ChunkStore) IncrementNodeMention(ctx context.Context, nodeID string) error {
	if _, err := s.client.db.ExecContext(ctx,
		`SELECT increment_node_mention_count($1)`, nodeID,
	); err != nil {
		return fmt.Errorf("increment_node_mention_count: %w", err)
	}
	return nil
}

// IncrementEdgeObservation bumps a knowledge-graph edge's observation
// counter atomically on the server
func (s *ChunkStore) IncrementEdgeObservation(ctx context.Context, edgeID string) error {
	if _, err := s.client.db.ExecContext(ctx,
		`SELECT increment_edge_observation_count($1)`, edgeID,
	); err != nil {
		return fmt.Errorf("increment_edge_observation_count: %w", err)
	}
	return nil
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableJSONB renders a metadata filter as a jsonb parameter; empty
// filters bind NULL so the containment clause is a no-op.
func nullableJSONB(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}
