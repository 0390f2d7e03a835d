package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/metrics"
	"github.com/connexus-ai/ragcore/internal/store"
)

// fallbackCandidateLimit bounds how many chunks the client-side scorers
// will pull when a server-side function is down.
const fallbackCandidateLimit = 500

// ChunkSearcher is the database retrieval contract, implemented by
// store.ChunkStore in production.
type ChunkSearcher interface {
	MatchChunks(ctx context.Context, embedding []float32, threshold float64, limit int, namespace string, metadata map[string]interface{}) ([]store.ChunkRow, error)
	SearchBM25(ctx context.Context, query string, limit int, minRank float64, namespace string, metadata map[string]interface{}) ([]store.ChunkRow, error)
	SearchFuzzy(ctx context.Context, query string, limit int, minSimilarity float64, namespace string, metadata map[string]interface{}) ([]store.ChunkRow, error)
	SearchILike(ctx context.Context, query string, limit int, namespace string, metadata map[string]interface{}) ([]store.ChunkRow, error)
	HybridSearch(ctx context.Context, query string, embedding []float32, p store.HybridParams, namespace string, metadata map[string]interface{}) ([]store.HybridRow, error)
	ContentsByNamespace(ctx context.Context, namespace string, metadata map[string]interface{}, limit int) ([]store.ChunkRow, error)
}

// Embedder produces query embeddings
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine runs retrieval across the six methods. Sub-search failures
// inside hybrid are non-fatal; the failed leg contributes an empty list.
type Engine struct {
	chunks   ChunkSearcher
	embedder Embedder
	cfg      config.SearchConfig
	logger   *zap.Logger
}

// NewEngine builds a search engine over the given retrieval layer
func NewEngine(chunks ChunkSearcher, embedder Embedder, cfg config.SearchConfig, logger *zap.Logger) *Engine {
	return &Engine{chunks: chunks, embedder: embedder, cfg: cfg, logger: logger}
}

// Search dispatches a request to the selected method. Method defaults
// to hybrid_rpc; top_k defaults from configuration.
func (e *Engine) Search(ctx context.Context, req Request) ([]SearchResult, error) {
	if req.Method == "" {
		req.Method = MethodHybridRPC
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("unknown search method %q", req.Method)
	}
	if req.TopK <= 0 {
		req.TopK = e.cfg.TopK
	}

	start := time.Now()
	results, err := e.dispatch(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordSearchMetrics(string(req.Method), status, time.Since(start).Seconds(), len(results))
	return results, err
}

func (e *Engine) dispatch(ctx context.Context, req Request) ([]SearchResult, error) {
	switch req.Method {
	case MethodDense:
		return e.searchDense(ctx, req)
	case MethodSparse:
		return e.searchSparse(ctx, req)
	case MethodFuzzy:
		return e.searchFuzzy(ctx, req)
	case MethodILike:
		return e.searchILike(ctx, req)
	case MethodHybrid:
		return e.searchHybrid(ctx, req)
	case MethodHybridRPC:
		return e.searchHybridRPC(ctx, req)
	}
	return nil, fmt.Errorf("unknown search method %q", req.Method)
}

func (e *Engine) searchDense(ctx context.Context, req Request) ([]SearchResult, error) {
	embedding, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	limit := e.cfg.DenseTopK
	if req.TopK > limit {
		limit = req.TopK
	}
	rows, err := e.chunks.MatchChunks(ctx, embedding, e.cfg.MinDenseScore, limit, req.Namespace, req.MetadataFilter)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}

	results := rowsToResults(rows, MethodDense)
	for i := range results {
		results[i].DenseScore = floatPtr(results[i].Score)
	}
	return truncateRanked(results, req.TopK), nil
}

func (e *Engine) searchSparse(ctx context.Context, req Request) ([]SearchResult, error) {
	limit := e.cfg.SparseTopK
	if req.TopK > limit {
		limit = req.TopK
	}
	rows, err := e.chunks.SearchBM25(ctx, req.Query, limit, e.cfg.MinSparseRank, req.Namespace, req.MetadataFilter)
	if err != nil {
		e.logger.Warn("server-side BM25 unavailable, using client-side scorer",
			zap.Error(err),
		)
		metrics.SearchFallbacks.WithLabelValues(string(MethodSparse)).Inc()
		return e.fallbackSparse(ctx, req)
	}

	results := rowsToResults(rows, MethodSparse)
	for i := range results {
		results[i].SparseScore = floatPtr(results[i].Score)
	}
	return truncateRanked(results, req.TopK), nil
}

func (e *Engine) fallbackSparse(ctx context.Context, req Request) ([]SearchResult, error) {
	rows, err := e.chunks.ContentsByNamespace(ctx, req.Namespace, req.MetadataFilter, fallbackCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("sparse fallback candidates: %w", err)
	}
	return FallbackBM25(req.Query, rowsToResults(rows, MethodSparse), req.TopK), nil
}

func (e *Engine) searchFuzzy(ctx context.Context, req Request) ([]SearchResult, error) {
	limit := e.cfg.FuzzyTopK
	if req.TopK > limit {
		limit = req.TopK
	}
	rows, err := e.chunks.SearchFuzzy(ctx, req.Query, limit, e.cfg.MinFuzzySim, req.Namespace, req.MetadataFilter)
	if err != nil {
		e.logger.Warn("server-side trigram search unavailable, using client-side scorer",
			zap.Error(err),
		)
		metrics.SearchFallbacks.WithLabelValues(string(MethodFuzzy)).Inc()
		return e.fallbackFuzzy(ctx, req)
	}

	results := rowsToResults(rows, MethodFuzzy)
	for i := range results {
		results[i].FuzzyScore = floatPtr(results[i].Score)
	}
	return truncateRanked(results, req.TopK), nil
}

func (e *Engine) fallbackFuzzy(ctx context.Context, req Request) ([]SearchResult, error) {
	rows, err := e.chunks.ContentsByNamespace(ctx, req.Namespace, req.MetadataFilter, fallbackCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("fuzzy fallback candidates: %w", err)
	}
	return FallbackFuzzy(req.Query, rowsToResults(rows, MethodFuzzy), e.cfg.MinFuzzySim, req.TopK), nil
}

func (e *Engine) searchILike(ctx context.Context, req Request) ([]SearchResult, error) {
	rows, err := e.chunks.SearchILike(ctx, req.Query, req.TopK, req.Namespace, req.MetadataFilter)
	if err != nil {
		return nil, fmt.Errorf("ilike search: %w", err)
	}
	results := rowsToResults(rows, MethodILike)
	for i := range results {
		results[i].Score = 1.0
	}
	assignRanks(results)
	return results, nil
}

// searchHybrid fans out the enabled sub-searches concurrently and fuses
// them client-side with weighted RRF. A failed or timed-out leg
// contributes an empty list and never fails the whole search.
func (e *Engine) searchHybrid(ctx context.Context, req Request) ([]SearchResult, error) {
	var dense, sparse, fuzzy []SearchResult

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.DenseEnabled {
		g.Go(func() error {
			sub := req
			sub.TopK = e.cfg.DenseTopK
			var err error
			dense, err = e.searchDense(gctx, sub)
			if err != nil {
				e.logger.Warn("dense leg failed, contributing empty list", zap.Error(err))
				dense = nil
			}
			return nil
		})
	}
	if e.cfg.SparseEnabled {
		g.Go(func() error {
			sub := req
			sub.TopK = e.cfg.SparseTopK
			var err error
			sparse, err = e.searchSparse(gctx, sub)
			if err != nil {
				e.logger.Warn("sparse leg failed, contributing empty list", zap.Error(err))
				sparse = nil
			}
			return nil
		})
	}
	if e.cfg.FuzzyEnabled {
		g.Go(func() error {
			sub := req
			sub.TopK = e.cfg.FuzzyTopK
			var err error
			fuzzy, err = e.searchFuzzy(gctx, sub)
			if err != nil {
				e.logger.Warn("fuzzy leg failed, contributing empty list", zap.Error(err))
				fuzzy = nil
			}
			return nil
		})
	}
	_ = g.Wait()

	lists := []RankedList{
		{Method: MethodDense, Weight: e.cfg.DenseWeight, Results: dense},
		{Method: MethodSparse, Weight: e.cfg.SparseWeight, Results: sparse},
		{Method: MethodFuzzy, Weight: e.cfg.FuzzyWeight, Results: fuzzy},
	}
	return FuseRRF(lists, e.cfg.RRFK, req.TopK), nil
}

// searchHybridRPC delegates the full fusion to the server-side function,
// falling back to the client-side hybrid path when the RPC fails.
func (e *Engine) searchHybridRPC(ctx context.Context, req Request) ([]SearchResult, error) {
	embedding, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := e.chunks.HybridSearch(ctx, req.Query, embedding, store.HybridParams{
		DenseWeight:   e.cfg.DenseWeight,
		SparseWeight:  e.cfg.SparseWeight,
		FuzzyWeight:   e.cfg.FuzzyWeight,
		MinDenseScore: e.cfg.MinDenseScore,
		MinSparseRank: e.cfg.MinSparseRank,
		MinFuzzySim:   e.cfg.MinFuzzySim,
		DenseTopK:     e.cfg.DenseTopK,
		SparseTopK:    e.cfg.SparseTopK,
		FuzzyTopK:     e.cfg.FuzzyTopK,
		RRFK:          e.cfg.RRFK,
		TopK:          req.TopK,
	}, req.Namespace, req.MetadataFilter)
	if err != nil {
		e.logger.Warn("hybrid_search RPC failed, falling back to client-side fusion",
			zap.Error(err),
		)
		metrics.SearchFallbacks.WithLabelValues(string(MethodHybridRPC)).Inc()
		return e.searchHybrid(ctx, req)
	}

	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		r := SearchResult{
			ChunkID:  row.ChunkID.String(),
			Content:  row.Content,
			Score:    row.RRFScore,
			Method:   MethodHybridRPC,
			Metadata: row.Metadata,
			RRFScore: floatPtr(row.RRFScore),
		}
		if row.DenseScore.Valid {
			r.DenseScore = floatPtr(row.DenseScore.Float64)
		}
		if row.SparseScore.Valid {
			r.SparseScore = floatPtr(row.SparseScore.Float64)
		}
		if row.FuzzyScore.Valid {
			r.FuzzyScore = floatPtr(row.FuzzyScore.Float64)
		}
		results = append(results, r)
	}
	assignRanks(results)
	return results, nil
}

// rowsToResults converts store rows into results sorted by score
func rowsToResults(rows []store.ChunkRow, method Method) []SearchResult {
	results := make([]SearchResult, 0, len(rows))
	for _, row := range rows {
		var meta map[string]interface{}
		if row.Metadata != nil {
			meta = row.Metadata
		}
		results = append(results, SearchResult{
			ChunkID:  row.ChunkID.String(),
			Content:  row.Content,
			Score:    row.Similarity,
			Method:   method,
			Metadata: meta,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

func truncateRanked(results []SearchResult, topK int) []SearchResult {
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	assignRanks(results)
	return results
}
