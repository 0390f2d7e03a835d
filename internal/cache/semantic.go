package cache

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/metrics"
)

// SimilarityTier classifies how close a cached query is to the incoming one
type SimilarityTier string

const (
	TierExact  SimilarityTier = "exact"
	TierHigh   SimilarityTier = "high"
	TierMedium SimilarityTier = "medium"
	TierLow    SimilarityTier = "low"
	TierMiss   SimilarityTier = "miss"
)

// Embedder produces a query embedding; implemented by the embeddings service
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticCacheResult is the outcome of a semantic lookup. Data is only
// populated when IsUsable is true (EXACT or HIGH tier).
type SemanticCacheResult struct {
	Tier       SimilarityTier  `json:"tier"`
	Similarity float64         `json:"similarity"`
	Data       json.RawMessage `json:"data,omitempty"`
	Query      string          `json:"matched_query,omitempty"`
	IsUsable   bool            `json:"is_usable"`
}

// semanticEntry is the stored value under a namespace:sem:<hash> key
type semanticEntry struct {
	Scope     string          `json:"scope,omitempty"`
	Query     string          `json:"query"`
	Result    json.RawMessage `json:"result"`
	Embedding []float32       `json:"embedding"`
	CachedAt  time.Time       `json:"cached_at"`
}

// SemanticCache converts similar queries into cache hits. Exact matches
// resolve through the tiered cache by hash; near matches scan the
// semantic namespace in L1 and compare embeddings by cosine similarity.
// A scope partitions entries further (search method, result namespace):
// lookups only see entries written under the same scope.
type SemanticCache struct {
	tiered    *TieredCache
	embedder  Embedder
	namespace string
	cfg       config.SemanticConfig
	dims      int
	logger    *zap.Logger
}

// NewSemanticCache builds a semantic cache over the given tiered cache.
// namespace defaults to "search" when empty.
func NewSemanticCache(tiered *TieredCache, embedder Embedder, namespace string, cfg config.SemanticConfig, dims int, logger *zap.Logger) *SemanticCache {
	if namespace == "" {
		namespace = "search"
	}
	return &SemanticCache{
		tiered:    tiered,
		embedder:  embedder,
		namespace: namespace,
		cfg:       cfg,
		dims:      dims,
		logger:    logger,
	}
}

// classify maps a cosine similarity onto a tier
func (s *SemanticCache) classify(sim float64) SimilarityTier {
	switch {
	case sim >= s.cfg.ExactThreshold:
		return TierExact
	case sim >= s.cfg.HighThreshold:
		return TierHigh
	case sim >= s.cfg.MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// Get resolves query against the cache within scope. Exact hash hits
// short-circuit with similarity 1.0; otherwise the best candidate under
// max_candidates decides the tier. MEDIUM matches are reported but
// never served.
func (s *SemanticCache) Get(ctx context.Context, scope, query string) SemanticCacheResult {
	if res := s.tiered.Get(ctx, ExactKey(s.namespace, scopedQuery(scope, query))); res.Level != LevelNone {
		metrics.SemanticCacheRequests.WithLabelValues(string(TierExact)).Inc()
		return SemanticCacheResult{
			Tier:       TierExact,
			Similarity: 1.0,
			Data:       res.Data,
			Query:      query,
			IsUsable:   true,
		}
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("embedding unavailable for semantic lookup, reporting miss",
			zap.Error(err),
		)
		metrics.SemanticCacheRequests.WithLabelValues(string(TierMiss)).Inc()
		return SemanticCacheResult{Tier: TierMiss}
	}

	best, sim := s.scanCandidates(ctx, scope, embedding)
	if best == nil {
		metrics.SemanticCacheRequests.WithLabelValues(string(TierMiss)).Inc()
		return SemanticCacheResult{Tier: TierMiss}
	}

	tier := s.classify(sim)
	if tier == TierLow {
		metrics.SemanticCacheRequests.WithLabelValues(string(TierMiss)).Inc()
		return SemanticCacheResult{Tier: TierMiss, Similarity: sim}
	}

	metrics.SemanticCacheRequests.WithLabelValues(string(tier)).Inc()
	result := SemanticCacheResult{
		Tier:       tier,
		Similarity: sim,
		Query:      best.Query,
		IsUsable:   tier == TierExact || tier == TierHigh,
	}
	if result.IsUsable {
		result.Data = best.Result
	}
	return result
}

// scanCandidates walks the semantic namespace in L1 and returns the
// closest same-scope entry with its similarity. Corrupt or
// wrong-dimension entries are deleted on sight so they never pollute
// later scans.
func (s *SemanticCache) scanCandidates(ctx context.Context, scope string, embedding []float32) (*semanticEntry, float64) {
	l1 := s.tiered.L1()
	if l1 == nil {
		return nil, 0
	}

	keys, err := l1.Scan(ctx, SemanticScanPattern(s.namespace), s.cfg.MaxCandidates)
	if err != nil {
		s.logger.Warn("semantic candidate scan failed", zap.Error(err))
		return nil, 0
	}
	metrics.SemanticCacheCandidates.Observe(float64(len(keys)))

	var best *semanticEntry
	bestSim := math.Inf(-1)
	for _, key := range keys {
		raw, ok := l1.Get(ctx, key)
		if !ok {
			continue
		}
		var entry semanticEntry
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry.Embedding) != s.dims {
			metrics.CacheCorruptEntries.Inc()
			s.logger.Warn("invalidating corrupt semantic entry",
				zap.String("key", key),
				zap.Int("embedding_len", len(entry.Embedding)),
			)
			_ = l1.Delete(ctx, key)
			continue
		}
		if entry.Scope != scope {
			continue
		}
		sim := CosineSimilarity(embedding, entry.Embedding)
		if sim > bestSim {
			bestSim = sim
			e := entry
			best = &e
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, bestSim
}

// Put stores the result under both the exact key and the semantic key,
// gated by the relevance threshold. Returns whether anything was written.
// The embedding is computed on the raw query so similarity matching is
// unaffected by the scope.
func (s *SemanticCache) Put(ctx context.Context, scope, query string, result json.RawMessage, maxScore float64) bool {
	if !s.tiered.CacheIfRelevant(ctx, ExactKey(s.namespace, scopedQuery(scope, query)), result, maxScore) {
		return false
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		// Exact key is already written; similarity hits are a bonus
		s.logger.Warn("embedding unavailable, semantic index entry skipped",
			zap.Error(err),
		)
		return true
	}

	entry := semanticEntry{
		Scope:     scope,
		Query:     query,
		Result:    result,
		Embedding: embedding,
		CachedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return true
	}
	if l1 := s.tiered.L1(); l1 != nil {
		if err := l1.Set(ctx, SemanticKey(s.namespace, scopedQuery(scope, query)), raw, s.cfg.ResultTTL); err != nil {
			s.logger.Warn("semantic index write failed", zap.Error(err))
		}
	}
	return true
}

// Invalidate removes both the exact and semantic records for a query
func (s *SemanticCache) Invalidate(ctx context.Context, scope, query string) error {
	err := s.tiered.Delete(ctx, ExactKey(s.namespace, scopedQuery(scope, query)))
	if l1 := s.tiered.L1(); l1 != nil {
		if e := l1.Delete(ctx, SemanticKey(s.namespace, scopedQuery(scope, query))); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// scopedQuery prefixes query with scope for key derivation. Embeddings
// never see this form.
func scopedQuery(scope, query string) string {
	if scope == "" {
		return query
	}
	return scope + "|" + query
}

// CosineSimilarity computes cos(a, b). Zero vectors and mismatched
// lengths yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
