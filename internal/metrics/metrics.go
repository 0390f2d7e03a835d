package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tiered cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_cache_lookups_total",
			Help: "Total number of tiered cache lookups by level outcome",
		},
		[]string{"level"}, // l1, l2, none
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_cache_writes_total",
			Help: "Total number of cache writes by level and status",
		},
		[]string{"level", "status"},
	)

	CacheWritesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_cache_writes_skipped_total",
			Help: "Total number of cache writes skipped by relevance gating",
		},
	)

	CachePromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_cache_promotions_total",
			Help: "Total number of L2 to L1 promotions",
		},
	)

	CacheCorruptEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_cache_corrupt_entries_total",
			Help: "Total number of unparseable cache payloads treated as misses",
		},
	)

	// Semantic cache metrics
	SemanticCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_semantic_cache_requests_total",
			Help: "Total number of semantic cache lookups by tier",
		},
		[]string{"tier"}, // exact, high, medium, low, miss
	)

	SemanticCacheCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_semantic_cache_candidates_scanned",
			Help:    "Number of candidate embeddings scanned per semantic lookup",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_search_requests_total",
			Help: "Total number of search requests by method and status",
		},
		[]string{"method", "status"},
	)

	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_search_latency_seconds",
			Help:    "Search latency in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SearchResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_search_results_returned",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		},
		[]string{"method"},
	)

	SearchFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_search_fallbacks_total",
			Help: "Total number of client-side fallbacks by method",
		},
		[]string{"method"},
	)

	FusionRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_fusion_runs_total",
			Help: "Total number of client-side RRF fusions",
		},
	)

	// Reranker metrics
	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_rerank_requests_total",
			Help: "Total number of rerank passes by provider and status",
		},
		[]string{"provider", "status"},
	)

	RerankLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_rerank_latency_seconds",
			Help:    "Reranking latency in seconds by provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	RerankNDCG = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_rerank_ndcg",
			Help:    "NDCG@k observed after reranking",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 1.0},
		},
	)

	// Query expansion metrics
	ExpansionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_expansion_requests_total",
			Help: "Total number of query expansion requests by status",
		},
		[]string{"status"}, // ok, cached, error, skipped
	)

	ExpansionTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_expansion_tokens_total",
			Help: "Total LLM tokens consumed by query expansion",
		},
	)

	ParallelSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_parallel_searches_total",
			Help: "Total number of parallel search fan-outs by status",
		},
		[]string{"status"},
	)

	ParallelVariantFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_parallel_variant_failures_total",
			Help: "Total number of fan-out variants that timed out or failed",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Compaction metrics
	Compactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_compactions_total",
			Help: "Total number of compactions by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	CompactionTokensSaved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_compaction_tokens_saved",
			Help:    "Tokens removed from a conversation per compaction",
			Buckets: []float64{1000, 5000, 10000, 50000, 100000, 200000},
		},
	)

	CompactionLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_compaction_lock_contention_total",
			Help: "Total number of compactions refused because the lock was held",
		},
	)

	CheckpointsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_checkpoints_created_total",
			Help: "Total number of checkpoints created by trigger",
		},
		[]string{"trigger"},
	)

	CheckpointsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_checkpoints_pruned_total",
			Help: "Total number of checkpoints pruned by cap or expiry",
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_llm_requests_total",
			Help: "Total number of LLM completion requests by purpose and status",
		},
		[]string{"purpose", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_llm_tokens_total",
			Help: "Total LLM tokens used by purpose",
		},
		[]string{"purpose"},
	)
)

// RecordSearchMetrics records metrics for a completed search
func RecordSearchMetrics(method, status string, durationSeconds float64, results int) {
	SearchRequests.WithLabelValues(method, status).Inc()
	if durationSeconds > 0 {
		SearchLatency.WithLabelValues(method).Observe(durationSeconds)
	}
	SearchResults.WithLabelValues(method).Observe(float64(results))
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordRerankMetrics records metrics for a rerank pass
func RecordRerankMetrics(provider, status string, durationSeconds float64) {
	RerankRequests.WithLabelValues(provider, status).Inc()
	if durationSeconds > 0 {
		RerankLatency.WithLabelValues(provider).Observe(durationSeconds)
	}
}

// RecordCompactionMetrics records metrics for a completed compaction
func RecordCompactionMetrics(trigger, status string, durationSeconds float64, tokensSaved int) {
	Compactions.WithLabelValues(trigger, status).Inc()
	if durationSeconds > 0 {
		CompactionDuration.Observe(durationSeconds)
	}
	if tokensSaved > 0 {
		CompactionTokensSaved.Observe(float64(tokensSaved))
	}
}

// RecordLLMMetrics records an LLM completion attempt
func RecordLLMMetrics(purpose, status string, tokens int) {
	LLMRequests.WithLabelValues(purpose, status).Inc()
	if tokens > 0 {
		LLMTokensUsed.WithLabelValues(purpose).Add(float64(tokens))
	}
}
