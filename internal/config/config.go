package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/connexus-ai/ragcore/internal/tracing"
)

// CacheConfig controls the tiered cache behavior
type CacheConfig struct {
	L1Enabled         bool          `mapstructure:"l1_enabled"`
	L2Enabled         bool          `mapstructure:"l2_enabled"`
	L1TTL             time.Duration `mapstructure:"l1_ttl"`
	L2TTL             time.Duration `mapstructure:"l2_ttl"`
	PromoteToL1       bool          `mapstructure:"promote_to_l1"`
	SemanticThreshold float64       `mapstructure:"semantic_threshold"`
}

// SemanticConfig controls the similarity cache layered over the tiered cache
type SemanticConfig struct {
	ExactThreshold  float64       `mapstructure:"exact_threshold"`
	HighThreshold   float64       `mapstructure:"high_threshold"`
	MediumThreshold float64       `mapstructure:"medium_threshold"`
	MaxCandidates   int           `mapstructure:"max_candidates"`
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	EmbeddingTTL    time.Duration `mapstructure:"embedding_ttl"`
}

// SearchConfig holds the hybrid search tunables
type SearchConfig struct {
	TopK          int     `mapstructure:"top_k"`
	DenseTopK     int     `mapstructure:"dense_top_k"`
	SparseTopK    int     `mapstructure:"sparse_top_k"`
	FuzzyTopK     int     `mapstructure:"fuzzy_top_k"`
	MinDenseScore float64 `mapstructure:"min_dense_score"`
	MinSparseRank float64 `mapstructure:"min_sparse_rank"`
	MinFuzzySim   float64 `mapstructure:"min_fuzzy_similarity"`
	RRFK          int     `mapstructure:"rrf_k"`
	DenseWeight   float64 `mapstructure:"dense_weight"`
	SparseWeight  float64 `mapstructure:"sparse_weight"`
	FuzzyWeight   float64 `mapstructure:"fuzzy_weight"`
	DenseEnabled  bool    `mapstructure:"dense_enabled"`
	SparseEnabled bool    `mapstructure:"sparse_enabled"`
	FuzzyEnabled  bool    `mapstructure:"fuzzy_enabled"`
}

// RerankConfig holds the reranking stage tunables
type RerankConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	BaseURL             string        `mapstructure:"base_url"`
	Model               string        `mapstructure:"model"`
	ScoreThreshold      float64       `mapstructure:"score_threshold"`
	BatchSize           int           `mapstructure:"batch_size"`
	CandidateMultiplier int           `mapstructure:"candidate_multiplier"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
}

// ParallelConfig holds the query expansion and fan-out tunables
type ParallelConfig struct {
	NumVariations      int           `mapstructure:"num_variations"`
	Strategy           string        `mapstructure:"strategy"`
	MinQueryLength     int           `mapstructure:"min_query_length"`
	MaxConcurrent      int           `mapstructure:"max_concurrent_searches"`
	PerSearchTimeout   time.Duration `mapstructure:"per_search_timeout"`
	ExpansionTimeout   time.Duration `mapstructure:"expansion_timeout"`
	Aggregation        string        `mapstructure:"aggregation"`
	MaxResults         int           `mapstructure:"max_results"`
	MinSimilarityScore float64       `mapstructure:"min_similarity_score"`
	ExpansionModel     string        `mapstructure:"expansion_model"`
	ExpansionCacheSize int           `mapstructure:"expansion_cache_size"`
	PromptVersion      string        `mapstructure:"prompt_version"`
}

// CompactionConfig holds the context compactor tunables
type CompactionConfig struct {
	MaxTokens            int           `mapstructure:"max_tokens"`
	ThresholdPercent     int           `mapstructure:"threshold_percent"`
	CooldownSeconds      int           `mapstructure:"cooldown_seconds"`
	MinMessages          int           `mapstructure:"min_messages"`
	PreserveRecent       int           `mapstructure:"preserve_recent"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	MaxCheckpoints       int           `mapstructure:"max_checkpoints"`
	CheckpointExpiryDays int           `mapstructure:"checkpoint_expiry_days"`
	SummaryModel         string        `mapstructure:"summary_model"`
	SummaryTimeout       time.Duration `mapstructure:"summary_timeout"`
}

// EmbeddingsConfig holds the embedding provider settings
type EmbeddingsConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxLRU     int           `mapstructure:"max_lru"`
}

// LLMConfig holds the chat completion provider settings
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// Config is the full service configuration, read-only after Load
type Config struct {
	Cache      CacheConfig      `mapstructure:"cache"`
	Semantic   SemanticConfig   `mapstructure:"semantic"`
	Search     SearchConfig     `mapstructure:"search"`
	Rerank     RerankConfig     `mapstructure:"rerank"`
	Parallel   ParallelConfig   `mapstructure:"parallel"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
}

// Load reads ragcore.yaml from CONFIG_PATH (optional) and applies defaults.
// The returned config has already passed Validate.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.l1_enabled", true)
	v.SetDefault("cache.l2_enabled", true)
	v.SetDefault("cache.l1_ttl", 5*time.Minute)
	v.SetDefault("cache.l2_ttl", time.Hour)
	v.SetDefault("cache.promote_to_l1", true)
	v.SetDefault("cache.semantic_threshold", 0.85)

	v.SetDefault("semantic.exact_threshold", 0.98)
	v.SetDefault("semantic.high_threshold", 0.93)
	v.SetDefault("semantic.medium_threshold", 0.88)
	v.SetDefault("semantic.max_candidates", 100)
	v.SetDefault("semantic.result_ttl", 5*time.Minute)
	v.SetDefault("semantic.embedding_ttl", time.Hour)

	v.SetDefault("search.top_k", 10)
	v.SetDefault("search.dense_top_k", 20)
	v.SetDefault("search.sparse_top_k", 20)
	v.SetDefault("search.fuzzy_top_k", 20)
	v.SetDefault("search.min_dense_score", 0.35)
	v.SetDefault("search.min_sparse_rank", 0.01)
	v.SetDefault("search.min_fuzzy_similarity", 0.3)
	v.SetDefault("search.rrf_k", 60)
	v.SetDefault("search.dense_weight", 0.5)
	v.SetDefault("search.sparse_weight", 0.3)
	v.SetDefault("search.fuzzy_weight", 0.2)
	v.SetDefault("search.dense_enabled", true)
	v.SetDefault("search.sparse_enabled", true)
	v.SetDefault("search.fuzzy_enabled", true)

	v.SetDefault("rerank.enabled", true)
	v.SetDefault("rerank.base_url", "http://reranker:8080")
	v.SetDefault("rerank.model", "cross-encoder/ms-marco-MiniLM-L-6-v2")
	v.SetDefault("rerank.score_threshold", 0.5)
	v.SetDefault("rerank.batch_size", 10)
	v.SetDefault("rerank.candidate_multiplier", 3)
	v.SetDefault("rerank.timeout", 30*time.Second)
	v.SetDefault("rerank.metrics_enabled", true)

	v.SetDefault("parallel.num_variations", 5)
	v.SetDefault("parallel.strategy", "balanced")
	v.SetDefault("parallel.min_query_length", 3)
	v.SetDefault("parallel.max_concurrent_searches", 10)
	v.SetDefault("parallel.per_search_timeout", 30*time.Second)
	v.SetDefault("parallel.expansion_timeout", 10*time.Second)
	v.SetDefault("parallel.aggregation", "score_weighted")
	v.SetDefault("parallel.max_results", 20)
	v.SetDefault("parallel.min_similarity_score", 0.0)
	v.SetDefault("parallel.expansion_model", "gpt-4o-mini")
	v.SetDefault("parallel.expansion_cache_size", 1024)
	v.SetDefault("parallel.prompt_version", "v1")

	v.SetDefault("compaction.max_tokens", 200000)
	v.SetDefault("compaction.threshold_percent", 80)
	v.SetDefault("compaction.cooldown_seconds", 30)
	v.SetDefault("compaction.min_messages", 4)
	v.SetDefault("compaction.preserve_recent", 4)
	v.SetDefault("compaction.lock_ttl", 5*time.Minute)
	v.SetDefault("compaction.max_checkpoints", 50)
	v.SetDefault("compaction.checkpoint_expiry_days", 30)
	v.SetDefault("compaction.summary_model", "gpt-4o-mini")
	v.SetDefault("compaction.summary_timeout", 30*time.Second)

	v.SetDefault("embeddings.base_url", "http://llm-service:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-large")
	v.SetDefault("embeddings.dimensions", 1024)
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.max_lru", 2048)

	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ragcore")
}

const weightEpsilon = 1e-5

// Validate rejects misconfiguration that must abort boot
func (c *Config) Validate() error {
	if err := c.Search.Validate(); err != nil {
		return err
	}
	if !(c.Semantic.ExactThreshold > c.Semantic.HighThreshold &&
		c.Semantic.HighThreshold > c.Semantic.MediumThreshold) {
		return fmt.Errorf("semantic thresholds must be strictly ordered exact > high > medium, got %.3f/%.3f/%.3f",
			c.Semantic.ExactThreshold, c.Semantic.HighThreshold, c.Semantic.MediumThreshold)
	}
	if c.Semantic.MaxCandidates <= 0 {
		return fmt.Errorf("semantic.max_candidates must be positive")
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("embeddings.dimensions must be positive")
	}
	if c.Compaction.ThresholdPercent <= 0 || c.Compaction.ThresholdPercent > 100 {
		return fmt.Errorf("compaction.threshold_percent must be in (0, 100], got %d", c.Compaction.ThresholdPercent)
	}
	if c.Compaction.MaxTokens <= 0 {
		return fmt.Errorf("compaction.max_tokens must be positive")
	}
	if c.Parallel.MaxConcurrent <= 0 {
		return fmt.Errorf("parallel.max_concurrent_searches must be positive")
	}
	switch c.Parallel.Aggregation {
	case "score_weighted", "frequency", "max_score":
	default:
		return fmt.Errorf("unknown aggregation policy %q", c.Parallel.Aggregation)
	}
	return nil
}

// Validate enforces the fusion weight invariant
func (sc *SearchConfig) Validate() error {
	sum := sc.DenseWeight + sc.SparseWeight + sc.FuzzyWeight
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("search weights must sum to 1.0, got %.6f (dense=%.3f sparse=%.3f fuzzy=%.3f)",
			sum, sc.DenseWeight, sc.SparseWeight, sc.FuzzyWeight)
	}
	if sc.RRFK <= 0 {
		return fmt.Errorf("search.rrf_k must be positive, got %d", sc.RRFK)
	}
	if sc.TopK <= 0 {
		return fmt.Errorf("search.top_k must be positive, got %d", sc.TopK)
	}
	return nil
}
