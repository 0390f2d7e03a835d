package parallel

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/metrics"
	"github.com/connexus-ai/ragcore/internal/search"
)

// Searcher runs a single retrieval; implemented by search.Engine
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.SearchResult, error)
}

// VariantScore records one variation's contribution to a chunk
type VariantScore struct {
	VariationIndex int     `json:"variation_index"`
	Score          float64 `json:"score"`
}

// AggregatedResult is a deduplicated hit with per-variation diagnostics
type AggregatedResult struct {
	search.SearchResult
	VariantScores []VariantScore `json:"variant_scores,omitempty"`
}

// Result carries the full fan-out outcome
type Result struct {
	Query      string             `json:"query"`
	Variations []string           `json:"variations"` // includes the original at index 0
	Results    []AggregatedResult `json:"results"`
	TokensUsed int                `json:"tokens_used"`
	Duration   time.Duration      `json:"duration"`
}

// Orchestrator expands a query, fans the variations out concurrently
// under a bounded semaphore, and aggregates the deduplicated results.
// A failed or timed-out variant contributes an empty list.
type Orchestrator struct {
	searcher Searcher
	expander *Expander
	cfg      config.ParallelConfig
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewOrchestrator builds the parallel search fan-out
func NewOrchestrator(searcher Searcher, expander *Expander, cfg config.ParallelConfig, logger *zap.Logger) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Orchestrator{
		searcher: searcher,
		expander: expander,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logger,
	}
}

// Search runs the full expand / fan-out / aggregate pipeline. The
// metadata filter applies to every variant search.
func (o *Orchestrator) Search(ctx context.Context, query, namespace string, method search.Method, metadata map[string]interface{}) (*Result, error) {
	start := time.Now()

	exp := o.expander.Expand(ctx, query, o.cfg.NumVariations, o.cfg.Strategy)
	variations := append([]string{query}, exp.Variations...)

	perVariant := make([][]search.SearchResult, len(variations))
	done := make(chan int, len(variations))
	failures := 0

	for i, v := range variations {
		i, v := i, v
		if err := o.sem.Acquire(ctx, 1); err != nil {
			done <- i
			failures++
			continue
		}
		go func() {
			defer o.sem.Release(1)
			defer func() { done <- i }()

			vctx, cancel := context.WithTimeout(ctx, o.cfg.PerSearchTimeout)
			defer cancel()

			results, err := o.searcher.Search(vctx, search.Request{
				Query:          v,
				Method:         method,
				Namespace:      namespace,
				TopK:           o.cfg.MaxResults,
				MetadataFilter: metadata,
			})
			if err != nil {
				o.logger.Warn("variant search failed, contributing empty list",
					zap.Int("variation_index", i),
					zap.Error(err),
				)
				metrics.ParallelVariantFailures.Inc()
				return
			}
			perVariant[i] = results
		}()
	}
	for range variations {
		<-done
	}

	aggregated := o.aggregate(perVariant, len(variations))

	status := "ok"
	if failures == len(variations) {
		status = "error"
	}
	metrics.ParallelSearches.WithLabelValues(status).Inc()

	return &Result{
		Query:      query,
		Variations: variations,
		Results:    aggregated,
		TokensUsed: exp.TokensUsed,
		Duration:   time.Since(start),
	}, nil
}

// aggregate deduplicates by chunk id under the configured policy, then
// filters, sorts, and truncates.
func (o *Orchestrator) aggregate(perVariant [][]search.SearchResult, totalVariations int) []AggregatedResult {
	merged := make(map[string]*AggregatedResult)
	order := []string{}

	for idx, results := range perVariant {
		for _, r := range results {
			entry, ok := merged[r.ChunkID]
			if !ok {
				base := r
				entry = &AggregatedResult{SearchResult: base}
				entry.Method = search.MethodParallel
				merged[r.ChunkID] = entry
				order = append(order, r.ChunkID)
			}
			entry.VariantScores = append(entry.VariantScores, VariantScore{
				VariationIndex: idx,
				Score:          r.Score,
			})
		}
	}

	for _, id := range order {
		entry := merged[id]
		entry.Score = o.aggregateScore(entry.VariantScores, totalVariations)
	}

	out := make([]AggregatedResult, 0, len(order))
	for _, id := range order {
		entry := merged[id]
		if entry.Score < o.cfg.MinSimilarityScore {
			continue
		}
		out = append(out, *entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if o.cfg.MaxResults > 0 && len(out) > o.cfg.MaxResults {
		out = out[:o.cfg.MaxResults]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// aggregateScore applies the configured policy to one chunk's
// per-variation scores.
func (o *Orchestrator) aggregateScore(scores []VariantScore, totalVariations int) float64 {
	switch o.cfg.Aggregation {
	case "frequency":
		if totalVariations == 0 {
			return 0
		}
		return float64(len(scores)) / float64(totalVariations)

	case "max_score":
		best := 0.0
		for _, vs := range scores {
			if vs.Score > best {
				best = vs.Score
			}
		}
		return best

	default: // score_weighted: earlier variations weigh more
		var weighted, weightSum float64
		for _, vs := range scores {
			w := 1.0 / (1.0 + 0.5*float64(vs.VariationIndex))
			weighted += vs.Score * w
			weightSum += w
		}
		if weightSum == 0 {
			return 0
		}
		return weighted / weightSum
	}
}
