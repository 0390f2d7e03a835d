package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/ragcore/internal/circuitbreaker"
	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/llm"
	"github.com/connexus-ai/ragcore/internal/metrics"
	"github.com/connexus-ai/ragcore/internal/search"
	"github.com/connexus-ai/ragcore/internal/tracing"
)

// Metrics summarizes one rerank pass for the caller
type Metrics struct {
	Provider     string  `json:"provider"` // cross_encoder, llm_fallback, none
	Candidates   int     `json:"candidates"`
	Returned     int     `json:"returned"`
	NDCG         float64 `json:"ndcg,omitempty"`
	DurationMS   int64   `json:"duration_ms"`
	FallbackUsed bool    `json:"fallback_used"`
}

// Completer is the LLM contract used by the fallback scorer
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOpts) (*llm.Result, error)
}

// Reranker reorders candidates with a cross-encoder service. The HTTP
// path rides a circuit breaker; when it opens or the call fails, an LLM
// scores the batch instead, and a total failure returns the original
// ordering. Reranking never fails a search.
type Reranker struct {
	cfg    config.RerankConfig
	http   *circuitbreaker.HTTPWrapper
	llm    Completer
	logger *zap.Logger
}

// NewReranker builds the reranking stage. llmClient may be nil to
// disable the fallback scorer.
func NewReranker(cfg config.RerankConfig, llmClient Completer, logger *zap.Logger) *Reranker {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	wrapper := circuitbreaker.NewHTTPWrapperWithConfig(
		httpClient, "reranker", "rerank", circuitbreaker.GetRerankerConfig(), logger,
	)
	return &Reranker{cfg: cfg, http: wrapper, llm: llmClient, logger: logger}
}

// CandidateMultiplier returns how many extra candidates the search
// stage should fetch ahead of reranking.
func (r *Reranker) CandidateMultiplier() int {
	if r.cfg.CandidateMultiplier <= 0 {
		return 3
	}
	return r.cfg.CandidateMultiplier
}

// Rerank scores candidates against the query and returns the survivors
// above the score threshold, re-ranked, truncated to topK.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []search.SearchResult, topK int) ([]search.SearchResult, Metrics) {
	start := time.Now()
	m := Metrics{Provider: "cross_encoder", Candidates: len(candidates)}

	if len(candidates) == 0 {
		m.Provider = "none"
		return candidates, m
	}

	scores, err := r.scoreCrossEncoder(ctx, query, candidates)
	if err != nil {
		r.logger.Warn("cross-encoder unavailable, trying LLM fallback",
			zap.Error(err),
		)
		m.FallbackUsed = true
		scores, err = r.scoreLLM(ctx, query, candidates)
		if err != nil {
			r.logger.Warn("LLM rerank fallback failed, keeping original ordering",
				zap.Error(err),
			)
			metrics.RecordRerankMetrics("none", "fallback_original", time.Since(start).Seconds())
			m.Provider = "none"
			m.Returned = min(len(candidates), topK)
			m.DurationMS = time.Since(start).Milliseconds()
			out := append([]search.SearchResult(nil), candidates...)
			if topK > 0 && len(out) > topK {
				out = out[:topK]
			}
			return out, m
		}
		m.Provider = "llm_fallback"
	}

	out := applyScores(candidates, scores, r.cfg.ScoreThreshold, topK)

	if r.cfg.MetricsEnabled {
		// NDCG of the incoming ordering under the new relevance scores;
		// 1.0 means the reranker changed nothing.
		m.NDCG = NDCG(scores, topK)
		metrics.RerankNDCG.Observe(m.NDCG)
	}

	m.Returned = len(out)
	m.DurationMS = time.Since(start).Milliseconds()
	metrics.RecordRerankMetrics(m.Provider, "ok", time.Since(start).Seconds())
	return out, m
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// scoreCrossEncoder calls the reranker service in parallel batches.
// A single failed batch fails the whole pass so the fallback can take
// over with a consistent score scale.
func (r *Reranker) scoreCrossEncoder(ctx context.Context, query string, candidates []search.SearchResult) ([]float64, error) {
	batchSize := r.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	scores := make([]float64, len(candidates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for begin := 0; begin < len(candidates); begin += batchSize {
		begin := begin
		end := begin + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		g.Go(func() error {
			batch := candidates[begin:end]
			batchScores, err := r.callService(gctx, query, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			copy(scores[begin:end], batchScores)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

func (r *Reranker) callService(ctx context.Context, query string, batch []search.SearchResult) ([]float64, error) {
	docs := make([]string, len(batch))
	for i, c := range batch {
		docs[i] = c.Content
	}

	url := fmt.Sprintf("%s/rerank", r.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	payload := rerankRequest{Query: query, Documents: docs, Model: r.cfg.Model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reranker returned %d", resp.StatusCode)
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	if len(rr.Scores) != len(batch) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(rr.Scores), len(batch))
	}
	return rr.Scores, nil
}

// scoreLLM asks a chat model to emit one JSON array of scores in [0, 1]
func (r *Reranker) scoreLLM(ctx context.Context, query string, candidates []search.SearchResult) ([]float64, error) {
	if r.llm == nil {
		return nil, fmt.Errorf("no llm fallback configured")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nDocuments:\n", query)
	for i, c := range candidates {
		content := c.Content
		if len(content) > 500 {
			content = content[:500]
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i, content)
	}
	sb.WriteString("\nScore each document's relevance to the query from 0.0 to 1.0. Respond with only a JSON array of numbers, one per document, in order.")

	res, err := r.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You are a relevance judge. Respond with only a JSON array of floats."},
		{Role: "user", Content: sb.String()},
	}, llm.CompleteOpts{Purpose: "rerank_fallback", Timeout: r.cfg.Timeout, Temperature: 0})
	if err != nil {
		return nil, err
	}

	scores, err := parseScoreArray(res.Content, len(candidates))
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// parseScoreArray extracts a JSON array of floats from an LLM reply,
// tolerating surrounding prose and code fences.
func parseScoreArray(reply string, want int) ([]float64, error) {
	startIdx := strings.Index(reply, "[")
	endIdx := strings.LastIndex(reply, "]")
	if startIdx < 0 || endIdx <= startIdx {
		return nil, fmt.Errorf("no JSON array in rerank reply")
	}

	var scores []float64
	if err := json.Unmarshal([]byte(reply[startIdx:endIdx+1]), &scores); err != nil {
		return nil, fmt.Errorf("parse rerank scores: %w", err)
	}
	if len(scores) != want {
		return nil, fmt.Errorf("got %d scores, want %d", len(scores), want)
	}
	for i, s := range scores {
		if s < 0 {
			scores[i] = 0
		}
		if s > 1 {
			scores[i] = 1
		}
	}
	return scores, nil
}

// applyScores rewrites candidate scores, drops those below threshold,
// sorts descending, truncates, and renumbers ranks.
func applyScores(candidates []search.SearchResult, scores []float64, threshold float64, topK int) []search.SearchResult {
	out := make([]search.SearchResult, 0, len(candidates))
	for i, c := range candidates {
		if scores[i] < threshold {
			continue
		}
		c.Score = scores[i]
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
