package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/cache"
	"github.com/connexus-ai/ragcore/internal/search"
	"github.com/connexus-ai/ragcore/internal/search/parallel"
	"github.com/connexus-ai/ragcore/internal/search/rerank"
)

// Searcher runs a single retrieval; implemented by search.Engine
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.SearchResult, error)
}

// Reranker reorders candidates; implemented by rerank.Reranker
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []search.SearchResult, topK int) ([]search.SearchResult, rerank.Metrics)
	CandidateMultiplier() int
}

// QueryExpander produces query variations; implemented by parallel.Expander
type QueryExpander interface {
	Expand(ctx context.Context, query string, n int, strategy string) parallel.Expansion
}

// FanOutSearcher runs the parallel pipeline; implemented by parallel.Orchestrator
type FanOutSearcher interface {
	Search(ctx context.Context, query, namespace string, method search.Method, metadata map[string]interface{}) (*parallel.Result, error)
}

// ResultCache is the semantic result cache; implemented by cache.SemanticCache
type ResultCache interface {
	Get(ctx context.Context, scope, query string) cache.SemanticCacheResult
	Put(ctx context.Context, scope, query string, result json.RawMessage, maxScore float64) bool
}

var errParallelDisabled = errors.New("parallel search is not enabled")

// SearchHandler serves the retrieval endpoints
type SearchHandler struct {
	engine   Searcher
	reranker Reranker
	expander QueryExpander
	fanout   FanOutSearcher
	cache    ResultCache
	logger   *zap.Logger
}

// NewSearchHandler wires the retrieval API surface. reranker, fanout,
// and cache may be nil; the matching features degrade to plain search.
func NewSearchHandler(engine Searcher, reranker Reranker, expander QueryExpander, fanout FanOutSearcher, resultCache ResultCache, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{
		engine:   engine,
		reranker: reranker,
		expander: expander,
		fanout:   fanout,
		cache:    resultCache,
		logger:   logger,
	}
}

// RegisterRoutes mounts the retrieval endpoints on mux
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("POST /expand", h.handleExpand)
}

type searchResponse struct {
	Results        []search.SearchResult  `json:"results"`
	TotalResults   int                    `json:"total_results"`
	Page           int                    `json:"page"`
	PageSize       int                    `json:"page_size"`
	FiltersApplied map[string]interface{} `json:"filters_applied"`
}

func (h *SearchHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, h.logger, http.StatusBadRequest, "query is required")
		return
	}
	if req.Method == "" {
		req.Method = search.MethodHybridRPC
	}

	ctx := r.Context()
	scope := searchScope(req)

	if h.cache != nil && !req.Rerank {
		if hit := h.cache.Get(ctx, scope, req.Query); hit.IsUsable {
			var results []search.SearchResult
			if err := json.Unmarshal(hit.Data, &results); err == nil {
				w.Header().Set("X-Cache", string(hit.Tier))
				h.respond(w, req, results)
				return
			}
			h.logger.Warn("discarding unparseable cached search result",
				zap.String("tier", string(hit.Tier)),
			)
		}
	}

	results, err := h.runSearch(ctx, req)
	if err != nil {
		h.logger.Error("search failed",
			zap.String("method", string(req.Method)),
			zap.Error(err),
		)
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}

	if h.cache != nil && !req.Rerank && len(results) > 0 {
		if raw, err := json.Marshal(results); err == nil {
			h.cache.Put(ctx, scope, req.Query, raw, results[0].Score)
		}
	}

	h.respond(w, req, results)
}

// searchScope partitions cached results so a hit never crosses method,
// namespace, or metadata filter boundaries. json.Marshal sorts map keys,
// so equal filters always render the same scope.
func searchScope(req search.Request) string {
	scope := string(req.Method) + "|" + req.Namespace
	if len(req.MetadataFilter) > 0 {
		if raw, err := json.Marshal(req.MetadataFilter); err == nil {
			scope += "|" + string(raw)
		}
	}
	return scope
}

func (h *SearchHandler) runSearch(ctx context.Context, req search.Request) ([]search.SearchResult, error) {
	if req.Method == search.MethodParallel {
		if h.fanout == nil {
			return nil, errParallelDisabled
		}
		res, err := h.fanout.Search(ctx, req.Query, req.Namespace, search.MethodHybridRPC, req.MetadataFilter)
		if err != nil {
			return nil, err
		}
		out := make([]search.SearchResult, len(res.Results))
		for i, ar := range res.Results {
			out[i] = ar.SearchResult
		}
		return out, nil
	}

	if req.Rerank && h.reranker != nil {
		topK := req.TopK
		fetch := req
		if topK > 0 {
			fetch.TopK = topK * h.reranker.CandidateMultiplier()
		}
		candidates, err := h.engine.Search(ctx, fetch)
		if err != nil {
			return nil, err
		}
		if topK <= 0 {
			topK = len(candidates)
		}
		reranked, _ := h.reranker.Rerank(ctx, req.Query, candidates, topK)
		return reranked, nil
	}

	return h.engine.Search(ctx, req)
}

func (h *SearchHandler) respond(w http.ResponseWriter, req search.Request, results []search.SearchResult) {
	filters := map[string]interface{}{}
	if req.Namespace != "" {
		filters["namespace"] = req.Namespace
	}
	if len(req.MetadataFilter) > 0 {
		filters["metadata"] = req.MetadataFilter
	}
	if results == nil {
		results = []search.SearchResult{}
	}

	pageSize := req.TopK
	if pageSize <= 0 {
		pageSize = len(results)
	}

	writeJSON(w, h.logger, http.StatusOK, searchResponse{
		Results:        results,
		TotalResults:   len(results),
		Page:           1,
		PageSize:       pageSize,
		FiltersApplied: filters,
	})
}

type expandRequest struct {
	Query    string `json:"query"`
	N        int    `json:"n,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

type expandResponse struct {
	Original   string   `json:"original"`
	Variations []string `json:"variations"`
	TokensUsed int      `json:"tokens_used"`
	DurationMS int64    `json:"duration_ms"`
	FromCache  bool     `json:"from_cache,omitempty"`
}

func (h *SearchHandler) handleExpand(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, h.logger, http.StatusBadRequest, "query is required")
		return
	}

	start := time.Now()
	exp := h.expander.Expand(r.Context(), req.Query, req.N, req.Strategy)

	variations := exp.Variations
	if variations == nil {
		variations = []string{}
	}
	writeJSON(w, h.logger, http.StatusOK, expandResponse{
		Original:   exp.Original,
		Variations: variations,
		TokensUsed: exp.TokensUsed,
		DurationMS: time.Since(start).Milliseconds(),
		FromCache:  exp.FromCache,
	})
}
