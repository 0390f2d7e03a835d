package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/connexus-ai/ragcore/internal/cache"
	"github.com/connexus-ai/ragcore/internal/circuitbreaker"
	"github.com/connexus-ai/ragcore/internal/compaction"
	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/search"
	"github.com/connexus-ai/ragcore/internal/search/parallel"
	"github.com/connexus-ai/ragcore/internal/search/rerank"
	"github.com/connexus-ai/ragcore/internal/store"
)

type fakeEngine struct {
	results []search.SearchResult
	err     error
	lastReq search.Request
	calls   int
}

func (f *fakeEngine) Search(_ context.Context, req search.Request) ([]search.SearchResult, error) {
	f.lastReq = req
	f.calls++
	return f.results, f.err
}

type fakeReranker struct {
	lastTopK       int
	lastCandidates int
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, candidates []search.SearchResult, topK int) ([]search.SearchResult, rerank.Metrics) {
	f.lastTopK = topK
	f.lastCandidates = len(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, rerank.Metrics{Provider: "cross_encoder"}
}

func (f *fakeReranker) CandidateMultiplier() int { return 3 }

type fakeExpander struct {
	exp parallel.Expansion
}

func (f *fakeExpander) Expand(_ context.Context, query string, _ int, _ string) parallel.Expansion {
	out := f.exp
	out.Original = query
	return out
}

type fakeFanout struct {
	res        *parallel.Result
	err        error
	calls      int
	lastFilter map[string]interface{}
}

func (f *fakeFanout) Search(_ context.Context, _, _ string, _ search.Method, metadata map[string]interface{}) (*parallel.Result, error) {
	f.calls++
	f.lastFilter = metadata
	return f.res, f.err
}

// fakeResultCache keys hits the way the handler scopes them: scope|query.
type fakeResultCache struct {
	hits    map[string]cache.SemanticCacheResult
	putKeys []string
	putMax  float64
}

func (f *fakeResultCache) Get(_ context.Context, scope, query string) cache.SemanticCacheResult {
	if hit, ok := f.hits[scope+"|"+query]; ok {
		return hit
	}
	return cache.SemanticCacheResult{Tier: cache.TierMiss}
}

func (f *fakeResultCache) Put(_ context.Context, scope, query string, _ json.RawMessage, maxScore float64) bool {
	f.putKeys = append(f.putKeys, scope+"|"+query)
	f.putMax = maxScore
	return true
}

func newSearchServer(t *testing.T, engine *fakeEngine, rr Reranker, fanout FanOutSearcher, rc ResultCache) (*httptest.Server, *fakeExpander) {
	t.Helper()
	expander := &fakeExpander{exp: parallel.Expansion{Variations: []string{"v1", "v2"}, TokensUsed: 17}}
	h := NewSearchHandler(engine, rr, expander, fanout, rc, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, expander
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSearchRequiresQuery(t *testing.T) {
	srv, _ := newSearchServer(t, &fakeEngine{}, nil, nil, nil)
	resp := postJSON(t, srv.URL+"/search", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "query is required", body["detail"])
}

func TestSearchDefaultsToHybridRPC(t *testing.T) {
	engine := &fakeEngine{results: []search.SearchResult{{ChunkID: "a", Score: 0.9, Rank: 1}}}
	srv, _ := newSearchServer(t, engine, nil, nil, nil)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{"query": "tiered cache"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, search.MethodHybridRPC, engine.lastReq.Method)
}

func TestSearchResponseShape(t *testing.T) {
	engine := &fakeEngine{results: []search.SearchResult{
		{ChunkID: "a", Score: 0.9, Rank: 1},
		{ChunkID: "b", Score: 0.8, Rank: 2},
	}}
	srv, _ := newSearchServer(t, engine, nil, nil, nil)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":     "tiered cache",
		"namespace": "docs",
		"top_k":     10,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[searchResponse](t, resp)

	assert.Len(t, body.Results, 2)
	assert.Equal(t, 2, body.TotalResults)
	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 10, body.PageSize)
	assert.Equal(t, "docs", body.FiltersApplied["namespace"])
}

func TestSearchServedFromSemanticCache(t *testing.T) {
	cached, err := json.Marshal([]search.SearchResult{{ChunkID: "cached", Score: 0.95, Rank: 1}})
	require.NoError(t, err)

	engine := &fakeEngine{}
	rc := &fakeResultCache{hits: map[string]cache.SemanticCacheResult{
		"hybrid_rpc||tiered cache": {Tier: cache.TierHigh, Similarity: 0.95, Data: cached, IsUsable: true},
	}}
	srv, _ := newSearchServer(t, engine, nil, nil, rc)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{"query": "tiered cache"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "high", resp.Header.Get("X-Cache"))
	body := decodeBody[searchResponse](t, resp)

	require.Len(t, body.Results, 1)
	assert.Equal(t, "cached", body.Results[0].ChunkID)
	assert.Equal(t, 0, engine.calls, "cache hit must not reach the engine")
}

func TestSearchPopulatesCacheOnMiss(t *testing.T) {
	engine := &fakeEngine{results: []search.SearchResult{{ChunkID: "a", Score: 0.91, Rank: 1}}}
	rc := &fakeResultCache{}
	srv, _ := newSearchServer(t, engine, nil, nil, rc)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{"query": "tiered cache"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, []string{"hybrid_rpc||tiered cache"}, rc.putKeys)
	assert.Equal(t, 0.91, rc.putMax, "top score gates the cache write")
}

func TestSearchRerankExpandsCandidatePool(t *testing.T) {
	engine := &fakeEngine{results: []search.SearchResult{
		{ChunkID: "a", Score: 0.9}, {ChunkID: "b", Score: 0.8}, {ChunkID: "c", Score: 0.7},
		{ChunkID: "d", Score: 0.6}, {ChunkID: "e", Score: 0.5}, {ChunkID: "f", Score: 0.4},
	}}
	rr := &fakeReranker{}
	srv, _ := newSearchServer(t, engine, rr, nil, nil)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":  "tiered cache",
		"top_k":  2,
		"rerank": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[searchResponse](t, resp)

	assert.Equal(t, 6, engine.lastReq.TopK, "fetch top_k times the candidate multiplier")
	assert.Equal(t, 2, rr.lastTopK)
	assert.Len(t, body.Results, 2)
}

func TestSearchParallelMethod(t *testing.T) {
	fanout := &fakeFanout{res: &parallel.Result{
		Query:      "tiered cache",
		Variations: []string{"tiered cache", "layered cache"},
		Results: []parallel.AggregatedResult{
			{SearchResult: search.SearchResult{ChunkID: "a", Score: 0.88, Rank: 1}},
		},
	}}
	engine := &fakeEngine{}
	srv, _ := newSearchServer(t, engine, nil, fanout, nil)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":  "tiered cache",
		"method": "parallel_aggregated",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[searchResponse](t, resp)

	assert.Equal(t, 1, fanout.calls)
	assert.Equal(t, 0, engine.calls)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "a", body.Results[0].ChunkID)
}

func TestSearchFailureIs500WithDetail(t *testing.T) {
	engine := &fakeEngine{err: errors.New("postgres down")}
	srv, _ := newSearchServer(t, engine, nil, nil, nil)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{"query": "tiered cache"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "postgres down", body["detail"])
}

func TestExpandEndpoint(t *testing.T) {
	srv, _ := newSearchServer(t, &fakeEngine{}, nil, nil, nil)

	resp := postJSON(t, srv.URL+"/expand", map[string]interface{}{"query": "tiered cache", "n": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[expandResponse](t, resp)

	assert.Equal(t, "tiered cache", body.Original)
	assert.Equal(t, []string{"v1", "v2"}, body.Variations)
	assert.Equal(t, 17, body.TokensUsed)
}

type fakeCompactorAPI struct {
	compactRes compaction.Result
	compactFn  func()
	triggers   chan string
	should     bool
	statusRes  *compaction.WindowStatus
	statusErr  error
	restoreRes compaction.Result
	restoreErr error
	offers     []compaction.RecoveryOffer
}

func (f *fakeCompactorAPI) Compact(_ context.Context, _, _, trigger string) compaction.Result {
	if f.compactFn != nil {
		f.compactFn()
	}
	if f.triggers != nil {
		f.triggers <- trigger
	}
	return f.compactRes
}

func (f *fakeCompactorAPI) ShouldCompact(_ context.Context, _ string) (bool, string) {
	return f.should, ""
}

func (f *fakeCompactorAPI) Status(_ context.Context, _ string) (*compaction.WindowStatus, error) {
	return f.statusRes, f.statusErr
}

func (f *fakeCompactorAPI) OfferRecovery(_ context.Context, _ string) ([]compaction.RecoveryOffer, error) {
	return f.offers, nil
}

func (f *fakeCompactorAPI) AcknowledgeRecovery(_ context.Context, _ uuid.UUID) error { return nil }

func (f *fakeCompactorAPI) Restore(_ context.Context, _ string, _ uuid.UUID) (compaction.Result, error) {
	return f.restoreRes, f.restoreErr
}

type fakeContextWriter struct {
	cc      *store.ConversationContext
	lastMsg *store.ContextMessage
}

func (f *fakeContextWriter) EnsureContext(_ context.Context, _, _ string, _, _ int) (*store.ConversationContext, error) {
	return f.cc, nil
}

func (f *fakeContextWriter) AppendMessage(_ context.Context, contextID uuid.UUID, role, content string, tokenCount int, isProtected bool) (*store.ContextMessage, error) {
	f.lastMsg = &store.ContextMessage{
		ID:          uuid.New(),
		ContextID:   contextID,
		Role:        role,
		Content:     content,
		TokenCount:  tokenCount,
		IsProtected: isProtected,
	}
	return f.lastMsg, nil
}

type fakeCheckpointLister struct {
	cps []store.SessionCheckpoint
}

func (f *fakeCheckpointLister) List(_ context.Context, _ string) ([]store.SessionCheckpoint, error) {
	return f.cps, nil
}

func newContextL1(t *testing.T) *cache.L1Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zaptest.NewLogger(t)
	return cache.NewL1CacheFromWrapper(circuitbreaker.NewRedisWrapper(rc, logger), logger)
}

func newContextServer(t *testing.T, compactor Compactor, contexts ContextWriter, checkpoints CheckpointLister, l1 *cache.L1Cache) *httptest.Server {
	t.Helper()
	cfg := config.CompactionConfig{
		MaxTokens:        200000,
		ThresholdPercent: 80,
		SummaryModel:     "gpt-4o-mini",
	}
	h := NewContextHandler(compactor, contexts, checkpoints, l1, cfg, zaptest.NewLogger(t))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestContextStatus(t *testing.T) {
	compactor := &fakeCompactorAPI{statusRes: &compaction.WindowStatus{
		ConversationID: "conv-1",
		TotalTokens:    750,
		MaxTokens:      1000,
		UsagePercent:   75,
		Status:         compaction.StatusWarning,
	}}
	srv := newContextServer(t, compactor, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp, err := http.Get(srv.URL + "/context-window/conv-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[compaction.WindowStatus](t, resp)
	assert.Equal(t, compaction.StatusWarning, body.Status)
}

func TestContextStatusNotFound(t *testing.T) {
	compactor := &fakeCompactorAPI{statusErr: store.ErrNotFound}
	srv := newContextServer(t, compactor, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp, err := http.Get(srv.URL + "/context-window/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppendMessage(t *testing.T) {
	contexts := &fakeContextWriter{cc: &store.ConversationContext{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		TotalTokens:    100,
		MaxTokens:      1000,
	}}
	compactor := &fakeCompactorAPI{}
	srv := newContextServer(t, compactor, contexts, &fakeCheckpointLister{}, nil)

	resp := postJSON(t, srv.URL+"/context-window/conv-1/messages", map[string]interface{}{
		"role":    "user",
		"content": "What is RRF fusion?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[appendMessageResponse](t, resp)

	assert.NotEqual(t, uuid.Nil, body.MessageID)
	assert.Equal(t, contexts.lastMsg.TokenCount, body.TokenCount)
	assert.Equal(t, compaction.StatusNormal, body.ContextStatus)
	assert.False(t, body.CompactionTriggered)
}

func TestAppendMessageTriggersCompaction(t *testing.T) {
	contexts := &fakeContextWriter{cc: &store.ConversationContext{
		ID:             uuid.New(),
		ConversationID: "conv-1",
		TotalTokens:    900,
		MaxTokens:      1000,
	}}
	compactor := &fakeCompactorAPI{should: true, triggers: make(chan string, 1)}
	srv := newContextServer(t, compactor, contexts, &fakeCheckpointLister{}, nil)

	resp := postJSON(t, srv.URL+"/context-window/conv-1/messages", map[string]interface{}{
		"role":    "user",
		"content": "another message",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[appendMessageResponse](t, resp)
	assert.True(t, body.CompactionTriggered)

	select {
	case trigger := <-compactor.triggers:
		assert.Equal(t, "auto", trigger)
	case <-time.After(2 * time.Second):
		t.Fatal("background compaction was never started")
	}
}

func TestAppendMessageValidation(t *testing.T) {
	srv := newContextServer(t, &fakeCompactorAPI{}, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp := postJSON(t, srv.URL+"/context-window/conv-1/messages", map[string]interface{}{"role": "user"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCompactPlainJSON(t *testing.T) {
	compactor := &fakeCompactorAPI{
		compactRes: compaction.Result{Success: true, MessagesBefore: 5, MessagesAfter: 3},
		triggers:   make(chan string, 1),
	}
	srv := newContextServer(t, compactor, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp := postJSON(t, srv.URL+"/context-window/conv-1/compact", map[string]interface{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[compaction.Result](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "manual", <-compactor.triggers)
}

func TestCompactSSEStream(t *testing.T) {
	l1 := newContextL1(t)
	compactor := &fakeCompactorAPI{compactRes: compaction.Result{Success: true}}
	compactor.compactFn = func() {
		raw, _ := json.Marshal(compaction.Progress{Percent: 60, Stage: "summarizing", UpdatedAt: time.Now()})
		_ = l1.Set(context.Background(), cache.ProgressKey("conv-1"), raw, time.Minute)
		time.Sleep(600 * time.Millisecond)
	}
	srv := newContextServer(t, compactor, &fakeContextWriter{}, &fakeCheckpointLister{}, l1)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/context-window/conv-1/compact", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "summarizing")
	assert.Contains(t, body, "event: result")
	assert.Contains(t, body, `"success":true`)
}

func TestListCheckpoints(t *testing.T) {
	cps := []store.SessionCheckpoint{{
		ID:         uuid.New(),
		Label:      "pre_compaction",
		TokenCount: 1200,
	}}
	srv := newContextServer(t, &fakeCompactorAPI{}, &fakeContextWriter{}, &fakeCheckpointLister{cps: cps}, nil)

	resp, err := http.Get(srv.URL + "/checkpoints/conv-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]checkpointSummary](t, resp)
	require.Len(t, body["checkpoints"], 1)
	assert.Equal(t, "pre_compaction", body["checkpoints"][0].Label)
}

func TestRestoreInvalidCheckpointID(t *testing.T) {
	srv := newContextServer(t, &fakeCompactorAPI{}, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp := postJSON(t, srv.URL+"/checkpoints/conv-1/restore/not-a-uuid", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRestoreNotFound(t *testing.T) {
	compactor := &fakeCompactorAPI{restoreErr: store.ErrNotFound}
	srv := newContextServer(t, compactor, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp := postJSON(t, srv.URL+"/checkpoints/conv-1/restore/"+uuid.NewString(), map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRecoveryOffers(t *testing.T) {
	compactor := &fakeCompactorAPI{offers: []compaction.RecoveryOffer{{
		CheckpointID: uuid.New(),
		Label:        "abnormal_close",
	}}}
	srv := newContextServer(t, compactor, &fakeContextWriter{}, &fakeCheckpointLister{}, nil)

	resp, err := http.Get(srv.URL + "/checkpoints/conv-1/recovery")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]compaction.RecoveryOffer](t, resp)
	assert.Len(t, body["offers"], 1)
}

// A result cached for one namespace must not short-circuit a search in
// another namespace.
func TestSearchCacheScopedByNamespace(t *testing.T) {
	cached, err := json.Marshal([]search.SearchResult{{ChunkID: "cached", Score: 0.95, Rank: 1}})
	require.NoError(t, err)

	engine := &fakeEngine{results: []search.SearchResult{{ChunkID: "fresh", Score: 0.9, Rank: 1}}}
	rc := &fakeResultCache{hits: map[string]cache.SemanticCacheResult{
		"hybrid_rpc|team-a|tiered cache": {Tier: cache.TierHigh, Similarity: 0.95, Data: cached, IsUsable: true},
	}}
	srv, _ := newSearchServer(t, engine, nil, nil, rc)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":     "tiered cache",
		"namespace": "team-b",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Cache"))
	body := decodeBody[searchResponse](t, resp)

	require.Len(t, body.Results, 1)
	assert.Equal(t, "fresh", body.Results[0].ChunkID)
	assert.Equal(t, 1, engine.calls)

	resp = postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":     "tiered cache",
		"namespace": "team-a",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "high", resp.Header.Get("X-Cache"))
	body = decodeBody[searchResponse](t, resp)
	assert.Equal(t, "cached", body.Results[0].ChunkID)
	assert.Equal(t, 1, engine.calls, "scoped hit must not reach the engine")
}

// Cached results written without a metadata filter stay invisible to
// filtered requests, and the filter reaches the parallel fan-out.
func TestSearchCacheScopedByMetadataFilter(t *testing.T) {
	engine := &fakeEngine{results: []search.SearchResult{{ChunkID: "a", Score: 0.91, Rank: 1}}}
	rc := &fakeResultCache{}
	srv, _ := newSearchServer(t, engine, nil, nil, rc)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":           "tiered cache",
		"metadata_filter": map[string]interface{}{"team": "a"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, []string{`hybrid_rpc||{"team":"a"}|tiered cache`}, rc.putKeys)
	assert.Equal(t, map[string]interface{}{"team": "a"}, engine.lastReq.MetadataFilter)
}

func TestSearchParallelForwardsMetadataFilter(t *testing.T) {
	fanout := &fakeFanout{res: &parallel.Result{
		Results: []parallel.AggregatedResult{
			{SearchResult: search.SearchResult{ChunkID: "a", Score: 0.88, Rank: 1}},
		},
	}}
	srv, _ := newSearchServer(t, &fakeEngine{}, nil, fanout, nil)

	resp := postJSON(t, srv.URL+"/search", map[string]interface{}{
		"query":           "tiered cache",
		"method":          "parallel_aggregated",
		"metadata_filter": map[string]interface{}{"team": "a"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, map[string]interface{}{"team": "a"}, fanout.lastFilter)
}
