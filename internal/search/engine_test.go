package search

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/store"
)

type fakeChunks struct {
	dense      []store.ChunkRow
	sparse     []store.ChunkRow
	fuzzy      []store.ChunkRow
	ilike      []store.ChunkRow
	hybrid     []store.HybridRow
	contents   []store.ChunkRow
	sparseErr  error
	fuzzyErr   error
	hybridErr  error

	mu         sync.Mutex
	lastFilter map[string]interface{}
}

func (f *fakeChunks) record(metadata map[string]interface{}) {
	f.mu.Lock()
	f.lastFilter = metadata
	f.mu.Unlock()
}

func (f *fakeChunks) filter() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFilter
}

func (f *fakeChunks) MatchChunks(_ context.Context, _ []float32, _ float64, _ int, _ string, metadata map[string]interface{}) ([]store.ChunkRow, error) {
	f.record(metadata)
	return f.dense, nil
}
func (f *fakeChunks) SearchBM25(_ context.Context, _ string, _ int, _ float64, _ string, metadata map[string]interface{}) ([]store.ChunkRow, error) {
	f.record(metadata)
	return f.sparse, f.sparseErr
}
func (f *fakeChunks) SearchFuzzy(_ context.Context, _ string, _ int, _ float64, _ string, metadata map[string]interface{}) ([]store.ChunkRow, error) {
	f.record(metadata)
	return f.fuzzy, f.fuzzyErr
}
func (f *fakeChunks) SearchILike(_ context.Context, _ string, _ int, _ string, metadata map[string]interface{}) ([]store.ChunkRow, error) {
	f.record(metadata)
	return f.ilike, nil
}
func (f *fakeChunks) HybridSearch(_ context.Context, _ string, _ []float32, _ store.HybridParams, _ string, metadata map[string]interface{}) ([]store.HybridRow, error) {
	f.record(metadata)
	return f.hybrid, f.hybridErr
}
func (f *fakeChunks) ContentsByNamespace(_ context.Context, _ string, metadata map[string]interface{}, _ int) ([]store.ChunkRow, error) {
	f.record(metadata)
	return f.contents, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		TopK:          10,
		DenseTopK:     20,
		SparseTopK:    20,
		FuzzyTopK:     20,
		MinDenseScore: 0.35,
		MinSparseRank: 0.01,
		MinFuzzySim:   0.3,
		RRFK:          60,
		DenseWeight:   0.5,
		SparseWeight:  0.3,
		FuzzyWeight:   0.2,
		DenseEnabled:  true,
		SparseEnabled: true,
		FuzzyEnabled:  true,
	}
}

func chunkRow(id string, content string, score float64) store.ChunkRow {
	return store.ChunkRow{
		ChunkID:    uuid.MustParse(id),
		Content:    content,
		Similarity: score,
	}
}

const (
	idA = "00000000-0000-0000-0000-00000000000a"
	idB = "00000000-0000-0000-0000-00000000000b"
	idC = "00000000-0000-0000-0000-00000000000c"
)

func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func newTestEngine(t *testing.T, chunks ChunkSearcher) *Engine {
	t.Helper()
	return NewEngine(chunks, fakeEmbedder{}, testSearchConfig(), zaptest.NewLogger(t))
}

func TestSearchUnknownMethodRejected(t *testing.T) {
	e := newTestEngine(t, &fakeChunks{})
	_, err := e.Search(context.Background(), Request{Query: "q", Method: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown search method")
}

func TestSearchDefaultsToHybridRPC(t *testing.T) {
	chunks := &fakeChunks{hybrid: []store.HybridRow{
		{ChunkID: uuid.MustParse(idA), Content: "alpha", RRFScore: 0.02},
	}}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, MethodHybridRPC, out[0].Method)
	assert.Equal(t, 1, out[0].Rank)
}

func TestDenseSearchRanksDescending(t *testing.T) {
	chunks := &fakeChunks{dense: []store.ChunkRow{
		chunkRow(idB, "beta", 0.7),
		chunkRow(idA, "alpha", 0.9),
	}}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "q", Method: MethodDense})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, idA, out[0].ChunkID)
	assert.Equal(t, 0.9, out[0].Score)
	require.NotNil(t, out[0].DenseScore)
	assert.Equal(t, []int{1, 2}, []int{out[0].Rank, out[1].Rank})
}

func TestSparseFallsBackToClientScorer(t *testing.T) {
	chunks := &fakeChunks{
		sparseErr: errors.New("function search_chunks_bm25 does not exist"),
		contents: []store.ChunkRow{
			chunkRow(idA, "cache promotion in the tiered cache", 0),
			chunkRow(idB, "nothing matching here", 0),
		},
	}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "cache", Method: MethodSparse})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, idA, out[0].ChunkID)
	require.NotNil(t, out[0].SparseScore)
}

func TestHybridSurvivesSubSearchFailure(t *testing.T) {
	chunks := &fakeChunks{
		dense: []store.ChunkRow{chunkRow(idA, "alpha", 0.9)},
		// sparse leg errors and its fallback finds nothing
		sparseErr: errors.New("down"),
		fuzzyErr:  errors.New("down"),
		contents:  nil,
	}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "zzz", Method: MethodHybrid})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, idA, out[0].ChunkID)
	assert.InDelta(t, 0.5/61, out[0].Score, 1e-9)
}

func TestHybridRPCFallsBackToClientFusion(t *testing.T) {
	chunks := &fakeChunks{
		hybridErr: errors.New("rpc unavailable"),
		dense:     []store.ChunkRow{chunkRow(idA, "alpha", 0.9)},
		sparse:    []store.ChunkRow{chunkRow(idA, "alpha", 2.0), chunkRow(idC, "gamma", 1.0)},
		fuzzy:     nil,
	}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "q", Method: MethodHybridRPC})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, idA, out[0].ChunkID)
	assert.InDelta(t, 0.5/61+0.3/61, out[0].Score, 1e-9)
}

func TestILikeUniformScore(t *testing.T) {
	chunks := &fakeChunks{ilike: []store.ChunkRow{
		chunkRow(idA, "alpha", 1.0),
		chunkRow(idB, "beta", 1.0),
	}}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "a", Method: MethodILike})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.Equal(t, 1.0, r.Score)
		assert.Equal(t, MethodILike, r.Method)
	}
}

func TestHybridRPCSubScoresPreserved(t *testing.T) {
	chunks := &fakeChunks{hybrid: []store.HybridRow{
		{
			ChunkID:     uuid.MustParse(idA),
			Content:     "alpha",
			RRFScore:    0.0131,
			DenseScore:  nullFloat(0.9),
			SparseScore: nullFloat(2.1),
		},
	}}
	e := newTestEngine(t, chunks)

	out, err := e.Search(context.Background(), Request{Query: "q", Method: MethodHybridRPC})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].DenseScore)
	assert.Equal(t, 0.9, *out[0].DenseScore)
	require.NotNil(t, out[0].SparseScore)
	assert.Nil(t, out[0].FuzzyScore)
	require.NotNil(t, out[0].RRFScore)
}

func TestSearchForwardsMetadataFilter(t *testing.T) {
	filter := map[string]interface{}{"team": "a"}

	chunks := &fakeChunks{dense: []store.ChunkRow{chunkRow(idA, "alpha", 0.9)}}
	e := newTestEngine(t, chunks)
	_, err := e.Search(context.Background(), Request{Query: "q", Method: MethodDense, MetadataFilter: filter})
	require.NoError(t, err)
	assert.Equal(t, filter, chunks.filter())

	chunks = &fakeChunks{hybrid: []store.HybridRow{{ChunkID: uuid.MustParse(idA), Content: "alpha", RRFScore: 0.02}}}
	e = newTestEngine(t, chunks)
	_, err = e.Search(context.Background(), Request{Query: "q", Method: MethodHybridRPC, MetadataFilter: filter})
	require.NoError(t, err)
	assert.Equal(t, filter, chunks.filter())
}

func TestFallbackForwardsMetadataFilter(t *testing.T) {
	filter := map[string]interface{}{"team": "a"}
	chunks := &fakeChunks{
		sparseErr: errors.New("down"),
		contents:  []store.ChunkRow{chunkRow(idA, "cache things", 0)},
	}
	e := newTestEngine(t, chunks)

	_, err := e.Search(context.Background(), Request{Query: "cache", Method: MethodSparse, MetadataFilter: filter})
	require.NoError(t, err)
	assert.Equal(t, filter, chunks.filter())
}
