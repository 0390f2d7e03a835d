package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreBM25TermFrequency(t *testing.T) {
	single := ScoreBM25("cache", "the cache holds entries")
	double := ScoreBM25("cache", "the cache holds cache entries")
	assert.Greater(t, double, single, "repeated term should score higher")

	assert.Zero(t, ScoreBM25("cache", "nothing relevant here"))
	assert.Zero(t, ScoreBM25("", "any content"))
	assert.Zero(t, ScoreBM25("cache", ""))
}

func TestFallbackBM25Ordering(t *testing.T) {
	candidates := []SearchResult{
		{ChunkID: "a", Content: "redis cache layer with cache promotion"},
		{ChunkID: "b", Content: "postgres storage engine"},
		{ChunkID: "c", Content: "cache"},
	}

	out := FallbackBM25("cache promotion", candidates, 10)
	require.Len(t, out, 2, "chunk without any query term is dropped")
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, MethodSparse, out[0].Method)
	require.NotNil(t, out[0].SparseScore)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, 2, out[1].Rank)
}

func TestFuzzyRatioBounds(t *testing.T) {
	assert.InDelta(t, 1.0, FuzzyRatio("redis", "redis"), 1e-9)
	assert.Greater(t, FuzzyRatio("rediss", "redis cluster"), 0.5)
	assert.Zero(t, FuzzyRatio("", "content"))

	r := FuzzyRatio("xyzzy", "completely unrelated words")
	assert.GreaterOrEqual(t, r, 0.0)
	assert.LessOrEqual(t, r, 1.0)
}

func TestFallbackFuzzyPrefilter(t *testing.T) {
	candidates := []SearchResult{
		{ChunkID: "a", Content: "Redis cluster configuration"},
		{ChunkID: "b", Content: "unrelated text entirely"},
	}

	out := FallbackFuzzy("redis", candidates, 0.3, 10)
	require.Len(t, out, 1, "candidates without a substring match are filtered before scoring")
	assert.Equal(t, "a", out[0].ChunkID)
	assert.Equal(t, MethodFuzzy, out[0].Method)
	require.NotNil(t, out[0].FuzzyScore)
	assert.GreaterOrEqual(t, *out[0].FuzzyScore, 0.3)
}

func TestFallbackFuzzyMinSimilarity(t *testing.T) {
	candidates := []SearchResult{
		{ChunkID: "a", Content: "redis and a very long paragraph about many different subjects"},
	}
	out := FallbackFuzzy("redis", candidates, 0.99, 10)
	// Substring matched but tokenized ratio below threshold for multi-word content
	for _, r := range out {
		assert.GreaterOrEqual(t, r.Score, 0.99)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, tokenize("Hello, WORLD! 42"))
	assert.Empty(t, tokenize("!!! ---"))
}
