package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connexus-ai/ragcore/internal/config"
)

func TestUninitializedService(t *testing.T) {
	var s *Service
	if _, err := s.Embed(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error when service is nil")
	}
}

func newEmbedServer(t *testing.T, dims int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vecs := make([][]float64, len(req.Texts))
		for i := range req.Texts {
			vec := make([]float64, dims)
			vec[0] = float64(i + 1)
			vecs[i] = vec
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs, Dimensions: dims, ModelUsed: req.Model})
	}))
}

func TestEmbedCachesInLRU(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbedServer(t, 4, &calls)
	defer srv.Close()

	s := NewService(config.EmbeddingsConfig{
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: 4,
		CacheTTL:   time.Hour,
	}, nil)

	v1, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v1, 4)

	v2, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int64(1), calls.Load(), "second call should be served from LRU")
}

func TestEmbedRejectsWrongDimensions(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbedServer(t, 3, &calls)
	defer srv.Close()

	s := NewService(config.EmbeddingsConfig{
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: 4,
	}, nil)

	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimensions")
}

func TestEmbedBatchOnlyFetchesMisses(t *testing.T) {
	var calls atomic.Int64
	srv := newEmbedServer(t, 4, &calls)
	defer srv.Close()

	s := NewService(config.EmbeddingsConfig{
		BaseURL:    srv.URL,
		Model:      "test-model",
		Dimensions: 4,
	}, nil)

	_, err := s.Embed(context.Background(), "a")
	require.NoError(t, err)

	out, err := s.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range out {
		assert.Len(t, v, 4)
	}
	assert.Equal(t, int64(2), calls.Load(), "cached text should not be refetched")
}

func TestEmbedProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewService(config.EmbeddingsConfig{BaseURL: srv.URL, Model: "m", Dimensions: 4}, nil)

	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLocalLRUEviction(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	lru.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = lru.Get(ctx, "c")
	assert.True(t, ok)
}

func TestLocalLRUTTL(t *testing.T) {
	lru := NewLocalLRU(10)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, -time.Second)
	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok)
}
