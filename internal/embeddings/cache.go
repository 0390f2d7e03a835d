package embeddings

import (
	"container/list"
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/cache"
	"github.com/connexus-ai/ragcore/internal/metrics"
)

// VectorCache defines the second-tier embedding cache operations
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is a simple in-process LRU with TTL
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		ent := el.Value.(lruEntry)
		if ent.exp.After(time.Now()) {
			l.list.MoveToFront(el)
			return ent.vec, true
		}
		// expired: remove
		l.list.Remove(el)
		delete(l.m, key)
	}
	return nil, false
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		lru := l.list.Back()
		if lru != nil {
			ent := lru.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(lru)
		}
	}
}

// RedisVectorCache stores embeddings in L1 under embedding:<hash> keys.
// Vectors are packed as little-endian float32; a payload whose length is
// not a whole number of expected dimensions is treated as corrupt and
// invalidated.
type RedisVectorCache struct {
	l1     *cache.L1Cache
	dims   int
	logger *zap.Logger
}

func NewRedisVectorCache(l1 *cache.L1Cache, dims int, logger *zap.Logger) *RedisVectorCache {
	return &RedisVectorCache{l1: l1, dims: dims, logger: logger}
}

func (r *RedisVectorCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, ok := r.l1.Get(ctx, key)
	if !ok {
		return nil, false
	}
	if len(b)%4 != 0 || len(b)/4 != r.dims {
		metrics.CacheCorruptEntries.Inc()
		r.logger.Warn("invalidating corrupt cached embedding",
			zap.String("key", key),
			zap.Int("bytes", len(b)),
			zap.Int("expected_dims", r.dims),
		)
		_ = r.l1.Delete(ctx, key)
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := 0; i < len(out); i++ {
		u := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(u)
	}
	return out, true
}

func (r *RedisVectorCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	_ = r.l1.Set(ctx, key, b, ttl)
}

// MakeKey builds the cache key for a (model, text) pair
func MakeKey(model, text string) string {
	return cache.EmbeddingKey(model + "|" + text)
}
