package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/metrics"
)

// Level identifies which tier served a lookup
type Level string

const (
	LevelL1   Level = "l1"
	LevelL2   Level = "l2"
	LevelNone Level = "none"
)

// DurableCache is the L2 contract, backed by Postgres in production.
// Implementations return found=false for both absence and expiry.
type DurableCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LookupResult carries a tiered lookup outcome
type LookupResult struct {
	Data  []byte
	Level Level
}

// TieredCache layers the volatile L1 over the durable L2. Reads prefer
// L1 and fall through to L2; an L2 hit is promoted back into L1 in the
// background. Writes go to both levels in parallel and succeed when at
// least one level accepted the value.
type TieredCache struct {
	l1     *L1Cache
	l2     DurableCache
	cfg    config.CacheConfig
	logger *zap.Logger
}

// NewTieredCache builds the tiered cache. Either level may be nil when
// disabled; with both nil every lookup misses and every write is a no-op.
func NewTieredCache(l1 *L1Cache, l2 DurableCache, cfg config.CacheConfig, logger *zap.Logger) *TieredCache {
	if !cfg.L1Enabled {
		l1 = nil
	}
	if !cfg.L2Enabled {
		l2 = nil
	}
	return &TieredCache{l1: l1, l2: l2, cfg: cfg, logger: logger}
}

// Get looks the key up L1-first. L2 errors count as misses so that a
// database outage degrades to recomputation rather than failure.
func (t *TieredCache) Get(ctx context.Context, key string) LookupResult {
	if t.l1 != nil {
		if data, ok := t.l1.Get(ctx, key); ok {
			metrics.CacheLookups.WithLabelValues(string(LevelL1)).Inc()
			return LookupResult{Data: data, Level: LevelL1}
		}
	}

	if t.l2 != nil {
		data, ok, err := t.l2.Get(ctx, key)
		if err != nil {
			t.logger.Warn("L2 get failed, treating as miss",
				zap.String("key", key),
				zap.Error(err),
			)
		} else if ok {
			metrics.CacheLookups.WithLabelValues(string(LevelL2)).Inc()
			t.promote(key, data)
			return LookupResult{Data: data, Level: LevelL2}
		}
	}

	metrics.CacheLookups.WithLabelValues(string(LevelNone)).Inc()
	return LookupResult{Level: LevelNone}
}

// promote copies an L2 hit into L1 without blocking the caller
func (t *TieredCache) promote(key string, data []byte) {
	if t.l1 == nil || !t.cfg.PromoteToL1 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.l1.Set(ctx, key, data, t.cfg.L1TTL); err == nil {
			metrics.CachePromotions.Inc()
		}
	}()
}

// Set writes to both levels concurrently. It returns an error only when
// every enabled level rejected the write; a single surviving level keeps
// the cache operational.
func (t *TieredCache) Set(ctx context.Context, key string, value []byte) error {
	if t.l1 == nil && t.l2 == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan error, 2)

	if t.l1 != nil {
		g.Go(func() error {
			err := t.l1.Set(gctx, key, value, t.cfg.L1TTL)
			t.recordWrite(LevelL1, err)
			results <- err
			return nil
		})
	}
	if t.l2 != nil {
		g.Go(func() error {
			err := t.l2.Set(gctx, key, value, t.cfg.L2TTL)
			if err != nil {
				t.logger.Warn("L2 set failed",
					zap.String("key", key),
					zap.Error(err),
				)
			}
			t.recordWrite(LevelL2, err)
			results <- err
			return nil
		})
	}

	_ = g.Wait()
	close(results)

	var firstErr error
	anyOK := false
	for err := range results {
		if err == nil {
			anyOK = true
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if anyOK {
		return nil
	}
	return firstErr
}

func (t *TieredCache) recordWrite(level Level, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CacheWrites.WithLabelValues(string(level), status).Inc()
}

// CacheIfRelevant writes the entry only when the best retrieval score
// clears the relevance threshold. Low-confidence results are cheaper to
// recompute than to serve stale, so they are never cached. Returns
// whether the entry was written.
func (t *TieredCache) CacheIfRelevant(ctx context.Context, key string, value []byte, maxScore float64) bool {
	if maxScore < t.cfg.SemanticThreshold {
		metrics.CacheWritesSkipped.Inc()
		t.logger.Debug("skipping cache write below relevance threshold",
			zap.String("key", key),
			zap.Float64("max_score", maxScore),
			zap.Float64("threshold", t.cfg.SemanticThreshold),
		)
		return false
	}
	if err := t.Set(ctx, key, value); err != nil {
		return false
	}
	return true
}

// Delete removes the key from both levels; best effort on each
func (t *TieredCache) Delete(ctx context.Context, key string) error {
	var firstErr error
	if t.l1 != nil {
		if err := t.l1.Delete(ctx, key); err != nil {
			firstErr = err
		}
	}
	if t.l2 != nil {
		if err := t.l2.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// L1 exposes the volatile level for components that need scans or locks
func (t *TieredCache) L1() *L1Cache {
	return t.l1
}
