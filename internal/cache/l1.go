package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/circuitbreaker"
)

// ErrUnavailable marks a downstream cache failure. Callers treat it as a
// miss; it exists so health reporting can distinguish outage from absence.
var ErrUnavailable = errors.New("cache unavailable")

// L1Cache is the volatile Redis-backed level. Sub-millisecond lookups,
// TTL expiry handled server-side. All operations ride the circuit breaker.
type L1Cache struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

// L1Info reports L1 connectivity and memory usage
type L1Info struct {
	Connected   bool   `json:"connected"`
	MemoryBytes int64  `json:"memory_bytes"`
	Version     string `json:"version,omitempty"`
}

// NewL1Cache connects to Redis and wraps the client with a circuit breaker
func NewL1Cache(addr string, logger *zap.Logger) (*L1Cache, error) {
	password := os.Getenv("REDIS_PASSWORD")

	rc := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(rc, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &L1Cache{client: client, logger: logger}, nil
}

// NewL1CacheFromWrapper wraps an existing circuit-breaker client; used in tests
func NewL1CacheFromWrapper(client *circuitbreaker.RedisWrapper, logger *zap.Logger) *L1Cache {
	return &L1Cache{client: client, logger: logger}
}

// Get returns the value for key, or found=false on miss or outage.
// Outages are logged and never propagated.
func (c *L1Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("L1 get failed, treating as miss",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	return data, true
}

// Set stores value with absolute expiry now+ttl, overwriting any prior value
func (c *L1Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("L1 set failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the key unconditionally
func (c *L1Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetNX stores value only if the key is absent; used for compaction locks
func (c *L1Cache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// Scan returns up to limit keys matching a prefix-style glob.
// Only the semantic similarity scan uses this.
func (c *L1Cache) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		keys = append(keys, batch...)
		if len(keys) >= limit || next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Info reports connectivity and memory usage for observability
func (c *L1Cache) Info(ctx context.Context) L1Info {
	raw, err := c.client.Info(ctx, "memory", "server").Result()
	if err != nil {
		return L1Info{Connected: false}
	}
	info := L1Info{Connected: true}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.MemoryBytes = n
			}
		}
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok {
			info.Version = v
		}
	}
	return info
}

// Close releases the underlying connection
func (c *L1Cache) Close() error {
	return c.client.Close()
}

// Wrapper returns the circuit-breaker client for health checks
func (c *L1Cache) Wrapper() *circuitbreaker.RedisWrapper {
	return c.client
}
