package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with circuit breaker protection.
// Every L1 cache, lock, and progress operation goes through here.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	config := GetRedisConfig().ToConfig()
	cb := NewCircuitBreaker("redis", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("l1-cache", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

func (rw *RedisWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("l1-cache", success)
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		// Redis Nil is not considered an error for circuit breaker
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil || result.Err() == redis.Nil))

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// SetNX wraps Redis SetNX with circuit breaker; used for compaction locks
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.SetNX(ctx, key, value, expiration)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Scan wraps Redis Scan with circuit breaker; used by the semantic similarity scan
func (rw *RedisWrapper) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	var result *redis.ScanCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Scan(ctx, cursor, match, count)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewScanCmd(ctx, nil)
		result.SetErr(err)
	}

	return result
}

// TTL wraps Redis TTL with circuit breaker
func (rw *RedisWrapper) TTL(ctx context.Context, key string) *redis.DurationCmd {
	var result *redis.DurationCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.TTL(ctx, key)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewDurationCmd(ctx, time.Second)
		result.SetErr(err)
	}

	return result
}

// Info wraps Redis Info with circuit breaker; used for cache health reporting
func (rw *RedisWrapper) Info(ctx context.Context, section ...string) *redis.StringCmd {
	var result *redis.StringCmd

	err := rw.cb.Execute(ctx, func() error {
		result = rw.client.Info(ctx, section...)
		return result.Err()
	})

	rw.record(err == nil && (result == nil || result.Err() == nil))

	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}

	return result
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
