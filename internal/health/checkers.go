package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/circuitbreaker"
)

const degradedLatency = 100 * time.Millisecond

// RedisChecker probes the L1 cache connection
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	timeout time.Duration
}

// NewRedisChecker returns the L1 cache health checker
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper, timeout: 5 * time.Second}
}

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return false } // L1 outages degrade to L2
func (r *RedisChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis"}

	if r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		return result
	}

	if err := r.wrapper.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}

	latency := time.Since(start)
	if latency > degradedLatency {
		result.Status = StatusDegraded
		result.Message = "Redis responding with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{"latency_ms": latency.Milliseconds()}
	return result
}

// PostgresChecker probes the durable store connection and its pool
type PostgresChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	timeout time.Duration
}

// NewPostgresChecker returns the durable store health checker
func NewPostgresChecker(wrapper *circuitbreaker.DatabaseWrapper) *PostgresChecker {
	return &PostgresChecker{wrapper: wrapper, timeout: 5 * time.Second}
}

func (p *PostgresChecker) Name() string           { return "postgres" }
func (p *PostgresChecker) IsCritical() bool       { return true }
func (p *PostgresChecker) Timeout() time.Duration { return p.timeout }

func (p *PostgresChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "postgres"}

	if p.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		return result
	}

	if err := p.wrapper.PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		return result
	}

	stats := p.wrapper.Stats()
	latency := time.Since(start)
	switch {
	case stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case latency > degradedLatency:
		result.Status = StatusDegraded
		result.Message = "Database responding with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}
	result.Details = map[string]interface{}{
		"latency_ms":       latency.Milliseconds(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
	}
	return result
}

// HTTPServiceChecker probes a dependency's health endpoint over HTTP.
// Used for the embedding and LLM services.
type HTTPServiceChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPServiceChecker returns a checker that GETs url and expects 2xx
func NewHTTPServiceChecker(name, url string, critical bool, logger *zap.Logger) *HTTPServiceChecker {
	return &HTTPServiceChecker{
		name:     name,
		url:      url,
		critical: critical,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

func (h *HTTPServiceChecker) Name() string           { return h.name }
func (h *HTTPServiceChecker) IsCritical() bool       { return h.critical }
func (h *HTTPServiceChecker) Timeout() time.Duration { return 5 * time.Second }

func (h *HTTPServiceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: h.name}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}

	resp, err := h.client.Do(req)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s unreachable", h.name)
		return result
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	result.Details = map[string]interface{}{
		"latency_ms":  latency.Milliseconds(),
		"status_code": resp.StatusCode,
	}

	switch {
	case resp.StatusCode >= 500:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s returned %d", h.name, resp.StatusCode)
	case resp.StatusCode >= 400 || latency > degradedLatency:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s responding with status %d", h.name, resp.StatusCode)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s healthy", h.name)
	}
	return result
}
