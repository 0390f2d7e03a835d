package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// One breaker per protected backend: l1-cache (Redis), store
// (Postgres), rerank (cross-encoder HTTP). The service label is the
// only dimension.
var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragcore_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	circuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_circuit_breaker_requests_total",
			Help: "Requests through the breaker by outcome",
		},
		[]string{"service", "result"},
	)

	circuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_circuit_breaker_transitions_total",
			Help: "Breaker state transitions by destination state",
		},
		[]string{"service", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragcore_circuit_breaker_open_since_seconds",
			Help: "When the breaker entered open state (0 if not open)",
		},
		[]string{"service"},
	)
)

// MetricsCollector exports per-service breaker metrics
type MetricsCollector struct {
	breakers map[string]*CircuitBreaker
	mutex    sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// RegisterCircuitBreaker registers the breaker guarding service and
// hooks its state change callback
func (mc *MetricsCollector) RegisterCircuitBreaker(service string, cb *CircuitBreaker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	mc.breakers[service] = cb

	originalCallback := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from State, to State) {
		if originalCallback != nil {
			originalCallback(cbName, from, to)
		}

		circuitBreakerTransitions.WithLabelValues(service, to.String()).Inc()
		circuitBreakerState.WithLabelValues(service).Set(float64(to))

		if to == StateOpen {
			circuitBreakerOpenSince.WithLabelValues(service).SetToCurrentTime()
		} else if from == StateOpen {
			circuitBreakerOpenSince.WithLabelValues(service).Set(0)
		}
	}
}

// RecordRequest records one request through the service's breaker
func (mc *MetricsCollector) RecordRequest(service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	circuitBreakerRequests.WithLabelValues(service, result).Inc()
}

// UpdateMetrics refreshes the state gauge for every registered breaker
func (mc *MetricsCollector) UpdateMetrics() {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	for service, cb := range mc.breakers {
		circuitBreakerState.WithLabelValues(service).Set(float64(cb.State()))
	}
}

// Global metrics collector instance
var GlobalMetricsCollector = NewMetricsCollector()

// StartMetricsCollection starts background metrics collection
func StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			GlobalMetricsCollector.UpdateMetrics()
		}
	}()
}
