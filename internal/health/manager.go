package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckStatus is the outcome of a single component check
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's health at a point in time
type CheckResult struct {
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	Critical  bool                   `json:"critical"`
}

// Checker probes one dependency
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure takes the service out of rotation
	IsCritical() bool
	Timeout() time.Duration
}

// OverallHealth rolls component results up to a single service status
type OverallHealth struct {
	Status    CheckStatus   `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Ready     bool          `json:"ready"`
	Live      bool          `json:"live"`
}

// DetailedHealth is the full per-component breakdown
type DetailedHealth struct {
	Overall    OverallHealth          `json:"overall"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager runs registered checkers on demand and on a background ticker.
// Probe endpoints read live results; the ticker keeps breaker and latency
// signals warm between probes.
type Manager struct {
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	started     bool
	stopCh      chan struct{}
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager returns a health manager checking every interval
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// Register adds a checker under its name
func (m *Manager) Register(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = c

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", c.IsCritical()),
	)
	return nil
}

// Detailed runs every checker and returns the per-component breakdown
func (m *Manager) Detailed(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.run(ctx, c)
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    rollUp(components),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Overall runs every checker and returns the rolled-up status
func (m *Manager) Overall(ctx context.Context) OverallHealth {
	start := time.Now()
	overall := m.Detailed(ctx).Overall
	overall.Duration = time.Since(start)
	return overall
}

// IsReady reports whether the service should receive traffic
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Overall(ctx).Ready
}

// IsLive reports whether the process should be restarted
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Overall(ctx).Live
}

// LastResults returns the most recent results without running checks
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		out[name] = result
	}
	return out
}

// Start begins background checking; idempotent
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop()

	m.logger.Info("Health manager started",
		zap.Duration("interval", m.interval),
		zap.Int("checkers", len(m.checkers)),
	)
}

// Stop halts background checking
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.Detailed(ctx)
			cancel()
		}
	}
}

func (m *Manager) run(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

// rollUp derives service status from component results. A critical
// failure takes the service out of rotation but keeps it alive; anything
// less severe only degrades it.
func rollUp(components map[string]CheckResult) OverallHealth {
	if len(components) == 0 {
		return OverallHealth{
			Status:    StatusUnknown,
			Message:   "No health checks registered",
			Timestamp: time.Now(),
		}
	}

	criticalFailures := 0
	softFailures := 0
	for _, result := range components {
		switch result.Status {
		case StatusUnhealthy:
			if result.Critical {
				criticalFailures++
			} else {
				softFailures++
			}
		case StatusDegraded:
			softFailures++
		}
	}

	overall := OverallHealth{Timestamp: time.Now(), Live: true}
	switch {
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
	case softFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", softFailures)
		overall.Ready = true
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", len(components))
		overall.Ready = true
	}
	return overall
}
