// Package health provides liveness and readiness probes for the risk service.
// Readiness covers the state store, the optional audit backends, circuit
// breakers and whether an anomaly model has been published.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/resilience"
)

// HealthStatus represents the overall health of the service
type HealthStatus struct {
	Status       string                     `json:"status"` // healthy, degraded, unhealthy
	Version      string                     `json:"version,omitempty"`
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// DependencyCheck represents the health check result for a single dependency
type DependencyCheck struct {
	Status    string    `json:"status"` // up, degraded, down
	Latency   string    `json:"latency"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker is the interface that dependency health checks must implement
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) DependencyCheck
}

// HealthService orchestrates health checks across all registered dependencies
type HealthService struct {
	checkers  []HealthChecker
	logger    *zap.Logger
	startTime time.Time
	version   string
	mu        sync.RWMutex
}

// NewHealthService creates a new HealthService
func NewHealthService(logger *zap.Logger) *HealthService {
	return &HealthService{
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
	}
}

// SetVersion sets the application version reported in health responses
func (h *HealthService) SetVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
}

// RegisterCheck adds a new health checker to the service
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker", zap.String("name", checker.Name()))
}

// Check runs all registered health checkers concurrently and aggregates the results
func (h *HealthService) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checkers := make([]HealthChecker, len(h.checkers))
	copy(checkers, h.checkers)
	version := h.version
	h.mu.RUnlock()

	type result struct {
		name  string
		check DependencyCheck
	}
	results := make(chan result, len(checkers))

	for _, checker := range checkers {
		go func(c HealthChecker) {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results <- result{name: c.Name(), check: c.Check(checkCtx)}
		}(checker)
	}

	dependencies := make(map[string]DependencyCheck, len(checkers))
	for i := 0; i < len(checkers); i++ {
		r := <-results
		dependencies[r.name] = r.check
	}

	overallStatus := "healthy"
	for name, dep := range dependencies {
		switch dep.Status {
		case "down":
			overallStatus = "unhealthy"
			h.logger.Warn("Dependency is down", zap.String("dependency", name), zap.String("details", dep.Details))
		case "degraded":
			if overallStatus != "unhealthy" {
				overallStatus = "degraded"
			}
			h.logger.Warn("Dependency is degraded", zap.String("dependency", name))
		}
	}

	return &HealthStatus{
		Status:       overallStatus,
		Version:      version,
		Uptime:       formatDuration(time.Since(h.startTime)),
		Dependencies: dependencies,
		CheckedAt:    time.Now(),
	}
}

// Handler serves the full health report: 200 for healthy or degraded, 503 for unhealthy
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		httpStatus := http.StatusOK
		if status.Status == "unhealthy" {
			httpStatus = http.StatusServiceUnavailable
		}

		c.JSON(httpStatus, status)
	}
}

// ReadyHandler returns 200 only when no dependency is down
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		for _, dep := range status.Dependencies {
			if dep.Status == "down" {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "not ready",
					"reason":  "one or more dependencies are down",
					"details": status.Dependencies,
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler always returns 200 as long as the process is alive
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterStandardRoutes registers /health, /health/live and /health/ready
func (h *HealthService) RegisterStandardRoutes(router gin.IRoutes) {
	router.GET("/health/live", h.LiveHandler())
	router.GET("/health/ready", h.ReadyHandler())
	router.GET("/health", h.Handler())
}

// ---------- Built-in checkers ----------

// PingChecker reports a dependency as down when its ping fails and degraded
// when the ping is slower than DegradedAfter
type PingChecker struct {
	name          string
	ping          func(ctx context.Context) error
	degradedAfter time.Duration
}

// NewPingChecker creates a PingChecker
func NewPingChecker(name string, degradedAfter time.Duration, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping, degradedAfter: degradedAfter}
}

// Name returns the checker name
func (p *PingChecker) Name() string {
	return p.name
}

// Check pings the dependency and measures latency
func (p *PingChecker) Check(ctx context.Context) DependencyCheck {
	start := time.Now()
	err := p.ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return DependencyCheck{
			Status:    "down",
			Latency:   latency.String(),
			Details:   fmt.Sprintf("ping failed: %v", err),
			CheckedAt: time.Now(),
		}
	}

	status := "up"
	details := ""
	if p.degradedAfter > 0 && latency > p.degradedAfter {
		status = "degraded"
		details = fmt.Sprintf("high latency: %s", latency.String())
	}

	return DependencyCheck{
		Status:    status,
		Latency:   latency.String(),
		Details:   details,
		CheckedAt: time.Now(),
	}
}

// ReadinessSource is anything that can say whether it is ready to serve
type ReadinessSource interface {
	Ready() bool
}

// ModelChecker reports down until an anomaly model has been published
type ModelChecker struct {
	source ReadinessSource
}

// NewModelChecker creates a ModelChecker
func NewModelChecker(source ReadinessSource) *ModelChecker {
	return &ModelChecker{source: source}
}

// Name returns the checker name
func (m *ModelChecker) Name() string {
	return "anomaly_model"
}

// Check reports whether a model is loaded
func (m *ModelChecker) Check(ctx context.Context) DependencyCheck {
	if !m.source.Ready() {
		return DependencyCheck{Status: "down", Details: "no model published", CheckedAt: time.Now()}
	}
	return DependencyCheck{Status: "up", CheckedAt: time.Now()}
}

// BreakerChecker reports degraded while any registered circuit breaker is open.
// The service still answers, with deny decisions, so this never reports down.
type BreakerChecker struct {
	registry *resilience.Registry
}

// NewBreakerChecker creates a BreakerChecker
func NewBreakerChecker(registry *resilience.Registry) *BreakerChecker {
	return &BreakerChecker{registry: registry}
}

// Name returns the checker name
func (b *BreakerChecker) Name() string {
	return "circuit_breakers"
}

// Check inspects every registered breaker
func (b *BreakerChecker) Check(ctx context.Context) DependencyCheck {
	open := b.registry.OpenBreakers()
	if len(open) > 0 {
		return DependencyCheck{
			Status:    "degraded",
			Details:   "open: " + strings.Join(open, ","),
			CheckedAt: time.Now(),
		}
	}
	return DependencyCheck{Status: "up", CheckedAt: time.Now()}
}

// formatDuration produces a human-readable duration string
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
