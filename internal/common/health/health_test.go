package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/resilience"
)

type flag struct{ v atomic.Bool }

func (f *flag) Ready() bool { return f.v.Load() }

func newRouter(h *HealthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterStandardRoutes(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadinessFollowsModel(t *testing.T) {
	model := &flag{}
	h := NewHealthService(zap.NewNop())
	h.RegisterCheck(NewPingChecker("redis", 0, func(ctx context.Context) error { return nil }))
	h.RegisterCheck(NewModelChecker(model))
	r := newRouter(h)

	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/health/ready").Code)

	model.v.Store(true)
	assert.Equal(t, http.StatusOK, get(r, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
}

func TestPingCheckerDown(t *testing.T) {
	h := NewHealthService(zap.NewNop())
	h.SetVersion("1.2.3")
	h.RegisterCheck(NewPingChecker("redis", 0, func(ctx context.Context) error { return errors.New("refused") }))

	w := get(newRouter(h), "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "down", status.Dependencies["redis"].Status)
	assert.Contains(t, status.Dependencies["redis"].Details, "refused")
}

func TestPingCheckerDegraded(t *testing.T) {
	c := NewPingChecker("es", time.Nanosecond, func(ctx context.Context) error {
		time.Sleep(time.Millisecond)
		return nil
	})
	assert.Equal(t, "degraded", c.Check(context.Background()).Status)
}

func TestBreakerChecker(t *testing.T) {
	reg := resilience.NewRegistry()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "health-test-store", Threshold: 1, ResetTimeout: time.Hour})
	reg.Register(cb)
	checker := NewBreakerChecker(reg)

	assert.Equal(t, "up", checker.Check(context.Background()).Status)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("down") })
	check := checker.Check(context.Background())
	assert.Equal(t, "degraded", check.Status)
	assert.Contains(t, check.Details, "health-test-store")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m 3s", formatDuration(2*time.Minute+3*time.Second))
	assert.Equal(t, "1d 1h 0m 0s", formatDuration(25*time.Hour))
}
