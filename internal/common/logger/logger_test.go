package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.WarnLevel, parseLevel("warn", ""))
	assert.Equal(t, zap.InfoLevel, parseLevel("", "production"))
	assert.Equal(t, zap.DebugLevel, parseLevel("", "development"))
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestID(), GinMiddleware(zap.New(core)))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	})

	t.Run("keeps caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	})

	entries := logs.FilterMessage("Request completed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "abc-123", entries[1].ContextMap()["request_id"])
}

func TestAuditLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	audit := NewAuditLogger(zap.New(core))

	audit.LogDecision("alice", "10.0.0.1", "deny", true, []string{"anomaly_detected"})
	audit.LogDecision("bob", "10.0.0.2", "allow", false, nil)
	audit.LogModelTrained("standard", 100, 0.61, errors.New("dataset empty"))

	all := logs.All()
	require.Len(t, all, 3)
	assert.Equal(t, zapcore.WarnLevel, all[0].Level)
	assert.Equal(t, zapcore.InfoLevel, all[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, all[2].Level)
	assert.Equal(t, "audit", all[0].ContextMap()["log_type"])
}

func TestTimerStopWithError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	perf := NewPerformanceLogger(zap.New(core))

	timer := perf.StartTimer("train")
	timer.StopWithError(errors.New("boom"))
	perf.LogBatchOperation("train", 10, time.Second, 9, 1)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "Operation failed", logs.All()[0].Message)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestID(), Recovery(zap.New(core)))
	router.GET("/panic", func(c *gin.Context) {
		c.Set("identity", "alice")
		panic("scorer exploded")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	w := httptest.NewRecorder()
	assert.NotPanics(t, func() { router.ServeHTTP(w, req) })

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"req-7"`)
	assert.NotContains(t, w.Body.String(), "scorer exploded")

	entries := logs.FilterMessage("Panic recovered").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "scorer exploded", entries[0].ContextMap()["panic"])
	assert.Equal(t, "alice", entries[0].ContextMap()["identity"])
}
