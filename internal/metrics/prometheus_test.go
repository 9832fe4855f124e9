package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware("test-service"))
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	router.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `loginrisk_http_requests_total`)
	assert.Contains(t, body, `service="test-service"`)
}

func TestMiddleware_StatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware("status-test"))
	router.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	router.GET("/bad", func(c *gin.Context) { c.String(http.StatusBadRequest, "Bad") })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("status-test", "GET", "/ok", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("status-test", "GET", "/bad", "400")))
}

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("deny", "rate_limited"))

	RecordDecision("deny", "rate_limited", 2*time.Millisecond)
	RecordDecision("deny", "rate_limited", time.Millisecond)

	assert.Equal(t, before+2, testutil.ToFloat64(DecisionsTotal.WithLabelValues("deny", "rate_limited")))
}

func TestRecordModelTraining(t *testing.T) {
	RecordModelTraining("metrics-test", 500, 0.62, nil)
	assert.Equal(t, 0.62, testutil.ToFloat64(modelThreshold.WithLabelValues("metrics-test")))
	assert.Equal(t, 500.0, testutil.ToFloat64(modelTrainingRows.WithLabelValues("metrics-test")))

	RecordModelTraining("metrics-test", 10, 0.9, errors.New("empty dataset"))
	assert.Equal(t, 0.62, testutil.ToFloat64(modelThreshold.WithLabelValues("metrics-test")), "failed runs keep the published threshold")
	assert.Equal(t, 1.0, testutil.ToFloat64(modelTrainings.WithLabelValues("metrics-test", "failure")))
}

func TestRecordStoreAndAudit(t *testing.T) {
	RecordStoreOperation("metrics-test-op", nil)
	RecordStoreOperation("metrics-test-op", errors.New("down"))
	RecordAuditShipment("metrics-test-sink", errors.New("unreachable"))

	assert.Equal(t, 1.0, testutil.ToFloat64(storeOperations.WithLabelValues("metrics-test-op", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(storeOperations.WithLabelValues("metrics-test-op", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(auditShipped.WithLabelValues("metrics-test-sink", "failed")))
}

func TestRecordScores(t *testing.T) {
	RecordAnomalyScore("standard", 0.55)
	RecordBiometricSimilarity(0.82)
	assert.Equal(t, 1, testutil.CollectAndCount(biometricSimilarity))
}
