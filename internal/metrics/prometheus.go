// Package metrics provides Prometheus metrics collection for the login risk services
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginrisk",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loginrisk",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loginrisk",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Decision pipeline metrics
var (
	// DecisionsTotal counts final decisions by outcome and primary reason
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginrisk",
			Name:      "decisions_total",
			Help:      "Total number of login risk decisions",
		},
		[]string{"decision", "reason"},
	)

	evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loginrisk",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating a single login event",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"decision"},
	)

	anomalyScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "loginrisk",
			Name:      "anomaly_score",
			Help:      "Isolation forest anomaly score of evaluated events",
			Buckets:   prometheus.LinearBuckets(0.3, 0.05, 10),
		},
		[]string{"schema"},
	)

	biometricSimilarity = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "loginrisk",
			Name:      "biometric_similarity",
			Help:      "Weighted biometric similarity against the stored baseline",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	storeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginrisk",
			Name:      "store_operations_total",
			Help:      "State store operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// Model lifecycle metrics
var (
	modelTrainings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginrisk",
			Name:      "model_trainings_total",
			Help:      "Anomaly model training runs by schema and outcome",
		},
		[]string{"schema", "outcome"},
	)

	modelThreshold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loginrisk",
			Name:      "model_threshold",
			Help:      "Decision threshold of the currently published model",
		},
		[]string{"schema"},
	)

	modelTrainingRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "loginrisk",
			Name:      "model_training_rows",
			Help:      "Rows used to train the currently published model",
		},
		[]string{"schema"},
	)
)

// Audit shipping metrics
var (
	auditShipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "loginrisk",
			Name:      "audit_records_total",
			Help:      "Decision records shipped to audit sinks by outcome",
		},
		[]string{"sink", "outcome"},
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(serviceName, c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, c.Request.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDecision records a final decision and how long it took
func RecordDecision(decision, reason string, duration time.Duration) {
	DecisionsTotal.WithLabelValues(decision, reason).Inc()
	evaluationDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// RecordAnomalyScore records the anomaly score of a scored vector
func RecordAnomalyScore(schema string, score float64) {
	anomalyScore.WithLabelValues(schema).Observe(score)
}

// RecordBiometricSimilarity records a weighted similarity score
func RecordBiometricSimilarity(score float64) {
	biometricSimilarity.Observe(score)
}

// RecordStoreOperation records the outcome of a state store call
func RecordStoreOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	storeOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordModelTraining records a training run; threshold and rows are only
// published on success
func RecordModelTraining(schema string, rows int, threshold float64, err error) {
	if err != nil {
		modelTrainings.WithLabelValues(schema, "failure").Inc()
		return
	}
	modelTrainings.WithLabelValues(schema, "success").Inc()
	modelThreshold.WithLabelValues(schema).Set(threshold)
	modelTrainingRows.WithLabelValues(schema).Set(float64(rows))
}

// RecordAuditShipment records a decision record delivered to, or dropped by, a sink
func RecordAuditShipment(sink string, err error) {
	outcome := "shipped"
	if err != nil {
		outcome = "failed"
	}
	auditShipped.WithLabelValues(sink, outcome).Inc()
}
