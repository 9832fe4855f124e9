package logger

import (
	"time"

	"go.uber.org/zap"
)

// PerformanceLogger provides performance tracking and logging
type PerformanceLogger struct {
	logger *zap.Logger
}

// NewPerformanceLogger creates a new performance logger
func NewPerformanceLogger(logger *zap.Logger) *PerformanceLogger {
	return &PerformanceLogger{
		logger: logger.With(zap.String("log_type", "performance")),
	}
}

// Timer represents a performance timer
type Timer struct {
	logger    *zap.Logger
	operation string
	startTime time.Time
	fields    []zap.Field
}

// StartTimer starts a new performance timer
func (p *PerformanceLogger) StartTimer(operation string, fields ...zap.Field) *Timer {
	return &Timer{
		logger:    p.logger,
		operation: operation,
		startTime: time.Now(),
		fields:    fields,
	}
}

// Stop stops the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	return t.StopWithError(nil)
}

// StopWithError stops the timer and logs the duration along with err, if any
func (t *Timer) StopWithError(err error) time.Duration {
	duration := time.Since(t.startTime)

	fields := append(t.fields,
		zap.String("operation", t.operation),
		zap.Duration("duration", duration),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)

	switch {
	case err != nil:
		t.logger.Error("Operation failed", append(fields, zap.Error(err))...)
	case duration > 5*time.Second:
		t.logger.Warn("Slow operation", fields...)
	case duration > 1*time.Second:
		t.logger.Info("Operation completed", fields...)
	default:
		t.logger.Debug("Operation completed", fields...)
	}

	return duration
}

// LogBatchOperation logs a bulk operation such as a training run
func (p *PerformanceLogger) LogBatchOperation(operation string, batchSize int, duration time.Duration, successCount, failureCount int) {
	var perItem time.Duration
	if batchSize > 0 {
		perItem = duration / time.Duration(batchSize)
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Int("batch_size", batchSize),
		zap.Duration("duration", duration),
		zap.Duration("per_item", perItem),
		zap.Int("success", successCount),
		zap.Int("failure", failureCount),
	}

	if failureCount > 0 {
		p.logger.Warn("Batch operation completed with failures", fields...)
		return
	}
	p.logger.Info("Batch operation completed", fields...)
}
