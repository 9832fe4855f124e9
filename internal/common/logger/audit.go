package logger

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent represents a security relevant action taken by the risk engine
type AuditEvent struct {
	EventType string                 `json:"event_type"`
	Identity  string                 `json:"identity"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"` // allow, deny, success, failure
	Reasons   []string               `json:"reasons,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// AuditLogger writes audit events to the structured log
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger.With(zap.String("log_type", "audit")),
	}
}

// Log logs an audit event
func (a *AuditLogger) Log(event *AuditEvent) {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.String("identity", event.Identity),
		zap.String("action", event.Action),
		zap.String("status", event.Status),
		zap.Time("timestamp", event.Timestamp),
	}

	if len(event.Reasons) > 0 {
		fields = append(fields, zap.Strings("reasons", event.Reasons))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip_address", event.IPAddress))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	switch event.Status {
	case "failure", "error":
		a.logger.Error("Audit event", fields...)
	case "deny":
		a.logger.Warn("Audit event", fields...)
	default:
		a.logger.Info("Audit event", fields...)
	}
}

// LogDecision records the outcome of a login evaluation
func (a *AuditLogger) LogDecision(identity, ipAddress, decision string, stepUp bool, reasons []string) {
	a.Log(&AuditEvent{
		EventType: "login.risk.decision",
		Identity:  identity,
		Action:    "evaluate",
		Status:    decision,
		Reasons:   reasons,
		IPAddress: ipAddress,
		Metadata:  map[string]interface{}{"requires_step_up": stepUp},
		Timestamp: time.Now().UTC(),
	})
}

// LogBaselineReset records an operator clearing an identity's biometric reference
func (a *AuditLogger) LogBaselineReset(identity string) {
	a.Log(&AuditEvent{
		EventType: "login.risk.baseline_reset",
		Identity:  identity,
		Action:    "reset_baseline",
		Status:    "success",
		Timestamp: time.Now().UTC(),
	})
}

// LogModelTrained records a newly published anomaly model
func (a *AuditLogger) LogModelTrained(schema string, rows int, threshold float64, err error) {
	event := &AuditEvent{
		EventType: "login.risk.model_trained",
		Action:    "train",
		Status:    "success",
		Metadata: map[string]interface{}{
			"schema":    schema,
			"rows":      rows,
			"threshold": threshold,
		},
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.Status = "failure"
		event.Metadata["error"] = err.Error()
	}
	a.Log(event)
}
