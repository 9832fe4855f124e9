// Package audit ships login risk events from the in-process bus to durable
// sinks. Sinks are best effort: a failed shipment is logged and counted but
// never affects a decision.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/common/events"
)

// Record is the document written to every sink
type Record struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"event_type"`
	Timestamp      time.Time              `json:"@timestamp"`
	Identity       string                 `json:"identity,omitempty"`
	Decision       string                 `json:"decision,omitempty"`
	RequiresStepUp bool                   `json:"requires_step_up"`
	Reasons        []string               `json:"reasons,omitempty"`
	SourceAddress  string                 `json:"source_address,omitempty"`
	TraceID        string                 `json:"trace_id,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// NewRecord flattens a bus event into a sink document
func NewRecord(e events.Event) Record {
	r := Record{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Identity:  e.Subject,
		TraceID:   e.TraceID,
		Details:   make(map[string]interface{}),
	}
	for k, v := range e.Payload {
		switch k {
		case "decision":
			r.Decision, _ = v.(string)
		case "requires_step_up":
			r.RequiresStepUp, _ = v.(bool)
		case "reasons":
			r.Reasons = toStrings(v)
		case "source_address":
			r.SourceAddress, _ = v.(string)
		case "identity":
			if r.Identity == "" {
				r.Identity, _ = v.(string)
			}
		default:
			r.Details[k] = v
		}
	}
	if len(r.Details) == 0 {
		r.Details = nil
	}
	return r
}

func toStrings(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// JSON encodes the record
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Sink consumes events from the bus
type Sink interface {
	Name() string
	Handle(ctx context.Context, event events.Event) error
}

// Attach subscribes every sink to all bus events. Sink errors are logged;
// they never propagate to the publisher.
func Attach(bus events.Bus, logger *zap.Logger, sinks ...Sink) []*events.Subscription {
	logger = logger.With(zap.String("component", "audit"))
	subs := make([]*events.Subscription, 0, len(sinks))
	for _, sink := range sinks {
		subs = append(subs, bus.SubscribeAll(func(ctx context.Context, e events.Event) error {
			if err := sink.Handle(ctx, e); err != nil {
				logger.Warn("Failed to ship audit event",
					zap.String("sink", sink.Name()),
					zap.String("event_id", e.ID),
					zap.String("event_type", e.Type),
					zap.Error(err))
			}
			return nil
		}))
		logger.Info("Audit sink attached", zap.String("sink", sink.Name()))
	}
	return subs
}
