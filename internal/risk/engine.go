package risk

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/anomaly"
	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/common/tracing"
	"github.com/openidx/loginrisk/internal/metrics"
)

const eventSource = "risk-engine"

// fraudAttemptWeight is the risk score added per recorded fraud attempt
const fraudAttemptWeight = 15

// Model scores feature vectors. Implemented by anomaly.Registry.
type Model interface {
	Infer(ctx context.Context, v anomaly.Vector) (anomaly.Result, error)
}

// EngineConfig configures the decision engine
type EngineConfig struct {
	AttemptLimit  int
	AttemptWindow time.Duration
	// AllowList identities skip the anomaly and biometric checks but stay
	// rate limited
	AllowList []string
	Matcher   MatcherConfig
	Policy    BaselinePolicy
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AttemptLimit:  5,
		AttemptWindow: time.Minute,
		Matcher:       DefaultMatcherConfig(),
		Policy:        TrustOnFirstUse{},
	}
}

// Engine fuses the attempt counter, anomaly model and biometric matcher into
// a decision. Every failure before a decision commits yields Deny.
type Engine struct {
	store     StateStore
	counter   *AttemptCounter
	extractor *FeatureExtractor
	matcher   *BiometricMatcher
	policy    BaselinePolicy
	model     Model
	limit     int
	allowList map[string]struct{}

	bus    events.Bus
	audit  *logger.AuditLogger
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a decision engine. bus may be nil.
func NewEngine(config EngineConfig, store StateStore, model Model, bus events.Bus, log *zap.Logger) *Engine {
	if config.Policy == nil {
		config.Policy = TrustOnFirstUse{}
	}
	allow := make(map[string]struct{}, len(config.AllowList))
	for _, id := range config.AllowList {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = struct{}{}
		}
	}

	return &Engine{
		store:     store,
		counter:   NewAttemptCounter(store, config.AttemptWindow),
		extractor: NewFeatureExtractor(),
		matcher:   NewBiometricMatcher(config.Matcher),
		policy:    config.Policy,
		model:     model,
		limit:     config.AttemptLimit,
		allowList: allow,
		bus:       bus,
		audit:     logger.NewAuditLogger(log),
		logger:    log.With(zap.String("component", "risk_engine")),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for attempt windows
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate decides whether a login may proceed. The returned decision is
// always usable; a non-nil error explains why it was forced to Deny.
func (e *Engine) Evaluate(ctx context.Context, event LoginEvent) (decision RiskDecision, err error) {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "risk.Evaluate",
		trace.WithAttributes(attribute.String("risk.identity", event.Identity)))

	defer func() {
		span.SetAttributes(
			attribute.String("risk.decision", string(decision.Decision)),
			attribute.Bool("risk.step_up", decision.RequiresStepUp),
			attribute.StringSlice("risk.reasons", decision.Reasons),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(decision.Decision))
		}
		span.End()

		metrics.RecordDecision(string(decision.Decision), primaryReason(decision), time.Since(start))
		e.audit.LogDecision(event.Identity, event.SourceAddress, string(decision.Decision), decision.RequiresStepUp, decision.Reasons)
		e.publishDecision(ctx, event, decision)
	}()

	if err := event.Validate(); err != nil {
		return deny(false, ReasonInvalidRequest), err
	}

	now := e.now()
	count, err := e.counter.Increment(ctx, event.Identity, now)
	if err != nil {
		return e.failClosed(event, "count attempt", err)
	}
	if CheckLimit(count, e.limit) {
		e.logger.Info("Attempt limit exceeded",
			zap.String("identity", event.Identity),
			zap.Int64("attempts", count),
			zap.Int("limit", e.limit))
		return deny(false, ReasonRateLimited), nil
	}

	prior, err := e.store.GetProfile(ctx, event.Identity)
	if err != nil {
		return e.failClosed(event, "load profile", err)
	}

	var baseline *BiometricBaseline
	if event.Biometrics != nil {
		if baseline, err = e.store.GetBaseline(ctx, event.Identity); err != nil {
			return e.failClosed(event, "load baseline", err)
		}
	}

	reasons := []string{}
	_, allowListed := e.allowList[event.Identity]
	if allowListed {
		reasons = append(reasons, ReasonAllowListed)
	} else {
		vector := e.extractor.Build(event, prior, count)
		result, err := e.model.Infer(ctx, vector)
		if err != nil {
			return e.failClosed(event, "infer anomaly", err)
		}
		span.SetAttributes(
			attribute.Float64("risk.anomaly_score", result.Score),
			attribute.String("risk.model_version", result.Version))

		if result.Anomalous {
			if _, err := e.store.IncrementFraudAttempts(ctx, event.Identity); err != nil {
				e.logger.Error("Failed to record fraud attempt",
					zap.String("identity", event.Identity), zap.Error(err))
			}
			e.logger.Info("Anomalous login",
				zap.String("identity", event.Identity),
				zap.String("schema", string(result.Schema)),
				zap.Float64("score", result.Score),
				zap.Float64("threshold", result.Threshold))
			return deny(true, ReasonAnomalyDetected), nil
		}
	}

	if sample := event.Biometrics; sample != nil {
		enforced := e.policy.Enforce(baseline)
		if enforced && !allowListed {
			score := e.matcher.Score(*sample, baseline.BiometricSample)
			metrics.RecordBiometricSimilarity(score)
			span.SetAttributes(attribute.Float64("risk.biometric_similarity", score))
			if !e.matcher.Accept(score) {
				e.logger.Info("Biometric mismatch",
					zap.String("identity", event.Identity),
					zap.Float64("similarity", score),
					zap.Float64("threshold", e.matcher.Threshold()))
				return deny(true, ReasonBiometricMismatch), nil
			}
		}
		if !enforced {
			reasons = append(reasons, ReasonBaselineEnrolled)
		}
	}

	profile := &UserProfile{
		Identity:         event.Identity,
		LastKnownAddress: event.SourceAddress,
		LastLoginAt:      event.Timestamp,
		LastUserAgent:    event.UserAgent,
		LastLocation:     event.ClaimedLocation,
	}
	if err := e.store.CommitLogin(ctx, profile, event.Biometrics); err != nil {
		return e.failClosed(event, "commit login", err)
	}

	return RiskDecision{Decision: DecisionAllow, Reasons: reasons}, nil
}

// failClosed logs the root cause and maps it to a generic reason code
func (e *Engine) failClosed(event LoginEvent, operation string, err error) (RiskDecision, error) {
	reason := ReasonInternalError
	if apperrors.IsErrorCode(err, apperrors.ErrStoreUnavailable) || apperrors.IsErrorCode(err, apperrors.ErrModelUnavailable) {
		reason = ReasonServiceUnavailable
	}
	e.logger.Error("Evaluation failed, denying login",
		zap.String("identity", event.Identity),
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	return deny(false, reason), err
}

func (e *Engine) publishDecision(ctx context.Context, event LoginEvent, decision RiskDecision) {
	if e.bus == nil {
		return
	}
	ev := events.NewEvent(events.EventRiskDecision, eventSource, map[string]interface{}{
		"identity":         event.Identity,
		"decision":         string(decision.Decision),
		"requires_step_up": decision.RequiresStepUp,
		"reasons":          decision.Reasons,
		"source_address":   event.SourceAddress,
		"user_agent":       event.UserAgent,
		"claimed_location": event.ClaimedLocation,
		"has_biometrics":   event.Biometrics != nil,
		"login_timestamp":  event.Timestamp.UTC(),
	}).WithSubject(event.Identity).WithTraceID(tracing.TraceID(ctx))
	e.bus.PublishAsync(ctx, ev)
}

func primaryReason(d RiskDecision) string {
	if len(d.Reasons) == 0 {
		return "none"
	}
	return d.Reasons[0]
}

// RiskScore returns min(fraudAttempts*15, 100) for identity
func (e *Engine) RiskScore(ctx context.Context, identity string) (int, error) {
	profile, err := e.store.GetProfile(ctx, identity)
	if err != nil {
		return 0, err
	}
	return riskScore(profile), nil
}

func riskScore(p *UserProfile) int {
	if p == nil || p.FraudAttempts <= 0 {
		return 0
	}
	return int(min(p.FraudAttempts*fraudAttemptWeight, 100))
}

// IdentityRisk is the stored risk state of one identity
type IdentityRisk struct {
	Identity  string             `json:"identity"`
	RiskScore int                `json:"riskScore"`
	Profile   *UserProfile       `json:"profile,omitempty"`
	Baseline  *BiometricBaseline `json:"baseline,omitempty"`
}

// Lookup returns the profile, baseline and risk score of identity
func (e *Engine) Lookup(ctx context.Context, identity string) (*IdentityRisk, error) {
	if strings.TrimSpace(identity) == "" {
		return nil, apperrors.ValidationError("identity is required")
	}
	profile, err := e.store.GetProfile(ctx, identity)
	if err != nil {
		return nil, err
	}
	baseline, err := e.store.GetBaseline(ctx, identity)
	if err != nil {
		return nil, err
	}
	if profile == nil && baseline == nil {
		return nil, apperrors.NotFound("identity")
	}
	return &IdentityRisk{
		Identity:  identity,
		RiskScore: riskScore(profile),
		Profile:   profile,
		Baseline:  baseline,
	}, nil
}

// ResetBaseline revokes identity's biometric baseline. The next sample is
// adopted under the configured baseline policy.
func (e *Engine) ResetBaseline(ctx context.Context, identity string) error {
	if strings.TrimSpace(identity) == "" {
		return apperrors.ValidationError("identity is required")
	}
	if err := e.store.DeleteBaseline(ctx, identity); err != nil {
		e.logger.Error("Failed to reset baseline", zap.String("identity", identity), zap.Error(err))
		return err
	}

	e.audit.LogBaselineReset(identity)
	if e.bus != nil {
		e.bus.PublishAsync(ctx, events.NewEvent(events.EventBaselineReset, eventSource, map[string]interface{}{
			"identity": identity,
			"policy":   e.policy.Name(),
		}).WithSubject(identity).WithTraceID(tracing.TraceID(ctx)))
	}
	return nil
}
