// Package risk scores login attempts for fraud risk. It fuses a per-identity
// attempt counter, contextual features, an isolation forest anomaly model and
// biometric baselines into an allow or deny decision.
package risk

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

// Decision is the terminal outcome of an evaluation
type Decision string

const (
	DecisionAllow Decision = "Allow"
	DecisionDeny  Decision = "Deny"
)

// Reason codes attached to a RiskDecision. Internal failures map to generic
// codes; root causes are only logged.
const (
	ReasonRateLimited        = "rate_limited"
	ReasonAllowListed        = "allow_listed"
	ReasonAnomalyDetected    = "anomaly_detected"
	ReasonBiometricMismatch  = "biometric_mismatch"
	ReasonBaselineEnrolled   = "biometric_baseline_enrolled"
	ReasonInvalidRequest     = "invalid_request"
	ReasonServiceUnavailable = "service_unavailable"
	ReasonInternalError      = "internal_error"
)

// BiometricSample holds the four behavioral measurements captured during a login
type BiometricSample struct {
	MouseVelocity   float64 `json:"mouseVelocity"`
	MouseDistance   float64 `json:"mouseDistance"`
	KeystrokeDwell  float64 `json:"keystrokeDwell"`
	KeystrokeFlight float64 `json:"keystrokeFlight"`
}

func (s BiometricSample) values() [4]float64 {
	return [4]float64{s.MouseVelocity, s.MouseDistance, s.KeystrokeDwell, s.KeystrokeFlight}
}

// Validate rejects negative or non-finite measurements
func (s BiometricSample) Validate() error {
	names := [4]string{"mouseVelocity", "mouseDistance", "keystrokeDwell", "keystrokeFlight"}
	for i, v := range s.values() {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return apperrors.ValidationError("invalid biometric sample").
				WithDetails(fmt.Sprintf("%s must be a finite non-negative number", names[i]))
		}
	}
	return nil
}

// LoginEvent is the contextual signal set handed over by the upstream authenticator
type LoginEvent struct {
	Identity        string           `json:"identity"`
	Timestamp       time.Time        `json:"timestamp"`
	SourceAddress   string           `json:"sourceAddress"`
	UserAgent       string           `json:"userAgent"`
	ClaimedLocation string           `json:"claimedLocation"`
	Biometrics      *BiometricSample `json:"biometrics,omitempty"`
}

// Validate checks required fields before any scoring happens
func (e LoginEvent) Validate() error {
	if strings.TrimSpace(e.Identity) == "" {
		return apperrors.ValidationError("invalid login event").WithDetails("identity is required")
	}
	if e.Timestamp.IsZero() {
		return apperrors.ValidationError("invalid login event").WithDetails("timestamp is required")
	}
	if e.SourceAddress == "" {
		return apperrors.ValidationError("invalid login event").WithDetails("sourceAddress is required")
	}
	if net.ParseIP(e.SourceAddress) == nil {
		return apperrors.ValidationError("invalid login event").WithDetails("sourceAddress must be an IP address")
	}
	if e.Biometrics != nil {
		return e.Biometrics.Validate()
	}
	return nil
}

// UserProfile is the last committed login context of an identity
type UserProfile struct {
	Identity         string    `json:"identity"`
	LastKnownAddress string    `json:"lastKnownAddress"`
	LastLoginAt      time.Time `json:"lastLoginAt"`
	LastUserAgent    string    `json:"lastUserAgent"`
	LastLocation     string    `json:"lastLocation"`
	FraudAttempts    int64     `json:"fraudAttempts"`
}

// BiometricBaseline is the reference sample an identity's logins are matched
// against. It is overwritten by every accepted login.
type BiometricBaseline struct {
	BiometricSample
	// ConfirmedLogins counts accepted logins that refreshed this baseline
	ConfirmedLogins int       `json:"confirmedLogins"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// RiskDecision is the result of RiskDecisionEngine.Evaluate
type RiskDecision struct {
	Decision       Decision `json:"decision"`
	RequiresStepUp bool     `json:"requiresStepUp"`
	Reasons        []string `json:"reasons"`
}

// Allowed reports whether the login may proceed
func (d RiskDecision) Allowed() bool {
	return d.Decision == DecisionAllow
}

func deny(stepUp bool, reasons ...string) RiskDecision {
	return RiskDecision{Decision: DecisionDeny, RequiresStepUp: stepUp, Reasons: reasons}
}

// HasCommittedLogin reports whether an accepted login was ever recorded. A
// profile holding only fraud attempts carries no usable login context.
func (p *UserProfile) HasCommittedLogin() bool {
	return p != nil && !p.LastLoginAt.IsZero()
}
