package risk

import (
	"fmt"
	"math"
)

// MatcherConfig parameterizes biometric matching. Weights and Tolerances
// are ordered mouse velocity, mouse distance, keystroke dwell, keystroke
// flight.
type MatcherConfig struct {
	Weights    [4]float64
	Tolerances [4]float64
	// Threshold is the minimum weighted similarity a sample needs to pass
	Threshold float64
}

// DefaultMatcherConfig returns the production weights and tolerances
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Weights:    [4]float64{0.3, 0.3, 0.2, 0.2},
		Tolerances: [4]float64{0.25, 0.25, 0.35, 0.35},
		Threshold:  0.7,
	}
}

// Validate checks that weights sum to one and tolerances are positive
func (c MatcherConfig) Validate() error {
	var sum float64
	for i, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("biometric weight %d is negative", i)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("biometric weights sum to %v, want 1", sum)
	}
	for i, tol := range c.Tolerances {
		if tol <= 0 {
			return fmt.Errorf("biometric tolerance %d must be positive", i)
		}
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("biometric threshold %v out of (0, 1]", c.Threshold)
	}
	return nil
}

// Similarity compares a current measurement with its historical reference.
// The relative deviation is scaled by tolerance; a deviation of tolerance or
// more scores zero. A zero reference always matches.
func Similarity(current, historical, tolerance float64) float64 {
	if historical == 0 {
		return 1
	}
	deviation := math.Abs(current-historical) / historical / tolerance
	return clamp01(1 - math.Min(deviation, 1))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// BiometricMatcher scores live samples against a stored baseline
type BiometricMatcher struct {
	config MatcherConfig
}

// NewBiometricMatcher creates a matcher
func NewBiometricMatcher(config MatcherConfig) *BiometricMatcher {
	return &BiometricMatcher{config: config}
}

// Score returns the weighted similarity of sample to baseline in [0, 1]
func (m *BiometricMatcher) Score(sample, baseline BiometricSample) float64 {
	current, historical := sample.values(), baseline.values()
	var score float64
	for i := range current {
		score += Similarity(current[i], historical[i], m.config.Tolerances[i]) * m.config.Weights[i]
	}
	return clamp01(score)
}

// Accept reports whether score meets the configured threshold
func (m *BiometricMatcher) Accept(score float64) bool {
	return score >= m.config.Threshold
}

// Threshold returns the acceptance threshold
func (m *BiometricMatcher) Threshold() float64 {
	return m.config.Threshold
}

// BaselinePolicy decides whether an identity's stored baseline is trusted
// enough to reject samples that do not match it
type BaselinePolicy interface {
	Enforce(baseline *BiometricBaseline) bool
	Name() string
}

// TrustOnFirstUse enforces any existing baseline, including one adopted
// from a single unverified login
type TrustOnFirstUse struct{}

func (TrustOnFirstUse) Enforce(baseline *BiometricBaseline) bool { return baseline != nil }
func (TrustOnFirstUse) Name() string                             { return "trust_on_first_use" }

// MinConfirmedLogins enforces a baseline only once N accepted logins have
// confirmed it. Until then every sample is accepted and replaces the baseline.
type MinConfirmedLogins struct {
	N int
}

func (p MinConfirmedLogins) Enforce(baseline *BiometricBaseline) bool {
	return baseline != nil && baseline.ConfirmedLogins >= p.N
}

func (p MinConfirmedLogins) Name() string { return fmt.Sprintf("min_confirmed_logins(%d)", p.N) }

// ParseBaselinePolicy maps a configured policy name to a strategy
func ParseBaselinePolicy(name string, minLogins int) (BaselinePolicy, error) {
	switch name {
	case "", "trust_on_first_use":
		return TrustOnFirstUse{}, nil
	case "min_confirmed_logins":
		if minLogins < 1 {
			return nil, fmt.Errorf("min_confirmed_logins requires a positive login count")
		}
		return MinConfirmedLogins{N: minLogins}, nil
	}
	return nil, fmt.Errorf("unknown baseline policy %q", name)
}
