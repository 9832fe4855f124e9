package risk

import (
	"github.com/openidx/loginrisk/internal/anomaly"
)

// FeatureExtractor turns a login event and the identity's prior profile into
// the ordered feature vector the anomaly model was trained on
type FeatureExtractor struct{}

// NewFeatureExtractor creates a feature extractor
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Build derives the contextual features and, when the event carries a
// biometric sample, appends the four biometric values. Without a prior
// login every contextual feature except the attempt count is zero.
func (x *FeatureExtractor) Build(event LoginEvent, prior *UserProfile, attempts int64) anomaly.Vector {
	var v anomaly.Vector
	v.Append(anomaly.FeatureLoginAttempts, float64(attempts))

	var ipChanged, uaChanged, minutes, locationChanged float64
	if prior.HasCommittedLogin() {
		ipChanged = indicator(event.SourceAddress != prior.LastKnownAddress)
		uaChanged = indicator(event.UserAgent != prior.LastUserAgent)
		locationChanged = indicator(event.ClaimedLocation != prior.LastLocation)
		if elapsed := event.Timestamp.Sub(prior.LastLoginAt); elapsed > 0 {
			minutes = elapsed.Minutes()
		}
	}
	v.Append(anomaly.FeatureIPChanged, ipChanged)
	v.Append(anomaly.FeatureUserAgentChange, uaChanged)
	v.Append(anomaly.FeatureMinutesSince, minutes)
	v.Append(anomaly.FeatureLocationChanged, locationChanged)

	if s := event.Biometrics; s != nil {
		v.Append(anomaly.FeatureMouseVelocity, s.MouseVelocity)
		v.Append(anomaly.FeatureMouseDistance, s.MouseDistance)
		v.Append(anomaly.FeatureKeystrokeDwell, s.KeystrokeDwell)
		v.Append(anomaly.FeatureKeystrokeFlight, s.KeystrokeFlight)
	}
	return v
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
