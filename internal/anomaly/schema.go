// Package anomaly trains and serves the isolation forest that flags logins
// whose contextual and biometric features look unlike legitimate history.
package anomaly

import (
	"fmt"
	"strings"
)

// Feature names, in the order models are trained on
const (
	FeatureLoginAttempts   = "login_attempts_1h"
	FeatureIPChanged       = "ip_changes_24h"
	FeatureUserAgentChange = "user_agent_mismatch"
	FeatureMinutesSince    = "time_since_last_login"
	FeatureLocationChanged = "location_change"

	FeatureMouseVelocity   = "mouse_velocity"
	FeatureMouseDistance   = "mouse_distance"
	FeatureKeystrokeDwell  = "keystroke_dwell"
	FeatureKeystrokeFlight = "keystroke_flight"
)

// Schema names a fixed, ordered feature list a model is trained on
type Schema string

const (
	// SchemaStandard covers the five contextual features
	SchemaStandard Schema = "standard"
	// SchemaBiometric appends the four biometric features to the standard ones
	SchemaBiometric Schema = "biometric"
)

var (
	standardFeatures = []string{
		FeatureLoginAttempts,
		FeatureIPChanged,
		FeatureUserAgentChange,
		FeatureMinutesSince,
		FeatureLocationChanged,
	}
	biometricFeatures = append(append([]string{}, standardFeatures...),
		FeatureMouseVelocity,
		FeatureMouseDistance,
		FeatureKeystrokeDwell,
		FeatureKeystrokeFlight,
	)
)

// Schemas lists every known schema
func Schemas() []Schema {
	return []Schema{SchemaStandard, SchemaBiometric}
}

// Features returns a copy of the schema's ordered feature names
func (s Schema) Features() []string {
	switch s {
	case SchemaStandard:
		return append([]string{}, standardFeatures...)
	case SchemaBiometric:
		return append([]string{}, biometricFeatures...)
	}
	return nil
}

// ParseSchema converts a stored schema name
func ParseSchema(name string) (Schema, error) {
	switch Schema(name) {
	case SchemaStandard, SchemaBiometric:
		return Schema(name), nil
	}
	return "", fmt.Errorf("unknown model schema %q", name)
}

// SchemaForWidth returns the schema with n features
func SchemaForWidth(n int) (Schema, bool) {
	switch n {
	case len(standardFeatures):
		return SchemaStandard, true
	case len(biometricFeatures):
		return SchemaBiometric, true
	}
	return "", false
}

// Vector is an ordered set of named feature values
type Vector struct {
	Names  []string
	Values []float64
}

// Append adds a named value at the end of the vector
func (v *Vector) Append(name string, value float64) {
	v.Names = append(v.Names, name)
	v.Values = append(v.Values, value)
}

// Len returns the number of features
func (v Vector) Len() int {
	return len(v.Names)
}

// Get returns the value of the named feature
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// String renders the vector as name=value pairs
func (v Vector) String() string {
	parts := make([]string, len(v.Names))
	for i, n := range v.Names {
		parts[i] = fmt.Sprintf("%s=%g", n, v.Values[i])
	}
	return strings.Join(parts, " ")
}

// sameOrder reports whether got matches want exactly, name by name
func sameOrder(want, got []string) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}
