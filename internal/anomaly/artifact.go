package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

// ErrArtifactNotFound is returned by an ArtifactStore holding no artifact for a schema
var ErrArtifactNotFound = errors.New("model artifact not found")

// ArtifactStore persists trained artifacts. Save must be atomic: a
// concurrent Load sees either the previous artifact or the new one.
type ArtifactStore interface {
	Load(ctx context.Context, schema Schema) (*Artifact, error)
	Save(ctx context.Context, artifact *Artifact) error
}

// Artifact is an immutable, versioned model bundle. The scaler, the forest
// and the ordered feature names are only valid together.
type Artifact struct {
	Version       string    `json:"version"`
	Schema        Schema    `json:"schema"`
	FeatureNames  []string  `json:"featureNames"`
	Scaler        *Scaler   `json:"scaler"`
	Forest        *Forest   `json:"forest"`
	Threshold     float64   `json:"threshold"`
	Contamination float64   `json:"contamination"`
	TrainingRows  int       `json:"trainingRows"`
	TrainedAt     time.Time `json:"trainedAt"`
}

// Validate rejects partial or inconsistent bundles
func (a *Artifact) Validate() error {
	if a == nil {
		return apperrors.InvalidArtifact("artifact is nil")
	}
	if a.Version == "" {
		return apperrors.InvalidArtifact("missing version")
	}
	schema, err := ParseSchema(string(a.Schema))
	if err != nil {
		return apperrors.InvalidArtifact(err.Error())
	}
	want := schema.Features()
	if !sameOrder(want, a.FeatureNames) {
		return apperrors.InvalidArtifact("feature names do not match schema " + string(a.Schema))
	}
	if a.Scaler == nil {
		return apperrors.InvalidArtifact("missing scaler")
	}
	if err := a.Scaler.validate(len(want)); err != nil {
		return apperrors.InvalidArtifact(err.Error())
	}
	if a.Forest == nil {
		return apperrors.InvalidArtifact("missing forest")
	}
	if err := a.Forest.validate(len(want)); err != nil {
		return apperrors.InvalidArtifact(err.Error())
	}
	if a.Threshold <= 0 || a.Threshold >= 1 || math.IsNaN(a.Threshold) {
		return apperrors.InvalidArtifact(fmt.Sprintf("threshold %v out of range", a.Threshold))
	}
	return nil
}

// Score standardizes v and returns its anomaly score. v must already have
// been checked against FeatureNames.
func (a *Artifact) Score(values []float64) float64 {
	return a.Forest.Score(a.Scaler.Transform(values))
}

// IsAnomalous applies the contamination-calibrated threshold
func (a *Artifact) IsAnomalous(score float64) bool {
	return score > a.Threshold
}

// CheckVector enforces that v carries exactly the artifact's features in
// the trained order
func (a *Artifact) CheckVector(v Vector) error {
	if !sameOrder(a.FeatureNames, v.Names) || len(v.Values) != len(v.Names) {
		return apperrors.FeatureMismatch(a.FeatureNames, v.Names)
	}
	for i, x := range v.Values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return apperrors.FeatureMismatch(a.FeatureNames, v.Names).
				WithDetails(fmt.Sprintf("feature %s is not finite", v.Names[i]))
		}
	}
	return nil
}
