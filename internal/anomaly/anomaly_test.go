package anomaly

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/dataset"
)

func testForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, SampleSize: 256, Contamination: 0.03, Seed: 7}
}

func gaussianRows(n, width int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, width)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		rows[i] = row
	}
	return rows
}

// trainingData builds a login log whose legitimate rows are Gaussian around
// plausible values. Fraud rows are extreme and must be ignored by training.
func trainingData(n int, biometric bool) *dataset.Dataset {
	names := SchemaStandard.Features()
	if biometric {
		names = SchemaBiometric.Features()
	}
	center := map[string][2]float64{
		FeatureLoginAttempts:   {2, 1},
		FeatureIPChanged:       {0.2, 0.1},
		FeatureUserAgentChange: {0.1, 0.1},
		FeatureMinutesSince:    {600, 200},
		FeatureLocationChanged: {0.1, 0.1},
		FeatureMouseVelocity:   {300, 40},
		FeatureMouseDistance:   {1500, 200},
		FeatureKeystrokeDwell:  {100, 15},
		FeatureKeystrokeFlight: {40, 8},
	}

	ds := dataset.New()
	raw := gaussianRows(n, len(names), 99)
	for j, name := range names {
		col := make([]float64, n)
		for i := range col {
			col[i] = center[name][0] + raw[i][j]*center[name][1]
		}
		ds.Columns[name] = col
	}
	ds.Labels = make([]bool, n)
	for i := 0; i < n; i += 50 {
		ds.Labels[i] = true
		for _, name := range names {
			ds.Columns[name][i] = center[name][0] * 1000
		}
	}
	return ds
}

func vectorFor(schema Schema, values ...float64) Vector {
	return Vector{Names: schema.Features(), Values: values}
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(0))
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))

	want := 2*(math.Log(255)+eulerGamma) - 2*255.0/256.0
	assert.InDelta(t, want, averagePathLength(256), 1e-12)
}

func TestQuantile(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.Equal(t, 2.5, Quantile(values, 0.5))
	assert.Equal(t, 1.0, Quantile(values, 0))
	assert.Equal(t, 4.0, Quantile(values, 1))
	assert.InDelta(t, 3.91, Quantile(values, 0.97), 1e-9)
	assert.Equal(t, []float64{4, 1, 3, 2}, values, "input must not be reordered")
}

func TestFitScaler(t *testing.T) {
	s, err := FitScaler([][]float64{{1, 5}, {3, 5}})
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 5}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant column gets unit scale")
	assert.Equal(t, []float64{1, 0}, s.Transform([]float64{3, 5}))

	_, err = FitScaler(nil)
	assert.Error(t, err)
	_, err = FitScaler([][]float64{{1, 2}, {1}})
	assert.Error(t, err)
}

func TestFitForest_Deterministic(t *testing.T) {
	rows := gaussianRows(300, 3, 1)
	a, err := FitForest(rows, testForestConfig())
	require.NoError(t, err)
	b, err := FitForest(rows, testForestConfig())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 256, a.Psi)
	assert.Len(t, a.Trees, 100)
}

func TestFitForest_SmallSample(t *testing.T) {
	rows := gaussianRows(10, 2, 3)
	f, err := FitForest(rows, testForestConfig())
	require.NoError(t, err)
	assert.Equal(t, 10, f.Psi, "psi is capped by the number of rows")

	// height limit ceil(log2(10)) = 4 bounds a tree to 31 nodes
	for _, tree := range f.Trees {
		assert.LessOrEqual(t, len(tree.Nodes), 31)
	}
}

func TestFitForest_ConstantData(t *testing.T) {
	rows := [][]float64{{1, 1}, {1, 1}, {1, 1}, {1, 1}}
	f, err := FitForest(rows, testForestConfig())
	require.NoError(t, err)

	for _, tree := range f.Trees {
		assert.Len(t, tree.Nodes, 1, "constant data cannot be split")
	}
	assert.InDelta(t, 0.5, f.Score([]float64{1, 1}), 1e-12)
}

func TestForest_IsolatesOutliers(t *testing.T) {
	rows := gaussianRows(1000, 5, 11)
	f, err := FitForest(rows, testForestConfig())
	require.NoError(t, err)

	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = f.Score(r)
	}
	threshold := Quantile(scores, 0.97)

	center := f.Score([]float64{0, 0, 0, 0, 0})
	outlier := f.Score([]float64{8, 8, 8, 8, 8})

	assert.Less(t, center, threshold)
	assert.Greater(t, outlier, threshold)
	assert.Greater(t, outlier, center)
}

func TestTrainer_Train(t *testing.T) {
	ctx := context.Background()
	trainer := NewTrainer(testForestConfig(), zapNop())

	ds := trainingData(500, false)
	a, err := trainer.Train(ctx, ds, SchemaStandard)
	require.NoError(t, err)

	assert.NoError(t, a.Validate())
	assert.Equal(t, SchemaStandard.Features(), a.FeatureNames)
	assert.Equal(t, 490, a.TrainingRows, "fraud rows are excluded")
	assert.NotEmpty(t, a.Version)

	// fraud rows do not leak into the standardization statistics
	assert.InDelta(t, 2, a.Scaler.Mean[0], 0.3)

	_, err = trainer.Train(ctx, ds, SchemaBiometric)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrDataset))
}

func TestTrainer_TrainAll(t *testing.T) {
	ctx := context.Background()
	trainer := NewTrainer(testForestConfig(), zapNop())

	arts, err := trainer.TrainAll(ctx, trainingData(300, false))
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, SchemaStandard, arts[0].Schema)

	arts, err = trainer.TrainAll(ctx, trainingData(300, true))
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, SchemaBiometric, arts[1].Schema)
}

func TestArtifact_ValidateRejectsPartial(t *testing.T) {
	a, err := NewTrainer(testForestConfig(), zapNop()).Train(context.Background(), trainingData(200, false), SchemaStandard)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(a *Artifact)
	}{
		{"missing scaler", func(a *Artifact) { a.Scaler = nil }},
		{"missing forest", func(a *Artifact) { a.Forest = nil }},
		{"missing version", func(a *Artifact) { a.Version = "" }},
		{"reordered features", func(a *Artifact) {
			a.FeatureNames[0], a.FeatureNames[1] = a.FeatureNames[1], a.FeatureNames[0]
		}},
		{"short scaler", func(a *Artifact) { a.Scaler.Mean = a.Scaler.Mean[:2] }},
		{"empty forest", func(a *Artifact) { a.Forest.Trees = nil }},
		{"bad threshold", func(a *Artifact) { a.Threshold = 1.5 }},
		{"unknown schema", func(a *Artifact) { a.Schema = "legacy" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clone := cloneArtifact(t, a)
			tt.mutate(clone)
			err := clone.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrInvalidArtifact))
		})
	}
}
