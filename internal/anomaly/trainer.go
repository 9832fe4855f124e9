package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/dataset"
	"github.com/openidx/loginrisk/internal/metrics"
)

// Trainer fits artifacts from historical login data
type Trainer struct {
	config ForestConfig
	logger *zap.Logger
	perf   *logger.PerformanceLogger
	now    func() time.Time
}

// NewTrainer creates a trainer with the given hyper-parameters
func NewTrainer(config ForestConfig, log *zap.Logger) *Trainer {
	return &Trainer{
		config: config,
		logger: log.With(zap.String("component", "anomaly_trainer")),
		perf:   logger.NewPerformanceLogger(log),
		now:    time.Now,
	}
}

// Train fits one artifact for schema on the rows of ds not labeled fraudulent
func (t *Trainer) Train(ctx context.Context, ds *dataset.Dataset, schema Schema) (artifact *Artifact, err error) {
	timer := t.perf.StartTimer("train_model", zap.String("schema", string(schema)))
	defer func() {
		timer.StopWithError(err)
		rows, threshold := 0, 0.0
		if artifact != nil {
			rows, threshold = artifact.TrainingRows, artifact.Threshold
		}
		metrics.RecordModelTraining(string(schema), rows, threshold, err)
	}()

	names := schema.Features()
	if names == nil {
		return nil, apperrors.DatasetError(fmt.Sprintf("unknown schema %q", schema), nil)
	}

	clean := ds.Legitimate()
	if clean.Rows() < 2 {
		return nil, apperrors.DatasetError(
			fmt.Sprintf("need at least 2 legitimate rows, have %d", clean.Rows()), nil)
	}

	rows, err := clean.Matrix(names)
	if err != nil {
		return nil, apperrors.DatasetError("cannot build "+string(schema)+" training matrix", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaler, err := FitScaler(rows)
	if err != nil {
		return nil, apperrors.DatasetError("cannot standardize training data", err)
	}
	scaled := scaler.TransformAll(rows)

	forest, err := FitForest(scaled, t.config)
	if err != nil {
		return nil, apperrors.Internal("Failed to fit isolation forest", err)
	}

	scores := make([]float64, len(scaled))
	for i, x := range scaled {
		scores[i] = forest.Score(x)
	}
	threshold := Quantile(scores, 1-t.config.Contamination)

	artifact = &Artifact{
		Version:       uuid.New().String(),
		Schema:        schema,
		FeatureNames:  names,
		Scaler:        scaler,
		Forest:        forest,
		Threshold:     threshold,
		Contamination: t.config.Contamination,
		TrainingRows:  len(rows),
		TrainedAt:     t.now().UTC(),
	}
	if err := artifact.Validate(); err != nil {
		return nil, err
	}

	t.logger.Info("Trained anomaly model",
		zap.String("schema", string(schema)),
		zap.String("version", artifact.Version),
		zap.Int("rows", len(rows)),
		zap.Int("trees", len(forest.Trees)),
		zap.Float64("threshold", threshold))

	return artifact, nil
}

// TrainAll trains the standard schema and, when the dataset carries every
// biometric column, the biometric schema
func (t *Trainer) TrainAll(ctx context.Context, ds *dataset.Dataset) ([]*Artifact, error) {
	standard, err := t.Train(ctx, ds, SchemaStandard)
	if err != nil {
		return nil, err
	}
	out := []*Artifact{standard}

	if !ds.HasColumns(SchemaBiometric.Features()...) {
		t.logger.Info("Dataset has no biometric columns, skipping biometric model",
			zap.Strings("columns", ds.ColumnNames()))
		return out, nil
	}

	biometric, err := t.Train(ctx, ds, SchemaBiometric)
	if err != nil {
		return nil, err
	}
	return append(out, biometric), nil
}
