package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
	"github.com/openidx/loginrisk/internal/dataset"
	"github.com/openidx/loginrisk/internal/metrics"
)

// Result is the outcome of scoring one feature vector
type Result struct {
	Anomalous bool
	Score     float64
	Threshold float64
	Schema    Schema
	Version   string
}

type modelSet struct {
	artifacts map[Schema]*Artifact
}

func (s *modelSet) with(arts ...*Artifact) *modelSet {
	next := &modelSet{artifacts: make(map[Schema]*Artifact, len(Schemas()))}
	if s != nil {
		for k, v := range s.artifacts {
			next.artifacts[k] = v
		}
	}
	for _, a := range arts {
		next.artifacts[a.Schema] = a
	}
	return next
}

// Registry serves the current artifacts. Readers load an immutable set
// through an atomic pointer; training publishes a new set in one swap.
type Registry struct {
	store   ArtifactStore
	trainer *Trainer
	logger  *zap.Logger

	current atomic.Pointer[modelSet]
	// trainMu serializes loads and retrains
	trainMu sync.Mutex
}

// NewRegistry creates an empty registry. Nothing is loaded until LoadOrFail
// or Bootstrap is called.
func NewRegistry(store ArtifactStore, trainer *Trainer, logger *zap.Logger) *Registry {
	return &Registry{
		store:   store,
		trainer: trainer,
		logger:  logger.With(zap.String("component", "model_registry")),
	}
}

// LoadOrFail loads every persisted schema. It fails with ModelUnavailable
// when the standard artifact is absent or unreadable.
func (r *Registry) LoadOrFail(ctx context.Context) error {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()
	return r.load(ctx)
}

func (r *Registry) load(ctx context.Context) error {
	var loaded []*Artifact
	for _, schema := range Schemas() {
		a, err := r.store.Load(ctx, schema)
		if errors.Is(err, ErrArtifactNotFound) {
			if schema == SchemaStandard {
				return apperrors.ModelUnavailable("no standard model artifact", err)
			}
			continue
		}
		if err != nil {
			return apperrors.ModelUnavailable("failed to load "+string(schema)+" artifact", err)
		}
		loaded = append(loaded, a)
	}

	r.current.Store((*modelSet)(nil).with(loaded...))
	for _, a := range loaded {
		r.logger.Info("Loaded anomaly model",
			zap.String("schema", string(a.Schema)),
			zap.String("version", a.Version),
			zap.Time("trained_at", a.TrainedAt))
	}
	return nil
}

// Bootstrap loads persisted artifacts and, only when none exist, trains
// once from source. When the standard artifact exists but the biometric
// one does not, the biometric schema alone is trained if source now
// carries its columns. Concurrent callers block and then observe the
// published set.
func (r *Registry) Bootstrap(ctx context.Context, source dataset.Source) error {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()

	if r.ready() {
		return nil
	}

	err := r.load(ctx)
	if err == nil {
		r.bootstrapBiometric(ctx, source)
		return nil
	}
	if !errors.Is(err, ErrArtifactNotFound) {
		return err
	}

	r.logger.Warn("No model artifact found, training cold-start model",
		zap.String("source", source.Describe()))

	if _, err := r.train(ctx, source); err != nil {
		return apperrors.ModelUnavailable("cold-start training failed", err)
	}
	return nil
}

// bootstrapBiometric fills a missing biometric artifact. Failures leave the
// standard model serving; biometric logins stay MODEL_UNAVAILABLE.
func (r *Registry) bootstrapBiometric(ctx context.Context, source dataset.Source) {
	if r.trainer == nil || r.current.Load().artifacts[SchemaBiometric] != nil {
		return
	}

	ds, err := source.Load(ctx)
	if err != nil {
		r.logger.Error("Failed to load dataset for biometric model",
			zap.String("source", source.Describe()), zap.Error(err))
		return
	}
	if !ds.HasColumns(SchemaBiometric.Features()...) {
		return
	}

	r.logger.Warn("No biometric model artifact found, training cold-start biometric model",
		zap.String("source", source.Describe()))

	a, err := r.trainer.Train(ctx, ds, SchemaBiometric)
	if err != nil {
		r.logger.Error("Biometric cold-start training failed", zap.Error(err))
		return
	}
	if err := r.store.Save(ctx, a); err != nil {
		r.logger.Error("Failed to save biometric artifact", zap.Error(err))
		return
	}
	r.current.Store(r.current.Load().with(a))
}

// Train always retrains from source, saves the artifacts and publishes them
func (r *Registry) Train(ctx context.Context, source dataset.Source) ([]*Artifact, error) {
	r.trainMu.Lock()
	defer r.trainMu.Unlock()
	return r.train(ctx, source)
}

func (r *Registry) train(ctx context.Context, source dataset.Source) ([]*Artifact, error) {
	if r.trainer == nil {
		return nil, fmt.Errorf("registry has no trainer")
	}

	ds, err := source.Load(ctx)
	if err != nil {
		return nil, err
	}

	arts, err := r.trainer.TrainAll(ctx, ds)
	if err != nil {
		return nil, err
	}

	for _, a := range arts {
		if err := r.store.Save(ctx, a); err != nil {
			return nil, fmt.Errorf("failed to save %s artifact: %w", a.Schema, err)
		}
	}

	r.current.Store(r.current.Load().with(arts...))
	return arts, nil
}

// Infer scores v with the artifact whose schema has the same width. Names
// and order must match the artifact exactly.
func (r *Registry) Infer(_ context.Context, v Vector) (Result, error) {
	set := r.current.Load()
	if set == nil {
		return Result{}, apperrors.ModelUnavailable("model not loaded", nil)
	}

	schema, ok := SchemaForWidth(v.Len())
	if !ok {
		return Result{}, apperrors.FeatureMismatch(SchemaStandard.Features(), v.Names)
	}
	artifact := set.artifacts[schema]
	if artifact == nil {
		return Result{}, apperrors.ModelUnavailable("no "+string(schema)+" model loaded", ErrArtifactNotFound)
	}
	if err := artifact.CheckVector(v); err != nil {
		return Result{}, err
	}

	score := artifact.Score(v.Values)
	metrics.RecordAnomalyScore(string(schema), score)

	return Result{
		Anomalous: artifact.IsAnomalous(score),
		Score:     score,
		Threshold: artifact.Threshold,
		Schema:    schema,
		Version:   artifact.Version,
	}, nil
}

// Ready reports whether a standard model is being served
func (r *Registry) Ready() bool {
	return r.ready()
}

func (r *Registry) ready() bool {
	set := r.current.Load()
	return set != nil && set.artifacts[SchemaStandard] != nil
}

// Versions returns the served version of each loaded schema
func (r *Registry) Versions() map[Schema]string {
	out := make(map[Schema]string)
	if set := r.current.Load(); set != nil {
		for schema, a := range set.artifacts {
			out[schema] = a.Version
		}
	}
	return out
}
