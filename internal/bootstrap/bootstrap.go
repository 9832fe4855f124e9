// Package bootstrap turns loaded configuration into the components shared by
// the risk service and the offline trainer.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/openidx/loginrisk/internal/anomaly"
	"github.com/openidx/loginrisk/internal/common/config"
	"github.com/openidx/loginrisk/internal/common/database"
	"github.com/openidx/loginrisk/internal/dataset"
	"github.com/openidx/loginrisk/internal/risk"
)

// NeedsPostgres reports whether any configured component reads Postgres
func NeedsPostgres(cfg *config.Config) bool {
	return cfg.Model.ArtifactStore == "postgres" || cfg.Model.DatasetSource == "postgres"
}

// ForestConfig maps model settings to forest hyper-parameters
func ForestConfig(cfg *config.Config) anomaly.ForestConfig {
	return anomaly.ForestConfig{
		Trees:         cfg.Model.Trees,
		SampleSize:    cfg.Model.SampleSize,
		Contamination: cfg.Model.Contamination,
		Seed:          cfg.Model.Seed,
	}
}

// ArtifactStore opens the configured artifact store. db is only used by the
// postgres store and may be nil otherwise.
func ArtifactStore(ctx context.Context, cfg *config.Config, db *database.PostgresDB) (anomaly.ArtifactStore, error) {
	switch cfg.Model.ArtifactStore {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres artifact store requires a database connection")
		}
		store := anomaly.NewPostgresArtifactStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "file", "":
		return anomaly.NewFileArtifactStore(cfg.Model.ArtifactDir)
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.Model.ArtifactStore)
	}
}

// DatasetSource opens the configured training log
func DatasetSource(cfg *config.Config, db *database.PostgresDB) (dataset.Source, error) {
	switch cfg.Model.DatasetSource {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres dataset source requires a database connection")
		}
		return dataset.NewPostgresSource(db, cfg.Model.DatasetTable, anomaly.SchemaBiometric.Features()), nil
	case "csv", "":
		return dataset.NewCSVSource(cfg.Model.DatasetPath), nil
	default:
		return nil, fmt.Errorf("unknown dataset source %q", cfg.Model.DatasetSource)
	}
}

// EngineConfig maps risk settings to the decision engine configuration
func EngineConfig(cfg *config.Config) (risk.EngineConfig, error) {
	policy, err := risk.ParseBaselinePolicy(cfg.Risk.BaselinePolicy, cfg.Risk.BaselineMinLogins)
	if err != nil {
		return risk.EngineConfig{}, err
	}

	w, t := cfg.Risk.BiometricWeights, cfg.Risk.BiometricTolerances
	matcher := risk.MatcherConfig{
		Weights:    [4]float64{w.MouseVelocity, w.MouseDistance, w.KeystrokeDwell, w.KeystrokeFlight},
		Tolerances: [4]float64{t.MouseVelocity, t.MouseDistance, t.KeystrokeDwell, t.KeystrokeFlight},
		Threshold:  cfg.Risk.BiometricThreshold,
	}
	if err := matcher.Validate(); err != nil {
		return risk.EngineConfig{}, err
	}

	return risk.EngineConfig{
		AttemptLimit:  cfg.Risk.AttemptLimit,
		AttemptWindow: cfg.Risk.AttemptWindow,
		AllowList:     cfg.Risk.AllowList,
		Matcher:       matcher,
		Policy:        policy,
	}, nil
}

// StoreConfig maps risk and redis settings to the state store configuration
func StoreConfig(cfg *config.Config) risk.RedisStoreConfig {
	return risk.RedisStoreConfig{
		ProfileTTL:       cfg.Risk.ProfileTTL,
		BreakerThreshold: cfg.Redis.BreakerThreshold,
		BreakerReset:     cfg.Redis.BreakerReset,
	}
}
