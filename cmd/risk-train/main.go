// Package main is the offline model trainer. It fits the standard and, when
// the log carries biometric columns, the biometric anomaly model and saves
// them to the configured artifact store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/anomaly"
	"github.com/openidx/loginrisk/internal/bootstrap"
	"github.com/openidx/loginrisk/internal/common/config"
	"github.com/openidx/loginrisk/internal/common/database"
	"github.com/openidx/loginrisk/internal/common/logger"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	dataset := flag.String("dataset", "", "CSV training log; overrides model.dataset_path")
	artifactDir := flag.String("artifact-dir", "", "artifact directory; overrides model.artifact_dir")
	timeout := flag.Duration("timeout", 30*time.Minute, "training deadline")
	flag.Parse()

	log := logger.New()
	defer log.Sync()

	log.Info("Starting model training",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load("risk-train")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *dataset != "" {
		cfg.Model.DatasetSource = "csv"
		cfg.Model.DatasetPath = *dataset
	}
	if *artifactDir != "" {
		cfg.Model.ArtifactStore = "file"
		cfg.Model.ArtifactDir = *artifactDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Training failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var db *database.PostgresDB
	if bootstrap.NeedsPostgres(cfg) {
		var err error
		if db, err = database.NewPostgres(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
	}

	store, err := bootstrap.ArtifactStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	source, err := bootstrap.DatasetSource(cfg, db)
	if err != nil {
		return err
	}

	registry := anomaly.NewRegistry(store, anomaly.NewTrainer(bootstrap.ForestConfig(cfg), log), log)
	arts, err := registry.Train(ctx, source)
	if err != nil {
		return err
	}

	for _, a := range arts {
		fmt.Printf("%s\t%s\trows=%d\tthreshold=%.4f\n", a.Schema, a.Version, a.TrainingRows, a.Threshold)
	}
	return nil
}
