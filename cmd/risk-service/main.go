// Package main is the entry point for the Risk Service
// Risk Service scores login attempts and serves allow/deny decisions
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/anomaly"
	"github.com/openidx/loginrisk/internal/api"
	"github.com/openidx/loginrisk/internal/audit"
	"github.com/openidx/loginrisk/internal/bootstrap"
	"github.com/openidx/loginrisk/internal/common/config"
	"github.com/openidx/loginrisk/internal/common/database"
	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/internal/common/health"
	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/common/resilience"
	"github.com/openidx/loginrisk/internal/common/shutdown"
	"github.com/openidx/loginrisk/internal/common/tracing"
	"github.com/openidx/loginrisk/internal/metrics"
	"github.com/openidx/loginrisk/internal/risk"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

const serviceName = "risk-service"

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting Risk Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg.LogSecurityWarnings(log)

	ctx := context.Background()
	sm := shutdown.NewShutdownManager(log, 30*time.Second)

	shutdownTracer, err := tracing.Init(ctx, tracing.ConfigFromEnv(serviceName, cfg.Environment), log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	sm.RegisterHook("tracing", shutdownTracer)

	healthService := health.NewHealthService(log)
	healthService.SetVersion(Version)
	breakers := resilience.NewRegistry()

	// State store
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	sm.RegisterHook("redis", func(context.Context) error { return redisClient.Close() })
	healthService.RegisterCheck(health.NewPingChecker("redis", 100*time.Millisecond, redisClient.Ping))

	store := risk.NewRedisStore(redisClient, bootstrap.StoreConfig(cfg), log)
	breakers.Register(store.Breaker())
	healthService.RegisterCheck(health.NewBreakerChecker(breakers))

	var db *database.PostgresDB
	if bootstrap.NeedsPostgres(cfg) {
		db, err = database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		sm.RegisterHook("postgres", func(context.Context) error { return db.Close() })
		healthService.RegisterCheck(health.NewPingChecker("postgres", 200*time.Millisecond, db.Ping))
	}

	// Anomaly model
	artifacts, err := bootstrap.ArtifactStore(ctx, cfg, db)
	if err != nil {
		log.Fatal("Failed to open artifact store", zap.Error(err))
	}
	source, err := bootstrap.DatasetSource(cfg, db)
	if err != nil {
		log.Fatal("Failed to open training dataset", zap.Error(err))
	}
	registry := anomaly.NewRegistry(artifacts, anomaly.NewTrainer(bootstrap.ForestConfig(cfg), log), log)
	if cfg.Model.BootstrapOnStart {
		err = registry.Bootstrap(ctx, source)
	} else {
		err = registry.LoadOrFail(ctx)
	}
	if err != nil {
		log.Fatal("Anomaly model unavailable", zap.Error(err))
	}
	healthService.RegisterCheck(health.NewModelChecker(registry))
	log.Info("Anomaly model loaded", zap.Any("versions", registry.Versions()))

	// Decision records
	bus := events.NewMemoryBus()
	bus.SetErrorHandler(func(err error) {
		log.Warn("Event handler failed", zap.Error(err))
	})

	var sinks []audit.Sink
	var history api.History
	if cfg.Audit.ElasticsearchEnabled {
		es, err := database.NewElasticsearch(database.ElasticsearchConfig{URL: cfg.ElasticsearchURL})
		if err != nil {
			log.Fatal("Failed to connect to Elasticsearch", zap.Error(err))
		}
		healthService.RegisterCheck(health.NewPingChecker("elasticsearch", 500*time.Millisecond, es.Ping))

		esSink := audit.NewElasticsearchSink(es, cfg.Audit.ElasticsearchIndex, log)
		if err := esSink.Init(ctx); err != nil {
			log.Warn("Failed to prepare decision index", zap.Error(err))
		}
		sinks = append(sinks, esSink)
		history = esSink
	}
	if cfg.Audit.KafkaEnabled {
		shipper, err := audit.NewKafkaShipper(audit.KafkaConfig{
			Brokers: cfg.GetKafkaBrokers(),
			Topic:   cfg.Audit.KafkaTopic,
			TLS:     cfg.IsProduction(),
		}, log)
		if err != nil {
			log.Fatal("Failed to create Kafka shipper", zap.Error(err))
		}
		shipper.Start()
		sm.RegisterHook("kafka", shipper.Stop)
		sinks = append(sinks, shipper)
	}
	audit.Attach(bus, log, sinks...)
	// hooks run in reverse, so the bus drains into the sinks before they stop
	sm.RegisterHook("event_bus", func(context.Context) error { return bus.Close() })

	// Decision engine
	engineConfig, err := bootstrap.EngineConfig(cfg)
	if err != nil {
		log.Fatal("Invalid risk configuration", zap.Error(err))
	}
	engine := risk.NewEngine(engineConfig, store, registry, bus, log)

	retrain := func(ctx context.Context) error {
		_, err := registry.Train(ctx, source)
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(otelgin.Middleware(serviceName))
	router.Use(logger.RequestID())
	router.Use(logger.Recovery(log))
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.Middleware(serviceName))

	router.GET("/metrics", metrics.Handler())
	healthService.RegisterStandardRoutes(router)

	v1 := router.Group("/api/v1")
	v1.Use(api.VersionMiddleware(api.DefaultAPIVersion, []string{api.DefaultAPIVersion}))
	api.NewHandler(engine, history, retrain, log).RegisterRoutes(v1)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := sm.GracefulServe(serviceName, server); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
	sm.WaitForShutdown(ctx)
}
