// Command engine runs the predictive analytics service: the HTTP API, the
// training workers, the retrain scheduler, and the drift detector, all in one
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pulsedesk/analytics-engine/internal/config"
	"github.com/pulsedesk/analytics-engine/internal/database"
	"github.com/pulsedesk/analytics-engine/internal/predictive"
	"github.com/pulsedesk/analytics-engine/internal/predictive/controller"
	"github.com/pulsedesk/analytics-engine/internal/predictive/featurestore"
	"github.com/pulsedesk/analytics-engine/internal/predictive/forecaster"
	"github.com/pulsedesk/analytics-engine/internal/predictive/registry"
	"github.com/pulsedesk/analytics-engine/internal/predictive/training"
	"github.com/pulsedesk/analytics-engine/internal/queue"
	"github.com/pulsedesk/analytics-engine/internal/server"
	"github.com/pulsedesk/analytics-engine/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env overrides apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return err
	}
	if err := storage.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	history := storage.NewHistoryRepo(db)
	featureSets := storage.NewFeatureSetRepo(db)
	predictions := storage.NewPredictionRepo(db)

	features := featurestore.NewStore(history, history, featureSets, cfg.Predictive.MinSamples, sugar)
	reg := registry.New(db, sugar)
	pipeline := training.NewPipeline(features, reg, history, history, cfg.Predictive, sugar)
	ctrl := controller.New(reg, cfg.Predictive, sugar)

	tasks, err := newQueue(cfg.Queue, sugar)
	if err != nil {
		return err
	}
	defer func() { _ = tasks.Close() }()

	cache := forecaster.NewCache(redisClient, cfg.Predictive.CacheTTL, sugar)
	engine := forecaster.NewEngine(reg, features, history, history, history, predictions, cache, cfg.Predictive, sugar)
	service := predictive.NewService(engine, pipeline, ctrl, reg, tasks, cache, cfg.Predictive, sugar)

	scheduler := controller.NewScheduler(reg, tasks, cfg.Predictive.RetrainInterval, sugar)
	drift := controller.NewDriftDetector(reg, predictions, history, tasks, cfg.Predictive, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Start(ctx)
	go drift.Start(ctx)
	go func() {
		if err := service.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("training workers stopped", "error", err)
		}
	}()

	srv := server.New(cfg.Server, service, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		sugar.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	sugar.Infow("engine stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg.Level = lvl
	return zapCfg.Build()
}

func newQueue(cfg config.QueueConfig, logger *zap.SugaredLogger) (queue.TaskQueue, error) {
	switch cfg.Kind {
	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("queue.brokers is required for the kafka queue")
		}
		return queue.NewKafkaQueue(cfg.Brokers, cfg.Topic, logger), nil
	default:
		return queue.NewMemoryQueue(0, logger), nil
	}
}
