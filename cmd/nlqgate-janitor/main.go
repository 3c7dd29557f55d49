package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/nlqgate/nlqgate/internal/catalog/postgres"
	"github.com/nlqgate/nlqgate/internal/config"
	jobspostgres "github.com/nlqgate/nlqgate/internal/jobs/postgres"
	"github.com/nlqgate/nlqgate/internal/maintenance"
	"github.com/nlqgate/nlqgate/internal/observability"
	s3store "github.com/nlqgate/nlqgate/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("nlqgate-janitor")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	svc := &maintenance.Service{
		Catalog: catalogpostgres.NewRepository(db),
		Queue:   jobspostgres.NewQueue(db),
		Config:  cfg.Maintenance,
		Results: cfg.Results,
		Logger:  logger,
	}
	if cfg.Results.Enabled {
		store, err := s3store.New(context.Background(), cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		svc.ObjectStore = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.ServeMetrics(ctx, cfg.Observability.MetricsAddress, logger)
	logger.Info("janitor started", slog.Duration("interval", cfg.Maintenance.Interval))
	if err := svc.Run(ctx); err != nil {
		logger.Error("janitor failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("janitor stopped")
}
