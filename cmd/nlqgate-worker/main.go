package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/nlqgate/nlqgate/internal/catalog/postgres"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/introspect"
	"github.com/nlqgate/nlqgate/internal/jobs"
	jobspostgres "github.com/nlqgate/nlqgate/internal/jobs/postgres"
	"github.com/nlqgate/nlqgate/internal/observability"
	"github.com/nlqgate/nlqgate/internal/query"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
	s3store "github.com/nlqgate/nlqgate/internal/storage/s3"
	"github.com/nlqgate/nlqgate/internal/vault"
	"github.com/nlqgate/nlqgate/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("nlqgate-worker")
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

	secrets, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		logger.Error("failed to initialize vault", slog.Any("error", err))
		os.Exit(1)
	}

	var sink query.ResultSink
	if cfg.Results.Enabled {
		store, err := s3store.New(context.Background(), cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		sink = query.NewParquetSink(store)
	}

	repo := catalogpostgres.NewRepository(db)
	validator := sqlguard.New(sqlguard.FunctionPolicy{
		Unknown: sqlguard.UnknownFunctionMode(cfg.Policy.UnknownFunctions),
		Allowed: cfg.Policy.AllowedFunctions,
		Denied:  cfg.Policy.DeniedFunctions,
	})
	engine := query.NewEngine(repo, secrets, validator, sink, cfg.Query, cfg.Target, logger)
	introspector := introspect.New(repo, secrets, cfg.Introspection, cfg.Target, logger)

	if cfg.Worker.ConsumerID == "" {
		cfg.Worker.ConsumerID = worker.DefaultConsumerID()
	}
	svc := &worker.Service{
		Queue: jobspostgres.NewQueue(db),
		Handlers: map[jobs.Kind]jobs.Handler{
			jobs.KindExecute:    engine.HandleJob,
			jobs.KindIntrospect: introspector.HandleJob,
		},
		Config: cfg.Worker,
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.ServeMetrics(ctx, cfg.Observability.MetricsAddress, logger)
	logger.Info("worker started", slog.String("consumer_id", cfg.Worker.ConsumerID), slog.Bool("results_enabled", sink != nil))
	if err := svc.Run(ctx); err != nil {
		logger.Error("worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
