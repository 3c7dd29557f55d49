package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlqgate/nlqgate/internal/api"
	catalogpostgres "github.com/nlqgate/nlqgate/internal/catalog/postgres"
	"github.com/nlqgate/nlqgate/internal/config"
	jobspostgres "github.com/nlqgate/nlqgate/internal/jobs/postgres"
	"github.com/nlqgate/nlqgate/internal/nl2sql"
	"github.com/nlqgate/nlqgate/internal/nlq"
	"github.com/nlqgate/nlqgate/internal/observability"
	"github.com/nlqgate/nlqgate/internal/sqlguard"
	"github.com/nlqgate/nlqgate/internal/storage"
	s3store "github.com/nlqgate/nlqgate/internal/storage/s3"
	"github.com/nlqgate/nlqgate/internal/tenancy"
	"github.com/nlqgate/nlqgate/internal/vault"
)

func main() {
	cfg, err := config.LoadFromEnv("nlqgate-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
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
	defer func() { _ = catalogDB.Close() }()

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	secrets, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		logger.Error("failed to initialize vault", slog.Any("error", err))
		os.Exit(1)
	}

	var results storage.ObjectStore
	if cfg.Results.Enabled {
		results, err = s3store.New(context.Background(), cfg.ObjectStore)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var model nl2sql.Model
	if cfg.AI.Enabled {
		model, err = nl2sql.NewOpenAIModel(cfg.AI)
		if err != nil {
			logger.Error("failed to initialize model client", slog.Any("error", err))
			os.Exit(1)
		}
	}

	validator := sqlguard.New(sqlguard.FunctionPolicy{
		Unknown: sqlguard.UnknownFunctionMode(cfg.Policy.UnknownFunctions),
		Allowed: cfg.Policy.AllowedFunctions,
		Denied:  cfg.Policy.DeniedFunctions,
	})
	service := nlq.NewService(catalogRepo, secrets, validator, jobspostgres.NewQueue(catalogDB), nlq.Options{
		Model: model,
		Prompts: nl2sql.PromptContextBuilder{
			MaxContextChars: cfg.AI.MaxContextChars,
			MaxExamples:     cfg.AI.MaxExamples,
		},
		Results: results,
		Query:   cfg.Query,
		Targets: cfg.Target,
		Logger:  logger,
	})

	deps := api.Dependencies{
		Logger:  logger,
		Service: service,
		Readiness: api.CombineReadinessChecks(
			api.CheckCatalogReachable(catalogRepo),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		authenticator, err := tenancy.NewStaticKeyAuthenticator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = tenancy.Middleware(logger, authenticator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address), slog.Bool("model_enabled", model != nil))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
