package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	catalogpostgres "github.com/nlqgate/nlqgate/internal/catalog/postgres"
	"github.com/nlqgate/nlqgate/internal/config"
	"github.com/nlqgate/nlqgate/internal/migrations"
	"github.com/nlqgate/nlqgate/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("nlqgate-migrate")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		ApplicationName: cfg.Service.Name,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			logger.Error("migration up failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations applied", slog.Int("count", applied))
	case "down":
		rolledBack, err := runner.Down(ctx, db, *steps)
		if err != nil {
			logger.Error("migration down failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("migrations rolled back", slog.Int("count", rolledBack))
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			logger.Error("migration status failed", slog.Any("error", err))
			os.Exit(1)
		}
		outOfDate := false
		for _, status := range statuses {
			logger.Info("migration",
				slog.Int64("version", status.Version),
				slog.String("name", status.Name),
				slog.Bool("applied", status.Applied),
				slog.Bool("drifted", status.Drifted),
			)
			if !status.Applied || status.Drifted {
				outOfDate = true
			}
		}
		if outOfDate {
			os.Exit(3)
		}
	default:
		logger.Error("invalid direction", slog.String("direction", *direction))
		os.Exit(2)
	}
}
