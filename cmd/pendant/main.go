package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/PendantCore/internal/config"
	"github.com/KevinKickass/PendantCore/internal/storage"
	"github.com/KevinKickass/PendantCore/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	flag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Logger initialisieren
	var logger *zap.Logger
	if cfg.Logging.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL ist optional, ohne DB laufen Teaching und Rezepte im Speicher
	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		db, err = storage.NewPostgresClient(ctx, cfg.Database, logger.Named("storage"))
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare database schema", zap.Error(err))
		}
	} else {
		logger.Warn("Database disabled, recipe library and safety audit trail are unavailable")
	}

	lifecycle, err := system.NewLifecycleManager(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatal("Failed to build system", zap.Error(err))
	}

	if err := lifecycle.Start(ctx); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("PendantCore started successfully")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("PendantCore stopped successfully")
}
