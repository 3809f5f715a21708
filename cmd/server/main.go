package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/importer"
	"github.com/JonMunkholm/loadergate/internal/loader"
	"github.com/JonMunkholm/loadergate/internal/logging"
	"github.com/JonMunkholm/loadergate/internal/protect"
	"github.com/JonMunkholm/loadergate/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_max_concurrent", cfg.Import.MaxConcurrentBatches,
		"import_workers", cfg.Import.Workers,
		"archive_override", cfg.Approval.AllowArchiveOverride,
	)

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, database.Up); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	protector, err := protect.NewFromBase64(cfg.Protect.MasterKey)
	if err != nil {
		slog.Error("failed to load master key", "error", err)
		os.Exit(1)
	}

	engine := loader.NewEngine(loader.NewPgTransactor(pool, protector), loader.OptionsFromConfig(cfg.Approval))

	limiter := importer.NewBatchLimiter(cfg.Import.MaxConcurrentBatches, cfg.Import.MaxWaitTime)
	imports := importer.NewOrchestrator(
		importer.EngineService{Engine: engine},
		importer.NewPgAuditStore(pool),
		limiter,
		importer.OptionsFromConfig(cfg.Import),
	)

	server := web.NewServer(engine, imports, pool, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let running imports finish so their audit records are written.
		if status := limiter.Status(); status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
