// Command loaderctl runs migrations, bulk imports and exports against the
// loader database without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/loadergate/internal/config"
	"github.com/JonMunkholm/loadergate/internal/database"
	"github.com/JonMunkholm/loadergate/internal/importer"
	"github.com/JonMunkholm/loadergate/internal/loader"
	"github.com/JonMunkholm/loadergate/internal/logging"
	"github.com/JonMunkholm/loadergate/internal/protect"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:           "loaderctl",
		Short:         "Administer loader configurations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Overload()

			loaded, err := config.Load()
			if err != nil {
				return err
			}
			logging.Setup(loaded.Logging.Level, loaded.Logging.Format)
			*cfg = *loaded
			return nil
		},
	}
	cfg = &config.Config{}

	cmd.AddCommand(newMigrateCmd(cfg))
	cmd.AddCommand(newImportCmd(cfg))
	cmd.AddCommand(newExportCmd(cfg))
	return cmd
}

// app is the engine and importer wired to PostgreSQL.
type app struct {
	pool    *pgxpool.Pool
	engine  *loader.Engine
	imports *importer.Orchestrator
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	protector, err := protect.NewFromBase64(cfg.Protect.MasterKey)
	if err != nil {
		pool.Close()
		return nil, err
	}

	engine := loader.NewEngine(loader.NewPgTransactor(pool, protector), loader.OptionsFromConfig(cfg.Approval))
	imports := importer.NewOrchestrator(
		importer.EngineService{Engine: engine},
		importer.NewPgAuditStore(pool),
		nil, // one batch per process
		importer.OptionsFromConfig(cfg.Import),
	)
	return &app{pool: pool, engine: engine, imports: imports}, nil
}

func (a *app) Close() {
	a.pool.Close()
}
