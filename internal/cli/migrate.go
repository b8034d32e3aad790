package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/annotator/internal/core/config"
	"github.com/vietddude/annotator/internal/infra/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the sink database and the postgres document store",
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	targets := map[string]postgres.Config{}
	if cfg.Sink.Driver == config.DriverPostgres {
		targets["sink"] = cfg.Sink.Database
	}
	if cfg.Store.Driver == config.DriverPostgres && cfg.Store.Postgres.URL != cfg.Sink.Database.URL {
		targets["store"] = cfg.Store.Postgres
	}
	if len(targets) == 0 {
		fmt.Println("Nothing to migrate: no postgres sink or store configured")
		return
	}

	for name, dbCfg := range targets {
		db, err := postgres.NewDB(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "target", name, "error", err)
			os.Exit(1)
		}
		err = db.Migrate(ctx)
		_ = db.Close()
		if err != nil {
			slog.Error("Migration failed", "target", name, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Migrated %s database\n", name)
	}
}
