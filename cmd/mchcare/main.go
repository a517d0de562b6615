package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/blobstore"
	"github.com/dukerupert/mchcare/internal/config"
	"github.com/dukerupert/mchcare/internal/database"
	"github.com/dukerupert/mchcare/internal/dump"
	"github.com/dukerupert/mchcare/internal/logging"
	"github.com/dukerupert/mchcare/internal/store"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "mchcare",
		Short:         "Maternal and child health records server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional file with configuration defaults")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(vapidKeysCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	logger *slog.Logger
}

func setup() (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{cfg: cfg, db: db, logger: logger}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// newManager builds the backup manager. A storage driver that fails to
// initialize leaves the manager unconfigured rather than stopping the
// process, so the rest of the API keeps working.
func (a *app) newManager(ctx context.Context, events *store.Events) *backup.Manager {
	var dumper dump.Dumper = dump.NewNativeDumper(a.db)
	if a.cfg.DumpTool == config.DumpToolSQLite3 {
		tool := dump.NewToolDumper(a.cfg.SQLite3Path, a.cfg.DBPath)
		if err := tool.Available(); err != nil {
			a.logger.Warn("dump tool unavailable; backups will fail until it is installed", "error", err)
		}
		dumper = tool
	}

	deps := backup.Deps{
		Backups:  store.NewBackupStore(a.db),
		Restores: store.NewRestoreStore(a.db),
		Dumper:   dumper,
		Importer: dump.NewTxImporter(a.db),
		Events:   events,
		Logger:   a.logger,
	}
	blobs, err := blobstore.Open(ctx, a.cfg.Storage())
	if err != nil {
		a.logger.Error("backup storage not configured", "driver", a.cfg.StorageDriver, "error", err)
	} else {
		deps.Blobs = blobs
	}
	return backup.NewManager(a.cfg.Backup(), deps)
}
