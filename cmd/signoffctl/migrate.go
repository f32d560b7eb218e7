package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"signoff/api/db"
	"signoff/api/internal/config"
	"signoff/api/internal/store"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:       "migrate <up|down>",
	Short:     "Apply or roll back database migrations",
	Long:      "Apply every pending migration, or roll back every applied one, newest first.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "", "Read migrations from this directory instead of the embedded set")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()

	var migrations fs.FS
	if migrationsDir != "" {
		migrations = os.DirFS(migrationsDir)
	} else {
		sub, err := fs.Sub(db.Migrations, "migrations")
		if err != nil {
			return err
		}
		migrations = sub
	}

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer sqlDB.Close()

	switch args[0] {
	case "up":
		err = store.ApplyMigrations(ctx, sqlDB, migrations)
	case "down":
		err = store.RollbackMigrations(ctx, sqlDB, migrations)
	default:
		return fmt.Errorf("unknown direction %q, want up or down", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", args[0])
	return nil
}
