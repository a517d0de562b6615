package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/mchcare/internal/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// setup opens the database, which applies migrations.
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := database.Version(a.db)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is at schema version %d.\n", a.cfg.DBPath, v)
			return nil
		},
	}
}
