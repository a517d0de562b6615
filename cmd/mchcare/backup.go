package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and delete cloud backups",
	}

	// backup create
	var modules []string
	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Back up the selected modules and wait for the upload",
		Example: "  mchcare backup create --module patient_records --module prenatal_monitoring\n" +
			"  mchcare backup create --all --name before-upgrade",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all, _ := cmd.Flags().GetBool("all"); all {
				modules = model.AllModules
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := a.newManager(cmd.Context(), store.NewEvents())
			if !mgr.Configured() {
				return backup.ErrNotConfigured
			}
			b, err := mgr.Backup(cmd.Context(), backup.BackupRequest{Modules: modules, Name: name})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup %d completed: %s (%s, sha256 %s)\n",
				b.ID, b.ObjectKey, formatBytes(b.SizeBytes), b.SHA256)
			return nil
		},
	}
	createCmd.Flags().StringSliceVar(&modules, "module", nil, "module to include (repeatable): "+strings.Join(model.AllModules, ", "))
	createCmd.Flags().Bool("all", false, "include every module")
	createCmd.Flags().StringVar(&name, "name", "", "backup name (default: generated from the time)")
	cmd.AddCommand(createCmd)

	// backup list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := a.newManager(cmd.Context(), store.NewEvents())
			ov, err := mgr.Overview(limit)
			if err != nil {
				return err
			}
			printBackups(cmd.OutOrStdout(), ov)
			return nil
		},
	}
	listCmd.Flags().Int("limit", 20, "number of backups to show")
	cmd.AddCommand(listCmd)

	// backup delete
	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a backup and its stored artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := a.newManager(cmd.Context(), store.NewEvents())
			if err := mgr.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup %d deleted.\n", id)
			return nil
		},
	}
	cmd.AddCommand(deleteCmd)

	return cmd
}

func restoreCmd() *cobra.Command {
	var opts backup.RestoreOptions
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Replace the data of a backup's modules with its contents",
		Long: "Restore downloads a completed backup and replaces every table of its\n" +
			"modules in a single transaction. Stop the server first; the restore\n" +
			"takes the database for its whole duration.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !opts.Confirm {
				return fmt.Errorf("%w: pass --confirm", backup.ErrConfirmationRequired)
			}
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := a.newManager(cmd.Context(), store.NewEvents())
			mgr.SetCallback(func(e backup.Event) {
				if e.Kind == backup.KindRestore && e.Step != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s...\n", e.Step)
				}
			})
			op, err := mgr.Restore(cmd.Context(), id, opts, nil)
			if errors.Is(err, backup.ErrRestoreInProgress) {
				return fmt.Errorf("%w (a server may be running a restore)", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restore %d of backup %d completed.\n", op.ID, id)
			if op.SafetyBackupID != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Safety backup: %d\n", *op.SafetyBackupID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Confirm, "confirm", false, "confirm that current data will be replaced")
	cmd.Flags().BoolVar(&opts.CreateBackupFirst, "safety-backup", false, "take a full backup before restoring")
	cmd.Flags().BoolVar(&opts.VerifyIntegrity, "verify", false, "check size and checksum of the downloaded artifact")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printBackups(w io.Writer, ov *backup.Overview) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tMODULES\tSTATUS\tSIZE\tCREATED")
	for _, b := range ov.Backups {
		status := string(b.Status)
		if b.ErrorMessage != "" {
			status += ": " + b.ErrorMessage
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.Name, strings.Join(b.Modules, ","),
			status, formatBytes(b.SizeBytes), b.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()

	last := "never"
	if ov.Stats.LastBackup != nil {
		last = ov.Stats.LastBackup.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "\n%d backups, %d successful, %s stored, last successful %s\n",
		ov.Stats.TotalBackups, ov.Stats.SuccessfulBackups, formatBytes(ov.Stats.StorageUsed), last)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
