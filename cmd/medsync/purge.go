package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dosekeeper/medsync/internal/store"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Clear local state for this profile",
	Long: `Remove every mirrored row and sync marker from the local database.
The device identity is kept. Nothing is deleted on the server; the next
command that talks to the server reloads the mirror.

Requires --confirm. Use --backup to copy the database first.`,
	Example: `  medsync purge --confirm
  medsync purge --confirm --backup ~/mirror-backup.db`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every medication and dose, everywhere",
	Long: `Delete all medications and dose logs for the owner on the server
and on this device. Other devices see the deletions through the change
feed. This cannot be undone.

Requires --confirm. Use --force to skip the interactive prompt.`,
	Args: cobra.NoArgs,
	RunE: runDeleteAll,
}

var (
	purgeConfirm  bool
	purgeBackup   string
	deleteConfirm bool
	deleteForce   bool
)

func init() {
	purgeCmd.Flags().BoolVar(&purgeConfirm, "confirm", false, "Confirm the purge (required)")
	purgeCmd.Flags().StringVar(&purgeBackup, "backup", "", "Copy the database here before purging")
	deleteAllCmd.Flags().BoolVar(&deleteConfirm, "confirm", false, "Confirm deletion (required)")
	deleteAllCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip interactive prompt")

	rootCmd.AddCommand(purgeCmd, deleteAllCmd)
}

type purgeResult struct {
	Database string `json:"database"`
	Backup   string `json:"backup,omitempty"`
	Bytes    int64  `json:"backup_bytes,omitempty"`
}

func runPurge(cmd *cobra.Command, args []string) error {
	if !purgeConfirm {
		return fmt.Errorf("--confirm flag is required for purge\n\nUsage: medsync purge --confirm [--backup <path>]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	result := purgeResult{Database: cfg.LocalPath}

	if purgeBackup != "" {
		backup, err := store.BackupDatabase(cfg.LocalPath, purgeBackup)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if backup.Copied {
			result.Backup, result.Bytes = backup.DestPath, backup.Bytes
		}
	}

	// Purging is local only; never contact the server.
	cfg.OfflineMode = true
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openClient(ctx, cfg, openOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	return output(cmd, result, func(w io.Writer) error {
		if result.Backup != "" {
			printInfo(w, "Backed up %d bytes to %s", result.Bytes, result.Backup)
		}
		printSuccess(w, "Purged local state in %s", result.Database)
		return nil
	})
}

func runDeleteAll(cmd *cobra.Command, args []string) error {
	if !deleteConfirm {
		return fmt.Errorf("--confirm flag is required for delete-all\n\nUsage: medsync delete-all --confirm [--force]")
	}

	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		out := cmd.OutOrStdout()
		meds, logs := len(s.client.Medications()), len(s.client.Logs())

		if !deleteForce {
			printWarning(out, "This will permanently delete %d medications and %d doses on every device.", meds, logs)
			fmt.Fprint(out, "Type 'delete' to confirm: ")

			response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return fmt.Errorf("read confirmation: %w", err)
			}
			if strings.TrimSpace(response) != "delete" {
				printMuted(out, "Aborted.")
				return nil
			}
		}

		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		err := runWithSpinner(ctx, cmd.ErrOrStderr(), "Deleting", func() error {
			return s.client.DeleteAll(ctx)
		})
		if err != nil {
			return err
		}
		return output(cmd, map[string]int{"medications": meds, "logs": logs}, func(w io.Writer) error {
			printSuccess(w, "Deleted %d medications and %d doses", meds, logs)
			return nil
		})
	})
}
