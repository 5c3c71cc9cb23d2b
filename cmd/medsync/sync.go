package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reload everything from the server",
	Long: `Reload medications, logs and settings from the server and replace
the local mirror with the result. Writes still in flight are kept.

Example:
  medsync sync
  medsync sync -o json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

type syncResult struct {
	Medications int           `json:"medications"`
	Logs        int           `json:"logs"`
	Took        time.Duration `json:"took_ns"`
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return fmt.Errorf("no server configured (set MEDSYNC_SERVER_URL or --server-url)")
	}

	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		start := time.Now()
		err := runWithSpinner(ctx, cmd.ErrOrStderr(), "Synchronizing", func() error {
			return s.client.ForceSync(ctx)
		})
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}

		result := syncResult{
			Medications: len(s.client.Medications()),
			Logs:        len(s.client.Logs()),
			Took:        time.Since(start),
		}
		return output(cmd, result, func(w io.Writer) error {
			printSuccess(w, "Sync complete (took %s)", result.Took.Round(time.Millisecond))
			printField(w, "Medications", result.Medications)
			printField(w, "Logs", result.Logs)
			return nil
		})
	})
}
