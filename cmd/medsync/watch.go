package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dosekeeper/medsync"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream changes from other devices",
	Long: `Subscribe to the change feed and print every event as it is
reconciled into the local mirror. Runs until interrupted.

Example:
  medsync watch
  medsync watch -o json`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

type watchLine struct {
	At      time.Time     `json:"at"`
	Table   medsync.Table `json:"table"`
	Event   medsync.Op    `json:"event"`
	Device  string        `json:"device,omitempty"`
	Outcome string        `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return fmt.Errorf("no server configured (set MEDSYNC_SERVER_URL or --server-url)")
	}

	return withSession(cmd, openOptions{feed: true}, func(ctx context.Context, s *session) error {
		var mu sync.Mutex
		w := cmd.OutOrStdout()
		s.client.OnEvent(func(ev medsync.ChangeEvent, outcome medsync.Outcome, err error) {
			line := watchLine{
				At:      time.Now(),
				Table:   ev.Table,
				Event:   ev.EventType,
				Device:  ev.DeviceID,
				Outcome: string(outcome),
			}
			if err != nil {
				line.Error = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			_ = output(cmd, line, func(w io.Writer) error {
				printWatchLine(w, line)
				return nil
			})
		})

		printInfo(w, "Watching %s as device %s (Ctrl-C to stop)", cfg.OwnerID, s.client.DeviceID())
		<-ctx.Done()
		return nil
	})
}

func printWatchLine(w io.Writer, l watchLine) {
	msg := fmt.Sprintf("%s %-6s %-20s %s", l.At.Format("15:04:05"), l.Event, l.Table, l.Outcome)
	if l.Device != "" {
		msg += " from " + l.Device
	}
	switch {
	case l.Error != "":
		printWarning(w, "%s: %s", msg, l.Error)
	case l.Outcome == string(medsync.OutcomeApplied):
		printSuccess(w, "%s", msg)
	default:
		printMuted(w, "  %s", msg)
	}
}
