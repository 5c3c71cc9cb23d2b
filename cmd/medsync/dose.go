package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dosekeeper/medsync"
	"github.com/spf13/cobra"
)

var doseCmd = &cobra.Command{
	Use:     "dose",
	Aliases: []string{"doses"},
	Short:   "Record and review doses",
}

var doseRecordCmd = &cobra.Command{
	Use:   "record <medication>",
	Short: "Record a dose",
	Long: `Record that a medication was taken (or skipped).

The dose shows up in the local mirror immediately. If the server rejects
it, it is rolled back and the command fails.`,
	Example: `  medsync dose record Metformin
  medsync dose record Metformin --at 2026-03-10T08:05:00Z
  medsync dose record Metformin --image pill.jpg
  medsync dose record "Vitamin D" --skipped`,
	Args: cobra.ExactArgs(1),
	RunE: runDoseRecord,
}

var doseListCmd = &cobra.Command{
	Use:   "list [medication]",
	Short: "List recorded doses, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDoseList,
}

var doseRmCmd = &cobra.Command{
	Use:     "rm <log-id>",
	Aliases: []string{"delete"},
	Short:   "Remove a recorded dose",
	Args:    cobra.ExactArgs(1),
	RunE:    runDoseRm,
}

var (
	doseAt      string
	doseSkipped bool
	doseImage   string
	doseLimit   int
)

func init() {
	doseRecordCmd.Flags().StringVar(&doseAt, "at", "", "When the dose was taken (RFC3339, default: now)")
	doseRecordCmd.Flags().BoolVar(&doseSkipped, "skipped", false, "Record the dose as skipped")
	doseRecordCmd.Flags().StringVar(&doseImage, "image", "", "Photo of the dose to upload")
	doseListCmd.Flags().IntVarP(&doseLimit, "limit", "n", 20, "Maximum doses to show (0 for all)")

	doseCmd.AddCommand(doseRecordCmd, doseListCmd, doseRmCmd)
	rootCmd.AddCommand(doseCmd)
}

func runDoseRecord(cmd *cobra.Command, args []string) error {
	params := medsync.RecordDoseParams{Status: medsync.LogStatusTaken}
	if doseSkipped {
		params.Status = medsync.LogStatusSkipped
	}
	if doseAt != "" {
		at, err := time.Parse(time.RFC3339, doseAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		params.TakenAt = at
		params.TimeSource = medsync.TimeSourceManual
	}
	if doseImage != "" {
		data, err := os.ReadFile(doseImage)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		params.Image = data
		params.ImageExt = filepath.Ext(doseImage)
	}

	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		med, err := findMedication(s.client, args[0])
		if err != nil {
			return err
		}
		params.MedicationID = med.ID

		pending, err := s.client.RecordDose(ctx, params)
		if err != nil {
			return fmt.Errorf("record dose: %w", err)
		}
		l, err := settle(ctx, cmd, pending, "Recording dose")
		if err != nil {
			return fmt.Errorf("record dose (rolled back): %w", err)
		}
		return output(cmd, l, func(w io.Writer) error {
			printSuccess(w, "%s %s at %s %s", med.Name, l.Status, l.TakenAt.Local().Format("15:04"), mutedID(l.ID))
			if l.ImagePath != "" {
				printMuted(w, "  image: %s", l.ImagePath)
			}
			return nil
		})
	})
}

func runDoseList(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		names := map[string]string{}
		for _, m := range s.client.Medications() {
			names[m.ID] = m.Name
		}

		logs := s.client.Logs()
		if len(args) == 1 {
			med, err := findMedication(s.client, args[0])
			if err != nil {
				return err
			}
			logs = s.client.LogsFor(med.ID)
		}
		if doseLimit > 0 && len(logs) > doseLimit {
			logs = logs[:doseLimit]
		}

		return output(cmd, logs, func(w io.Writer) error {
			if len(logs) == 0 {
				printMuted(w, "No doses recorded.")
				return nil
			}
			for _, l := range logs {
				name := names[l.MedicationID]
				if name == "" {
					name = l.MedicationID
				}
				line := fmt.Sprintf("%s  %-8s %s", l.TakenAt.Local().Format("2006-01-02 15:04"), l.Status, name)
				if l.SyncState != "" && l.SyncState != medsync.SyncStateClean {
					line += " [" + string(l.SyncState) + "]"
				}
				fmt.Fprintf(w, "%s %s\n", line, mutedID(l.ID))
			}
			return nil
		})
	})
}

func runDoseRm(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		pending, err := s.client.DeleteLog(ctx, args[0])
		if err != nil {
			return fmt.Errorf("remove dose: %w", err)
		}
		if _, err := settle(ctx, cmd, pending, "Removing dose"); err != nil {
			return fmt.Errorf("remove dose: %w", err)
		}
		return output(cmd, map[string]string{"removed": args[0]}, func(w io.Writer) error {
			printSuccess(w, "Removed dose %s", args[0])
			return nil
		})
	})
}
