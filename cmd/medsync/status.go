package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dosekeeper/medsync"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's medications and sync state",
	Long: `Display each medication with today's status (taken, skipped or
pending), followed by local store statistics.

Example:
  medsync status
  medsync status --health
  medsync status -o json`,
	RunE: runStatus,
}

var statusHealth bool

func init() {
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Include a server health check")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	DeviceID    string                     `json:"device_id"`
	Profile     string                     `json:"profile"`
	Today       []medsync.MedicationStatus `json:"today"`
	Stats       *medsync.StoreStats        `json:"stats"`
	Health      *medsync.HealthStatus      `json:"health,omitempty"`
	Diagnostics []medsync.Diagnostic       `json:"diagnostics,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		stats, err := s.client.Stats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		report := statusReport{
			DeviceID: s.client.DeviceID(),
			Profile:  s.client.Config().Profile,
			Today:    s.client.Today(),
			Stats:    stats,
		}
		if statusHealth {
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			health := s.client.HealthCheck(hctx)
			report.Health = &health
		}
		for _, d := range s.client.Diagnostics() {
			if !d.Accepted {
				report.Diagnostics = append(report.Diagnostics, d)
			}
		}

		return output(cmd, report, func(w io.Writer) error {
			fmt.Fprintln(w, renderMarkdown(statusMarkdown(report)))
			return nil
		})
	})
}

// statusMarkdown renders the report as a markdown document.
func statusMarkdown(r statusReport) string {
	var sb strings.Builder
	sb.WriteString("## Today\n\n")
	if len(r.Today) == 0 {
		sb.WriteString("No medications. Add one with `medsync meds add`.\n")
	} else {
		sb.WriteString("| Medication | Dosage | Scheduled | Status | Last dose |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for _, ms := range r.Today {
			last := "-"
			if ms.Latest != nil {
				last = ms.Latest.TakenAt.Local().Format("Jan 2 15:04")
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
				ms.Medication.Name, dash(ms.Medication.Dosage), dash(ms.Medication.ScheduledTime), ms.Status, last)
		}
	}

	sb.WriteString("\n## Sync\n\n")
	fmt.Fprintf(&sb, "- **Profile:** %s\n", r.Profile)
	fmt.Fprintf(&sb, "- **Device:** %s\n", r.DeviceID)
	fmt.Fprintf(&sb, "- **Mirror:** %d medications, %d logs\n", r.Stats.Medications, r.Stats.Logs)
	if r.Stats.DirtyLogs > 0 {
		fmt.Fprintf(&sb, "- **Unsynced logs:** %d\n", r.Stats.DirtyLogs)
	}
	if r.Stats.LastRefresh.IsZero() {
		sb.WriteString("- **Last refresh:** never\n")
	} else {
		fmt.Fprintf(&sb, "- **Last refresh:** %s (%s ago)\n",
			r.Stats.LastRefresh.Format(time.RFC3339), time.Since(r.Stats.LastRefresh).Round(time.Minute))
	}

	if h := r.Health; h != nil {
		state := "healthy"
		if !h.Healthy {
			state = "unhealthy"
		}
		sb.WriteString("\n## Health\n\n")
		fmt.Fprintf(&sb, "- **Status:** %s\n", state)
		fmt.Fprintf(&sb, "- **Store OK:** %v\n", h.StoreOK)
		fmt.Fprintf(&sb, "- **Server reachable:** %v\n", h.ServerReachable)
		if h.Error != "" {
			fmt.Fprintf(&sb, "- **Error:** %s\n", h.Error)
		}
	}

	if len(r.Diagnostics) > 0 {
		sb.WriteString("\n## Rejected mirror changes\n\n")
		for _, d := range r.Diagnostics {
			fmt.Fprintf(&sb, "- %s %s/%s: %s\n", d.At.Format(time.RFC3339), d.Table, d.Origin, d.Reason)
		}
	}
	return sb.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
