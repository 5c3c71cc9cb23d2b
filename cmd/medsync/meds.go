package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dosekeeper/medsync"
	"github.com/spf13/cobra"
)

var medsCmd = &cobra.Command{
	Use:     "meds",
	Aliases: []string{"med", "medications"},
	Short:   "Manage medications",
	Long: `List, add, edit and remove medications.

A medication can be referred to by its ID or by its name.`,
}

var medsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List medications",
	Example: `  medsync meds list
  medsync meds list -o yaml`,
	Args: cobra.NoArgs,
	RunE: runMedsList,
}

var medsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a medication",
	Example: `  medsync meds add Metformin --dosage 500mg --at 08:00
  medsync meds add "Vitamin D" --accent amber`,
	Args: cobra.ExactArgs(1),
	RunE: runMedsAdd,
}

var medsEditCmd = &cobra.Command{
	Use:     "edit <medication>",
	Short:   "Edit a medication",
	Example: `  medsync meds edit Metformin --dosage 850mg`,
	Args:    cobra.ExactArgs(1),
	RunE:    runMedsEdit,
}

var medsRmCmd = &cobra.Command{
	Use:     "rm <medication>",
	Aliases: []string{"delete"},
	Short:   "Remove a medication",
	Args:    cobra.ExactArgs(1),
	RunE:    runMedsRm,
}

var (
	medDosage    string
	medScheduled string
	medAccent    string
	medName      string
)

func init() {
	for _, c := range []*cobra.Command{medsAddCmd, medsEditCmd} {
		c.Flags().StringVar(&medDosage, "dosage", "", "Dosage, e.g. 500mg")
		c.Flags().StringVar(&medScheduled, "at", "", "Scheduled time of day (HH:MM)")
		c.Flags().StringVar(&medAccent, "accent", "", "Display accent color")
	}
	medsEditCmd.Flags().StringVar(&medName, "name", "", "New name")

	medsCmd.AddCommand(medsListCmd, medsAddCmd, medsEditCmd, medsRmCmd)
	rootCmd.AddCommand(medsCmd)
}

func runMedsList(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		today := s.client.Today()
		return output(cmd, today, func(w io.Writer) error {
			if len(today) == 0 {
				printMuted(w, "No medications.")
				return nil
			}
			for _, ms := range today {
				m := ms.Medication
				fmt.Fprintf(w, "%-14s %s  %s\n", statusBadge(ms.Status), m.Name, mutedID(m.ID))
				if m.Dosage != "" || m.ScheduledTime != "" {
					printMuted(w, "               %s %s", m.Dosage, m.ScheduledTime)
				}
			}
			return nil
		})
	})
}

func runMedsAdd(cmd *cobra.Command, args []string) error {
	if err := validateScheduled(medScheduled); err != nil {
		return err
	}
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		pending, err := s.client.AddMedication(ctx, medsync.Medication{
			Name:          args[0],
			Dosage:        medDosage,
			ScheduledTime: medScheduled,
			Accent:        medAccent,
		})
		if err != nil {
			return fmt.Errorf("add medication: %w", err)
		}
		med, err := settle(ctx, cmd, pending, "Saving medication")
		if err != nil {
			return fmt.Errorf("add medication: %w", err)
		}
		return output(cmd, med, func(w io.Writer) error {
			printSuccess(w, "Added %s %s", med.Name, mutedID(med.ID))
			return nil
		})
	})
}

func runMedsEdit(cmd *cobra.Command, args []string) error {
	if err := validateScheduled(medScheduled); err != nil {
		return err
	}
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		med, err := findMedication(s.client, args[0])
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("name") {
			med.Name = medName
		}
		if flags.Changed("dosage") {
			med.Dosage = medDosage
		}
		if flags.Changed("at") {
			med.ScheduledTime = medScheduled
		}
		if flags.Changed("accent") {
			med.Accent = medAccent
		}

		pending, err := s.client.UpdateMedication(ctx, med)
		if err != nil {
			return fmt.Errorf("edit medication: %w", err)
		}
		med, err = settle(ctx, cmd, pending, "Saving medication")
		if err != nil {
			return fmt.Errorf("edit medication: %w", err)
		}
		return output(cmd, med, func(w io.Writer) error {
			printSuccess(w, "Updated %s", med.Name)
			return nil
		})
	})
}

func runMedsRm(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		med, err := findMedication(s.client, args[0])
		if err != nil {
			return err
		}
		pending, err := s.client.DeleteMedication(ctx, med.ID)
		if err != nil {
			return fmt.Errorf("remove medication: %w", err)
		}
		if _, err := settle(ctx, cmd, pending, "Removing medication"); err != nil {
			return fmt.Errorf("remove medication: %w", err)
		}
		return output(cmd, map[string]string{"removed": med.ID}, func(w io.Writer) error {
			printSuccess(w, "Removed %s", med.Name)
			return nil
		})
	})
}

// findMedication resolves ref as an ID, then as a case-insensitive name.
func findMedication(client *medsync.Client, ref string) (medsync.Medication, error) {
	var byName []medsync.Medication
	for _, m := range client.Medications() {
		if m.ID == ref {
			return m, nil
		}
		if strings.EqualFold(m.Name, ref) {
			byName = append(byName, m)
		}
	}
	switch len(byName) {
	case 0:
		return medsync.Medication{}, fmt.Errorf("medication %q: %w", ref, medsync.ErrNotFound)
	case 1:
		return byName[0], nil
	default:
		return medsync.Medication{}, fmt.Errorf("%d medications are named %q; use the ID", len(byName), ref)
	}
}

func validateScheduled(hhmm string) error {
	if hhmm == "" {
		return nil
	}
	var h, m int
	if n, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil || n != 2 || len(hhmm) != 5 || h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("invalid time %q: want HH:MM", hhmm)
	}
	return nil
}

func mutedID(id string) string {
	if isTTY() {
		return mutedStyle.Render("(" + id + ")")
	}
	return "(" + id + ")"
}

// settle waits for an optimistic write to be acknowledged. A failed write
// has already been rolled back locally by the time it returns.
func settle[T medsync.Row](ctx context.Context, cmd *cobra.Command, p *medsync.Pending[T], message string) (T, error) {
	var row T
	err := runWithSpinner(ctx, cmd.ErrOrStderr(), message, func() error {
		var err error
		row, err = p.Wait(ctx)
		return err
	})
	return row, err
}
