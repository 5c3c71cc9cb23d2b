package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change user settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Set one or more settings",
	Long: `Set settings fields. Values are parsed as YAML scalars, so numbers
and booleans keep their type. Other fields are left as they are.`,
	Example: `  medsync settings set reminders=true reminder_lead_minutes=15
  medsync settings set theme=dark`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSettingsSet,
}

var settingsUnsetCmd = &cobra.Command{
	Use:   "unset <key>...",
	Short: "Remove settings fields",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSettingsUnset,
}

func init() {
	settingsCmd.AddCommand(settingsSetCmd, settingsUnsetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		fields := map[string]any{}
		if st := s.client.Settings(); st != nil && st.Settings != nil {
			fields = st.Settings
		}
		return output(cmd, fields, func(w io.Writer) error {
			return printSettings(w, fields)
		})
	})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	patch, err := parseAssignments(args)
	if err != nil {
		return err
	}
	return applySettings(cmd, patch)
}

func runSettingsUnset(cmd *cobra.Command, args []string) error {
	patch := make(map[string]any, len(args))
	for _, k := range args {
		patch[k] = nil
	}
	return applySettings(cmd, patch)
}

func applySettings(cmd *cobra.Command, patch map[string]any) error {
	return withSession(cmd, openOptions{}, func(ctx context.Context, s *session) error {
		pending, err := s.client.UpdateSettings(ctx, patch)
		if err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		st, err := settle(ctx, cmd, pending, "Saving settings")
		if err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		return output(cmd, st.Settings, func(w io.Writer) error {
			printSuccess(w, "Settings saved")
			return printSettings(w, st.Settings)
		})
	})
}

// parseAssignments parses key=value pairs, decoding each value as a YAML
// scalar.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", arg)
		}
		var value any
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		patch[k] = value
	}
	return patch, nil
}

func printSettings(w io.Writer, fields map[string]any) error {
	if len(fields) == 0 {
		printMuted(w, "No settings.")
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		printField(w, k, fields[k])
	}
	return nil
}
