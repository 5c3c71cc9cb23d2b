package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show this install's device identity",
	Long: `Print the device ID stamped on every write from this install,
along with the profile and database it belongs to. The ID is created on
first use and survives purges and logouts.`,
	Args: cobra.NoArgs,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
}

type deviceInfo struct {
	DeviceID string `json:"device_id"`
	Profile  string `json:"profile"`
	Database string `json:"database"`
	Server   string `json:"server,omitempty"`
}

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id, err := readDeviceID(cfg.LocalPath)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	info := deviceInfo{DeviceID: id, Profile: cfg.Profile, Database: cfg.LocalPath}
	if !cfg.IsOffline() {
		info.Server = cfg.ServerURL
	}
	return output(cmd, info, func(w io.Writer) error {
		printField(w, "Device", info.DeviceID)
		printField(w, "Profile", info.Profile)
		printField(w, "Database", info.Database)
		if info.Server != "" {
			printField(w, "Server", info.Server)
		}
		return nil
	})
}
