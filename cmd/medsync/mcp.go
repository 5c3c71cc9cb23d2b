package main

import (
	"context"

	medsyncmcp "github.com/dosekeeper/medsync/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

The server keeps a live client for its lifetime, subscribed to the change
feed, so tools always see the current mirror.

Configuration for an MCP host:

  {
    "mcpServers": {
      "medsync": {
        "command": "medsync",
        "args": ["mcp"],
        "env": {
          "MEDSYNC_SERVER_URL": "https://sync.example.com",
          "MEDSYNC_API_KEY": "...",
          "MEDSYNC_OWNER_ID": "..."
        }
      }
    }
  }

Environment variables:
  MEDSYNC_PROFILE     Profile name (default: default)
  MEDSYNC_DB_PATH     Path to local mirror database
  MEDSYNC_SERVER_URL  Server URL (optional, enables sync)
  MEDSYNC_API_KEY     API key (required if MEDSYNC_SERVER_URL set)
  MEDSYNC_OWNER_ID    Owner ID (required if MEDSYNC_SERVER_URL set)
  MEDSYNC_DEBUG_LOG   Log file; stdout is reserved for the protocol`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	return withSession(cmd, openOptions{feed: true}, func(ctx context.Context, s *session) error {
		return medsyncmcp.NewServer(s.client).Run()
	})
}
