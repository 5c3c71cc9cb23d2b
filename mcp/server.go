// Package mcp exposes a medsync client as MCP (Model Context Protocol)
// tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dosekeeper/medsync"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with medsync tools.
type Server struct {
	client    *medsync.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with medsync tools registered.
func NewServer(client *medsync.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"medsync",
		medsync.Version,
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "medsync_status", Description: "Show today's medications with their taken/pending status and sync health"},
		{Name: "medsync_list_medications", Description: "List mirrored medications with their most recent dose"},
		{Name: "medsync_record_dose", Description: "Record a dose for a medication"},
		{Name: "medsync_force_sync", Description: "Reload every table from the server"},
	}
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "medsync_status":
		return s.handleStatus(ctx, args)
	case "medsync_list_medications":
		return s.handleListMedications(ctx, args)
	case "medsync_record_dose":
		return s.handleRecordDose(ctx, args)
	case "medsync_force_sync":
		return s.handleForceSync(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("medsync_status",
		mcp.WithDescription("Show today's medications with their taken/pending status, plus feed state and store statistics."),
	), s.wrap("medsync_status"))

	s.mcpServer.AddTool(mcp.NewTool("medsync_list_medications",
		mcp.WithDescription("List mirrored medications with their most recent dose. Read-only; served from the local mirror."),
		mcp.WithString("name",
			mcp.Description("Filter by case-insensitive name substring"),
		),
	), s.wrap("medsync_list_medications"))

	s.mcpServer.AddTool(mcp.NewTool("medsync_record_dose",
		mcp.WithDescription("Record a dose for a medication. The dose appears locally at once and is rolled back if the server rejects it."),
		mcp.WithString("medication_id",
			mcp.Description("ID of the medication taken"),
			mcp.Required(),
		),
		mcp.WithString("taken_at",
			mcp.Description("RFC3339 time the dose was taken (default: now)"),
		),
		mcp.WithString("status",
			mcp.Description("Dose status: taken or skipped (default: taken)"),
		),
	), s.wrap("medsync_record_dose"))

	s.mcpServer.AddTool(mcp.NewTool("medsync_force_sync",
		mcp.WithDescription("Reload medications, logs and settings from the server. Requires MEDSYNC_SERVER_URL to be configured."),
	), s.wrap("medsync_force_sync"))
}

func (s *Server) wrap(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.CallTool(ctx, name, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

// Internal handlers

func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	today := s.client.Today()

	var sb strings.Builder
	if len(today) == 0 {
		sb.WriteString("No medications.\n")
	}
	for _, ms := range today {
		sb.WriteString(fmt.Sprintf("[%s] %s", ms.Status, ms.Medication.Name))
		if ms.Medication.Dosage != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", ms.Medication.Dosage))
		}
		if ms.Medication.ScheduledTime != "" {
			sb.WriteString(fmt.Sprintf(" at %s", ms.Medication.ScheduledTime))
		}
		sb.WriteString("\n")
	}

	health := s.client.HealthCheck(ctx)
	sb.WriteString(fmt.Sprintf("\nFeed: %s\n", health.Feed))
	if stats, err := s.client.Stats(); err == nil {
		sb.WriteString(fmt.Sprintf("Mirror: %d medications, %d logs (%d unsynced)\n", stats.Medications, stats.Logs, stats.DirtyLogs))
		if !stats.LastRefresh.IsZero() {
			sb.WriteString(fmt.Sprintf("Last refresh: %s\n", stats.LastRefresh.Format(time.RFC3339)))
		}
	}
	if health.Error != "" {
		sb.WriteString(fmt.Sprintf("Warning: %s\n", health.Error))
	}

	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleListMedications(_ context.Context, args map[string]any) (*ToolResult, error) {
	filter, _ := args["name"].(string)
	filter = strings.ToLower(filter)

	var sb strings.Builder
	count := 0
	for _, m := range s.client.Medications() {
		if filter != "" && !strings.Contains(strings.ToLower(m.Name), filter) {
			continue
		}
		count++
		sb.WriteString(fmt.Sprintf("%s  %s", m.ID, m.Name))
		if m.Dosage != "" {
			sb.WriteString(fmt.Sprintf(" %s", m.Dosage))
		}
		if l, ok := s.client.Latest(m.ID); ok {
			sb.WriteString(fmt.Sprintf("\n    last: %s %s", l.Status, l.TakenAt.Format(time.RFC3339)))
		}
		sb.WriteString("\n")
	}

	if count == 0 {
		return &ToolResult{Content: "No medications found."}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Found %d medications:\n\n%s", count, sb.String())}, nil
}

func (s *Server) handleRecordDose(ctx context.Context, args map[string]any) (*ToolResult, error) {
	medID, ok := args["medication_id"].(string)
	if !ok || medID == "" {
		return &ToolResult{Content: "medication_id is required", IsError: true}, nil
	}

	params := medsync.RecordDoseParams{MedicationID: medID}
	if at, ok := args["taken_at"].(string); ok && at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid taken_at: %v", err), IsError: true}, nil
		}
		params.TakenAt = t
		params.TimeSource = medsync.TimeSourceManual
	}
	if status, ok := args["status"].(string); ok && status != "" {
		params.Status = medsync.LogStatus(status)
		if params.Status != medsync.LogStatusTaken && params.Status != medsync.LogStatusSkipped {
			return &ToolResult{Content: fmt.Sprintf("invalid status: %s", status), IsError: true}, nil
		}
	}

	pending, err := s.client.RecordDose(ctx, params)
	if err != nil {
		if errors.Is(err, medsync.ErrNotFound) {
			return &ToolResult{Content: fmt.Sprintf("unknown medication: %s", medID), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("record failed: %v", err), IsError: true}, nil
	}

	l, err := pending.Wait(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("record failed, dose rolled back: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Recorded dose [%s]:\n  Medication: %s\n  Status: %s\n  Taken at: %s",
		l.ID, l.MedicationID, l.Status, l.TakenAt.Format(time.RFC3339))}, nil
}

func (s *Server) handleForceSync(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	if err := s.client.ForceSync(ctx); err != nil {
		return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Sync completed: %d medications, %d logs",
		len(s.client.Medications()), len(s.client.Logs()))}, nil
}
