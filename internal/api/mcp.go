package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   TimelineStore
	Capture CaptureController
}

// NewMCPServer creates an MCP server exposing the activity timeline and
// capture controls to AI assistants over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"retrace",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("retrace — local screen activity timeline. Query what the user was doing and control capture."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_timeline",
			mcp.WithDescription("Return activity cards for a time range. Times are RFC3339; both default to the last 24 hours."),
			mcp.WithString("from", mcp.Description("Range start (RFC3339)")),
			mcp.WithString("to", mcp.Description("Range end (RFC3339)")),
		),
		mcpGetTimeline(deps),
	)

	s.AddTool(
		mcp.NewTool("capture_status",
			mcp.WithDescription("Return the current capture state."),
		),
		mcpCaptureStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("pause_capture",
			mcp.WithDescription("Pause screen capture. Stays paused until resume_capture; system wake will not restart it."),
		),
		mcpPauseCapture(deps),
	)

	s.AddTool(
		mcp.NewTool("resume_capture",
			mcp.WithDescription("Resume a paused screen capture."),
		),
		mcpResumeCapture(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"retrace://timeline/recent",
			"Recent Timeline",
			mcp.WithResourceDescription("Activity cards from the last 24 hours as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentTimeline(deps),
	)

	return s
}

func mcpGetTimeline(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		now := time.Now()
		from, to := now.Add(-24*time.Hour), now

		if v := req.GetString("from", ""); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid from: %v", err)), nil
			}
			from = t
		}
		if v := req.GetString("to", ""); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid to: %v", err)), nil
			}
			to = t
		}
		if !to.After(from) {
			return mcpError("from must be before to"), nil
		}

		cards, err := deps.Store.CardsInRange(from, to)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load timeline: %v", err)), nil
		}
		return mcpJSON(map[string]any{"from": from, "to": to, "cards": cards})
	}
}

func mcpCaptureStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Capture.Status())
	}
}

func mcpPauseCapture(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Capture.Pause(ctx); err != nil {
			return mcpError(fmt.Sprintf("pause failed: %v", err)), nil
		}
		return mcpText("capture paused"), nil
	}
}

func mcpResumeCapture(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Capture.Resume(ctx); err != nil {
			return mcpError(fmt.Sprintf("resume failed: %v", err)), nil
		}
		return mcpText("capture resumed"), nil
	}
}

func mcpResourceRecentTimeline(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		now := time.Now()
		cards, err := deps.Store.CardsInRange(now.Add(-24*time.Hour), now)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent timeline: %w", err)
		}

		data, err := json.Marshal(map[string]any{"cards": cards})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal timeline: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "retrace://timeline/recent",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(data)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
