package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dethbird/journal-sub000/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store Store
}

// NewMCPServer exposes the journal read-only: recent events, a single event
// with its enrichments, and per-provider sync status.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"journal",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("journal: a personal activity log synchronized from connected providers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_events",
			mcp.WithDescription("List journal events, newest first."),
			mcp.WithString("provider", mcp.Description("Only events from this provider (e.g. github, spotify)")),
			mcp.WithString("event_type", mcp.Description("Only events of this type (e.g. PushEvent, track_played)")),
			mcp.WithString("since", mcp.Description("RFC 3339 timestamp; only events that occurred at or after it")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of events (default 20)")),
		),
		mcpListEvents(deps),
	)

	s.AddTool(
		mcp.NewTool("get_event",
			mcp.WithDescription("Get one event with all of its enrichments."),
			mcp.WithString("id", mcp.Description("Event id"), mcp.Required()),
		),
		mcpGetEvent(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Show the most recent sync run of each provider and its cursor."),
		),
		mcpSyncStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"journal://cursors",
			"Sync Cursors",
			mcp.WithResourceDescription("Stored resume cursor of every provider and account"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCursors(deps),
	)

	return s
}

func mcpListEvents(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		f := storage.EventFilter{
			Provider:  req.GetString("provider", ""),
			EventType: req.GetString("event_type", ""),
			Limit:     limit,
		}
		if s := req.GetString("since", ""); s != "" {
			since, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return mcpError(fmt.Sprintf("since must be RFC 3339: %v", err)), nil
			}
			f.Since = since
		}

		events, err := deps.Store.ListEvents(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list events: %v", err)), nil
		}
		views := make([]eventView, len(events))
		for i, e := range events {
			views[i] = newEventView(e)
		}
		return mcpJSON(views)
	}
}

func mcpGetEvent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		view, err := loadEvent(ctx, deps.Store, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("event %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get event: %v", err)), nil
		}
		return mcpJSON(view)
	}
}

type providerStatus struct {
	Provider string      `json:"provider"`
	LastRun  *runView    `json:"last_run,omitempty"`
	Cursors  []cursorRef `json:"cursors,omitempty"`
}

type cursorRef struct {
	AccountID string `json:"account_id,omitempty"`
	Value     string `json:"value"`
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runs, err := deps.Store.ListSyncRuns(ctx, "", 200)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}
		cursors, err := deps.Store.ListCursors(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list cursors: %v", err)), nil
		}

		byProvider := make(map[string]*providerStatus)
		var order []string
		status := func(name string) *providerStatus {
			ps, ok := byProvider[name]
			if !ok {
				ps = &providerStatus{Provider: name}
				byProvider[name] = ps
				order = append(order, name)
			}
			return ps
		}
		// Runs are newest first, so the first one seen per provider is the latest.
		for _, r := range runs {
			ps := status(r.Provider)
			if ps.LastRun == nil {
				v := newRunView(r)
				ps.LastRun = &v
			}
		}
		for _, c := range cursors {
			ps := status(c.Provider)
			ps.Cursors = append(ps.Cursors, cursorRef{AccountID: c.AccountID, Value: c.Value})
		}

		out := make([]providerStatus, len(order))
		for i, name := range order {
			out[i] = *byProvider[name]
		}
		return mcpJSON(out)
	}
}

func mcpResourceCursors(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cursors, err := deps.Store.ListCursors(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list cursors: %w", err)
		}
		views := make([]cursorView, len(cursors))
		for i, c := range cursors {
			views[i] = cursorView{Provider: c.Provider, AccountID: c.AccountID, Value: c.Value, UpdatedAt: c.UpdatedAt}
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cursors: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
