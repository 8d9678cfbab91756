package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/resource"
)

// defaultEventLimit bounds get_recent_events when no limit is given.
const defaultEventLimit = 20

// GetRecentEventsTool handles the get_recent_events MCP tool.
type GetRecentEventsTool struct {
	store *events.Store
}

// NewGetRecentEventsTool creates a GetRecentEventsTool.
func NewGetRecentEventsTool(s *events.Store) *GetRecentEventsTool {
	return &GetRecentEventsTool{store: s}
}

// Definition returns the MCP tool definition for registration.
func (t *GetRecentEventsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_recent_events",
		mcp.WithDescription(
			"Query stored resource events, newest first. All filters are "+
				"optional and combine with AND.",
		),
		mcp.WithString("resource_type",
			mcp.Description("Filter by resource type: project, milestone, issue, sprint, pull_request."),
		),
		mcp.WithString("resource_id",
			mcp.Description("Filter by a single resource id."),
		),
		mcp.WithString("event_type",
			mcp.Description("Filter by lifecycle type: created, updated, deleted."),
		),
		mcp.WithString("source",
			mcp.Description("Filter by event source, e.g. webhook."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum events to return (default 20)."),
		),
		mcp.WithNumber("offset",
			mcp.Description("Events to skip, for pagination."),
		),
	)
}

// Handle processes the get_recent_events tool call.
func (t *GetRecentEventsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := events.Query{
		ResourceType: resource.Type(req.GetString("resource_type", "")),
		ResourceID:   req.GetString("resource_id", ""),
		EventType:    events.EventType(req.GetString("event_type", "")),
		Source:       req.GetString("source", ""),
		Limit:        req.GetInt("limit", defaultEventLimit),
		Offset:       req.GetInt("offset", 0),
	}

	if q.ResourceType != "" {
		if err := resource.ValidateType(q.ResourceType); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	if q.EventType != "" {
		if err := events.ValidateEventType(q.EventType); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	evs, err := t.store.GetEvents(q)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return mcp.NewToolResultText("# Recent Events\n\n" + formatEvents(evs)), nil
}
