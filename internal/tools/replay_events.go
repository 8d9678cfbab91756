package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/resource"
)

// ReplayEventsTool handles the replay_events MCP tool. It re-reads
// stored events from a point in time, including partitions already
// evicted from the hot buffer.
type ReplayEventsTool struct {
	store *events.Store
}

// NewReplayEventsTool creates a ReplayEventsTool.
func NewReplayEventsTool(s *events.Store) *ReplayEventsTool {
	return &ReplayEventsTool{store: s}
}

// Definition returns the MCP tool definition for registration.
func (t *ReplayEventsTool) Definition() mcp.Tool {
	return mcp.NewTool("replay_events",
		mcp.WithDescription(
			"Replay stored events from a timestamp, optionally bounded "+
				"and filtered. Reads disk partitions as well as the in-memory "+
				"buffer, so it reaches events older than the buffer holds.",
		),
		mcp.WithString("from",
			mcp.Required(),
			mcp.Description("RFC 3339 instant to replay from (inclusive)."),
		),
		mcp.WithString("to",
			mcp.Description("Optional RFC 3339 instant to replay until (inclusive)."),
		),
		mcp.WithString("resource_type",
			mcp.Description("Filter by resource type."),
		),
		mcp.WithString("event_type",
			mcp.Description("Filter by lifecycle type: created, updated, deleted."),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum events to return (default 100)."),
		),
	)
}

// Handle processes the replay_events tool call.
func (t *ReplayEventsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := parseTimestamp("from", req.GetString("from", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	q := events.Query{
		From:         from,
		ResourceType: resource.Type(req.GetString("resource_type", "")),
		EventType:    events.EventType(req.GetString("event_type", "")),
		Limit:        req.GetInt("limit", 100),
	}
	if raw := req.GetString("to", ""); raw != "" {
		if q.To, err = parseTimestamp("to", raw); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
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
		return nil, fmt.Errorf("replaying events: %w", err)
	}
	return mcp.NewToolResultText("# Replayed Events\n\n" + formatEvents(evs)), nil
}
