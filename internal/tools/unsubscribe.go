package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/subscriptions"
)

// UnsubscribeTool handles the unsubscribe_events MCP tool.
type UnsubscribeTool struct {
	dispatcher *subscriptions.Dispatcher
}

// NewUnsubscribeTool creates an UnsubscribeTool with the given dispatcher.
func NewUnsubscribeTool(d *subscriptions.Dispatcher) *UnsubscribeTool {
	return &UnsubscribeTool{dispatcher: d}
}

// Definition returns the MCP tool definition for registration.
func (t *UnsubscribeTool) Definition() mcp.Tool {
	return mcp.NewTool("unsubscribe_events",
		mcp.WithDescription(
			"Remove one subscription by id, or all subscriptions of a "+
				"client when `client_id` is given instead.",
		),
		mcp.WithString("subscription_id",
			mcp.Description("Subscription id returned by subscribe_events."),
		),
		mcp.WithString("client_id",
			mcp.Description("Remove every subscription belonging to this client."),
		),
	)
}

// Handle processes the unsubscribe_events tool call.
func (t *UnsubscribeTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	subID := req.GetString("subscription_id", "")
	clientID := req.GetString("client_id", "")

	switch {
	case subID != "":
		if !t.dispatcher.Unsubscribe(subID) {
			return mcp.NewToolResultError(fmt.Sprintf("No subscription with id %q.", subID)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Subscription `%s` removed.", subID)), nil
	case clientID != "":
		removed := t.dispatcher.UnsubscribeClient(clientID)
		return mcp.NewToolResultText(fmt.Sprintf("Removed %d subscription(s) for client %s.", removed, clientID)), nil
	default:
		return mcp.NewToolResultError("Either subscription_id or client_id is required."), nil
	}
}
