package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/subscriptions"
)

// SubscribeTool handles the subscribe_events MCP tool. It registers a
// standing event subscription for a client.
type SubscribeTool struct {
	dispatcher *subscriptions.Dispatcher
}

// NewSubscribeTool creates a SubscribeTool with the given dispatcher.
func NewSubscribeTool(d *subscriptions.Dispatcher) *SubscribeTool {
	return &SubscribeTool{dispatcher: d}
}

// Definition returns the MCP tool definition for registration.
func (t *SubscribeTool) Definition() mcp.Tool {
	return mcp.NewTool("subscribe_events",
		mcp.WithDescription(
			"Subscribe a client to resource events. Filters are optional: "+
				"an empty filter list matches every event; with multiple filters "+
				"an event matches if any one filter matches. Returns the "+
				"subscription id needed to unsubscribe.",
		),
		mcp.WithString("client_id",
			mcp.Required(),
			mcp.Description("Identifier of the subscribing client."),
		),
		mcp.WithString("filters",
			mcp.Description(`JSON array of filters, e.g. `+
				`[{"resource_type":"project","event_type":"created"}]. `+
				`Each filter may constrain resource_type, event_type, resource_id, source, tags.`),
		),
		mcp.WithString("transport",
			mcp.Description("Delivery transport: in-process (default), push-stream, or webhook-callback."),
		),
		mcp.WithString("endpoint",
			mcp.Description("Callback URL; required for webhook-callback transport."),
		),
		mcp.WithString("expires_at",
			mcp.Description("Optional RFC 3339 expiry; the subscription is removed after this instant."),
		),
	)
}

// Handle processes the subscribe_events tool call.
func (t *SubscribeTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID := req.GetString("client_id", "")

	var filters []subscriptions.Filter
	var err error
	if raw := req.GetString("filters", ""); raw != "" {
		if err = json.Unmarshal([]byte(raw), &filters); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("filters is not a valid JSON array: %v", err)), nil
		}
	}

	transport := subscriptions.Transport(req.GetString("transport", string(subscriptions.TransportInProcess)))
	endpoint := req.GetString("endpoint", "")

	var expiresAt time.Time
	if raw := req.GetString("expires_at", ""); raw != "" {
		expiresAt, err = parseTimestamp("expires_at", raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	sub, err := t.dispatcher.Subscribe(clientID, filters, transport, endpoint, expiresAt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Subscription rejected: %v", err)), nil
	}

	response := fmt.Sprintf(
		"# Subscription Created\n\n"+
			"**ID:** `%s`\n"+
			"**Client:** %s\n"+
			"**Transport:** %s\n"+
			"**Filters:** %d\n",
		sub.ID, sub.ClientID, sub.Transport, len(sub.Filters),
	)
	return mcp.NewToolResultText(response), nil
}
