package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/subscriptions"
)

// ListSubscriptionsTool handles the list_subscriptions MCP tool.
type ListSubscriptionsTool struct {
	dispatcher *subscriptions.Dispatcher
}

// NewListSubscriptionsTool creates a ListSubscriptionsTool.
func NewListSubscriptionsTool(d *subscriptions.Dispatcher) *ListSubscriptionsTool {
	return &ListSubscriptionsTool{dispatcher: d}
}

// Definition returns the MCP tool definition for registration.
func (t *ListSubscriptionsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_subscriptions",
		mcp.WithDescription(
			"List a client's subscriptions, or aggregate subscription "+
				"statistics when no client_id is given.",
		),
		mcp.WithString("client_id",
			mcp.Description("Client whose subscriptions to list."),
		),
	)
}

// Handle processes the list_subscriptions tool call.
func (t *ListSubscriptionsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clientID := req.GetString("client_id", "")

	if clientID == "" {
		stats := t.dispatcher.Stats()
		var b strings.Builder
		fmt.Fprintf(&b, "# Subscriptions\n\n**Total:** %d\n**Active:** %d\n\n", stats.Total, stats.Active)
		b.WriteString("## By Transport\n\n")
		for transport, n := range stats.ByTransport {
			fmt.Fprintf(&b, "- %s: %d\n", transport, n)
		}
		if len(stats.ByResourceType) > 0 {
			b.WriteString("\n## By Resource Type\n\n")
			for rt, n := range stats.ByResourceType {
				fmt.Fprintf(&b, "- %s: %d\n", rt, n)
			}
		}
		return mcp.NewToolResultText(b.String()), nil
	}

	subs := t.dispatcher.ClientSubscriptions(clientID)
	if len(subs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Client %s has no subscriptions.", clientID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Subscriptions for %s\n\n", clientID)
	b.WriteString("| ID | Transport | Filters | Expires |\n")
	b.WriteString("|----|-----------|---------|--------|\n")
	for _, sub := range subs {
		expires := "never"
		if !sub.ExpiresAt.IsZero() {
			expires = sub.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "| `%s` | %s | %d | %s |\n", sub.ID, sub.Transport, len(sub.Filters), expires)
	}
	return mcp.NewToolResultText(b.String()), nil
}
