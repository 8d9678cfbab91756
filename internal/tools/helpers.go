// Package tools implements the MCP tool handlers for the subscription
// and event surface.
//
// Each tool is a struct that receives its dependencies at construction
// and exposes a Definition for registration plus a Handle compatible
// with mcp-go's CallToolRequest signature. One file per tool.
package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/tracklab/projectsync/internal/events"
)

// parseTimestamp parses an RFC 3339 instant from a tool argument.
func parseTimestamp(name, value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 (e.g. 2026-08-27T10:00:00Z): %w", name, err)
	}
	return ts, nil
}

// formatEvents renders events as a markdown table, newest first.
func formatEvents(evs []events.Event) string {
	if len(evs) == 0 {
		return "No events found.\n"
	}

	var b strings.Builder
	b.WriteString("| Timestamp | Type | Resource | ID | Source |\n")
	b.WriteString("|-----------|------|----------|----|--------|\n")
	for _, e := range evs {
		fmt.Fprintf(&b, "| %s | %s | %s | `%s` | %s |\n",
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Type, e.ResourceType, e.ResourceID, e.Source)
	}
	fmt.Fprintf(&b, "\n%d event(s).\n", len(evs))
	return b.String()
}
