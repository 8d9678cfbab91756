package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/cache"
	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/metadata"
	"github.com/tracklab/projectsync/internal/subscriptions"
	"github.com/tracklab/projectsync/internal/syncer"
)

// StatsTool handles the sync_stats MCP tool: one view over the cache,
// metadata store, event store, dispatcher, and last sync outcome.
type StatsTool struct {
	cache        *cache.Cache
	meta         *metadata.Store
	events       *events.Store
	dispatcher   *subscriptions.Dispatcher
	orchestrator *syncer.Orchestrator
}

// NewStatsTool creates a StatsTool over the given components.
func NewStatsTool(c *cache.Cache, m *metadata.Store, e *events.Store,
	d *subscriptions.Dispatcher, o *syncer.Orchestrator) *StatsTool {
	return &StatsTool{cache: c, meta: m, events: e, dispatcher: d, orchestrator: o}
}

// Definition returns the MCP tool definition for registration.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("sync_stats",
		mcp.WithDescription(
			"Report cache, metadata, event store, and subscription "+
				"statistics plus the outcome of the last sync pass.",
		),
	)
}

// Handle processes the sync_stats tool call.
func (t *StatsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	b.WriteString("# Sync Statistics\n\n")

	cs := t.cache.Stats()
	fmt.Fprintf(&b, "## Cache\n\n**Entries:** %d\n", cs.Entries)
	for rt, n := range cs.ByType {
		fmt.Fprintf(&b, "- %s: %d\n", rt, n)
	}

	ms := t.meta.Stats()
	fmt.Fprintf(&b, "\n## Metadata\n\n**Entries:** %d\n**Size:** %d bytes\n", ms.Entries, ms.SizeBytes)
	if !ms.LastWrite.IsZero() {
		fmt.Fprintf(&b, "**Last write:** %s\n", ms.LastWrite.UTC().Format(time.RFC3339))
	}

	es, err := t.events.Stats()
	if err != nil {
		return nil, fmt.Errorf("collecting event store stats: %w", err)
	}
	fmt.Fprintf(&b, "\n## Events\n\n**Total:** %d\n**In memory:** %d\n**On disk:** %d\n",
		es.Total, es.InMemory, es.OnDisk)

	ds := t.dispatcher.Stats()
	fmt.Fprintf(&b, "\n## Subscriptions\n\n**Total:** %d\n**Active:** %d\n", ds.Total, ds.Active)

	if last, ok := t.orchestrator.LastResult(); ok {
		b.WriteString("\n## Last Sync\n\n")
		b.WriteString(formatSyncResult(last))
	} else {
		b.WriteString("\nNo sync has run yet.\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}
