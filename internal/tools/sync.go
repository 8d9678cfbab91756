package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/resource"
	"github.com/tracklab/projectsync/internal/syncer"
)

// SyncTool handles the sync_resources MCP tool. It syncs one resource
// type or all configured types against the remote repository under the
// configured time budget.
type SyncTool struct {
	orchestrator *syncer.Orchestrator
}

// NewSyncTool creates a SyncTool with the given orchestrator.
func NewSyncTool(o *syncer.Orchestrator) *SyncTool {
	return &SyncTool{orchestrator: o}
}

// Definition returns the MCP tool definition for registration.
func (t *SyncTool) Definition() mcp.Tool {
	return mcp.NewTool("sync_resources",
		mcp.WithDescription(
			"Pull current resource state from the remote repository into "+
				"the local cache. Each configured resource type syncs "+
				"independently; a type that exceeds the time budget is "+
				"reported timed-out without blocking the others.",
		),
		mcp.WithString("resource_type",
			mcp.Description("Sync only this type: project, milestone, issue, sprint. Omit to sync all configured types."),
		),
	)
}

// Handle processes the sync_resources tool call.
func (t *SyncTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if raw := req.GetString("resource_type", ""); raw != "" {
		rt := resource.Type(raw)
		if err := resource.ValidateType(rt); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatSyncResult(t.orchestrator.SyncOne(ctx, rt))), nil
	}
	result := t.orchestrator.PerformInitialSync(ctx)
	return mcp.NewToolResultText(formatSyncResult(result)), nil
}

// formatSyncResult renders one sync pass as markdown.
func formatSyncResult(result syncer.Result) string {
	var b strings.Builder
	b.WriteString("# Sync Result\n\n")
	fmt.Fprintf(&b, "**Started:** %s\n**Elapsed:** %s\n\n",
		result.StartedAt.Format("2006-01-02 15:04:05 MST"), result.Elapsed.Round(1e6))

	b.WriteString("| Type | Status | Listed | Fetched | Failed |\n")
	b.WriteString("|------|--------|--------|---------|--------|\n")
	for _, tr := range result.Types {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d |\n",
			tr.Type, tr.Status, tr.Listed, tr.Fetched, tr.Failed)
	}

	for _, tr := range result.Types {
		if tr.Error != "" {
			fmt.Fprintf(&b, "\n- %s: %s", tr.Type, tr.Error)
		}
	}
	b.WriteString("\n")
	return b.String()
}
