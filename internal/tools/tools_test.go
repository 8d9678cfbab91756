package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tracklab/projectsync/internal/cache"
	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/metadata"
	"github.com/tracklab/projectsync/internal/resource"
	"github.com/tracklab/projectsync/internal/subscriptions"
	"github.com/tracklab/projectsync/internal/syncer"
)

// --- Test helpers ---

func isErrorResult(result *mcp.CallToolResult) bool {
	return result != nil && result.IsError
}

// getResultText extracts the text content from a CallToolResult.
func getResultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func callTool(t *testing.T, handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	return result
}

func testDispatcher(t *testing.T) *subscriptions.Dispatcher {
	t.Helper()
	d := subscriptions.NewDispatcher(nil)
	if err := d.Start(); err != nil {
		t.Fatalf("dispatcher Start failed: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func testEventStore(t *testing.T) *events.Store {
	t.Helper()
	s, err := events.NewStore(t.TempDir(), 100, 30, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

// --- SubscribeTool ---

func TestSubscribeTool_Handle_Success(t *testing.T) {
	d := testDispatcher(t)
	tool := NewSubscribeTool(d)

	result := callTool(t, tool.Handle, map[string]interface{}{
		"client_id": "c1",
		"filters":   `[{"resource_type":"project","event_type":"created"}]`,
	})
	if isErrorResult(result) {
		t.Fatalf("expected success, got error: %s", getResultText(result))
	}

	text := getResultText(result)
	if !strings.Contains(text, "Subscription Created") {
		t.Errorf("result should announce the subscription, got: %s", text)
	}

	subs := d.ClientSubscriptions("c1")
	if len(subs) != 1 || len(subs[0].Filters) != 1 {
		t.Fatalf("registered subscriptions = %+v, want one with one filter", subs)
	}
	if subs[0].Filters[0].ResourceType != resource.TypeProject {
		t.Errorf("filter resource type = %s", subs[0].Filters[0].ResourceType)
	}
}

func TestSubscribeTool_Handle_Rejections(t *testing.T) {
	tool := NewSubscribeTool(testDispatcher(t))

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing client id", map[string]interface{}{}},
		{"bad filters json", map[string]interface{}{"client_id": "c1", "filters": "not-json"}},
		{"invalid filter", map[string]interface{}{"client_id": "c1", "filters": `[{"resource_type":"bogus"}]`}},
		{"webhook without endpoint", map[string]interface{}{"client_id": "c1", "transport": "webhook-callback"}},
		{"bad expiry", map[string]interface{}{"client_id": "c1", "expires_at": "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := callTool(t, tool.Handle, tt.args); !isErrorResult(result) {
				t.Error("expected an error result")
			}
		})
	}
}

// --- UnsubscribeTool ---

func TestUnsubscribeTool_Handle(t *testing.T) {
	d := testDispatcher(t)
	sub, err := d.Subscribe("c1", nil, subscriptions.TransportInProcess, "", time.Time{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tool := NewUnsubscribeTool(d)

	result := callTool(t, tool.Handle, map[string]interface{}{"subscription_id": sub.ID})
	if isErrorResult(result) {
		t.Fatalf("expected success, got error: %s", getResultText(result))
	}
	if _, ok := d.Get(sub.ID); ok {
		t.Error("subscription still registered after unsubscribe")
	}

	result = callTool(t, tool.Handle, map[string]interface{}{"subscription_id": sub.ID})
	if !isErrorResult(result) {
		t.Error("unsubscribing an unknown id should be an error result")
	}

	result = callTool(t, tool.Handle, map[string]interface{}{})
	if !isErrorResult(result) {
		t.Error("call without arguments should be an error result")
	}
}

func TestUnsubscribeTool_Handle_ByClient(t *testing.T) {
	d := testDispatcher(t)
	for i := 0; i < 2; i++ {
		if _, err := d.Subscribe("c1", nil, subscriptions.TransportInProcess, "", time.Time{}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	tool := NewUnsubscribeTool(d)
	result := callTool(t, tool.Handle, map[string]interface{}{"client_id": "c1"})
	if isErrorResult(result) {
		t.Fatalf("expected success, got error: %s", getResultText(result))
	}
	if !strings.Contains(getResultText(result), "2 subscription(s)") {
		t.Errorf("result should report 2 removals, got: %s", getResultText(result))
	}
}

// --- ListSubscriptionsTool ---

func TestListSubscriptionsTool_Handle(t *testing.T) {
	d := testDispatcher(t)
	if _, err := d.Subscribe("c1", []subscriptions.Filter{{ResourceType: resource.TypeProject}},
		subscriptions.TransportInProcess, "", time.Time{}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	tool := NewListSubscriptionsTool(d)

	result := callTool(t, tool.Handle, map[string]interface{}{"client_id": "c1"})
	text := getResultText(result)
	if !strings.Contains(text, "Subscriptions for c1") || !strings.Contains(text, "in-process") {
		t.Errorf("client listing missing expected content: %s", text)
	}

	result = callTool(t, tool.Handle, map[string]interface{}{})
	text = getResultText(result)
	if !strings.Contains(text, "**Total:** 1") {
		t.Errorf("aggregate listing missing totals: %s", text)
	}
}

// --- GetRecentEventsTool / ReplayEventsTool ---

func storeTestEvents(t *testing.T, s *events.Store) {
	t.Helper()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	seed := []events.Event{
		{ID: "e1", Type: events.EventCreated, ResourceType: resource.TypeIssue, ResourceID: "i1", Timestamp: base, Source: "webhook"},
		{ID: "e2", Type: events.EventUpdated, ResourceType: resource.TypeProject, ResourceID: "p1", Timestamp: base.Add(time.Minute), Source: "webhook"},
	}
	for _, e := range seed {
		if err := s.StoreEvent(e); err != nil {
			t.Fatalf("StoreEvent failed: %v", err)
		}
	}
}

func TestGetRecentEventsTool_Handle(t *testing.T) {
	s := testEventStore(t)
	storeTestEvents(t, s)
	tool := NewGetRecentEventsTool(s)

	result := callTool(t, tool.Handle, map[string]interface{}{"resource_type": "issue"})
	text := getResultText(result)
	if !strings.Contains(text, "`i1`") || strings.Contains(text, "`p1`") {
		t.Errorf("filtered listing wrong: %s", text)
	}

	result = callTool(t, tool.Handle, map[string]interface{}{"resource_type": "starship"})
	if !isErrorResult(result) {
		t.Error("invalid resource type should be an error result")
	}
}

func TestReplayEventsTool_Handle(t *testing.T) {
	s := testEventStore(t)
	storeTestEvents(t, s)
	tool := NewReplayEventsTool(s)

	result := callTool(t, tool.Handle, map[string]interface{}{
		"from": "2026-08-20T10:00:30Z",
	})
	text := getResultText(result)
	if !strings.Contains(text, "`p1`") || strings.Contains(text, "`i1`") {
		t.Errorf("replay window wrong: %s", text)
	}

	if result := callTool(t, tool.Handle, map[string]interface{}{}); !isErrorResult(result) {
		t.Error("missing from should be an error result")
	}
	if result := callTool(t, tool.Handle, map[string]interface{}{"from": "noon"}); !isErrorResult(result) {
		t.Error("unparseable from should be an error result")
	}
}

// --- SyncTool / StatsTool ---

type staticRepo struct{}

func (staticRepo) ListAll(_ context.Context, t resource.Type) ([]resource.Summary, error) {
	if t != resource.TypeProject {
		return nil, nil
	}
	return []resource.Summary{{ID: "p1", Version: 1, LastModified: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)}}, nil
}

func (staticRepo) FindByID(_ context.Context, t resource.Type, id string) (*resource.Resource, error) {
	return &resource.Resource{ID: id, Type: t, Name: id, Version: 1}, nil
}

func TestSyncAndStatsTools_Handle(t *testing.T) {
	c := cache.New(0, nil)
	m, err := metadata.Open(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatalf("metadata.Open failed: %v", err)
	}
	o := syncer.New(staticRepo{}, c, m, syncer.Options{
		Types: []resource.Type{resource.TypeProject}, Timeout: 5 * time.Second,
	}, nil)
	s := testEventStore(t)
	d := testDispatcher(t)

	syncTool := NewSyncTool(o)
	result := callTool(t, syncTool.Handle, map[string]interface{}{})
	text := getResultText(result)
	if !strings.Contains(text, "Sync Result") || !strings.Contains(text, "synced") {
		t.Errorf("sync result missing expected content: %s", text)
	}
	if _, ok := c.Get(resource.TypeProject, "p1"); !ok {
		t.Error("sync tool did not populate the cache")
	}

	singleCache := cache.New(0, nil)
	singleMeta, err := metadata.Open(t.TempDir(), 0, false, nil)
	if err != nil {
		t.Fatalf("metadata.Open failed: %v", err)
	}
	singleSync := NewSyncTool(syncer.New(staticRepo{}, singleCache, singleMeta, syncer.Options{
		Types: []resource.Type{resource.TypeProject, resource.TypeIssue}, Timeout: 5 * time.Second,
	}, nil))

	result = callTool(t, singleSync.Handle, map[string]interface{}{"resource_type": "project"})
	text = getResultText(result)
	if !strings.Contains(text, "| project |") || strings.Contains(text, "| issue |") {
		t.Errorf("single-type sync should report only project: %s", text)
	}
	if _, ok := singleCache.Get(resource.TypeProject, "p1"); !ok {
		t.Error("single-type sync did not populate the cache")
	}

	if result := callTool(t, singleSync.Handle, map[string]interface{}{"resource_type": "starship"}); !isErrorResult(result) {
		t.Error("invalid resource type should be an error result")
	}

	statsTool := NewStatsTool(c, m, s, d, o)
	result = callTool(t, statsTool.Handle, map[string]interface{}{})
	text = getResultText(result)
	for _, section := range []string{"## Cache", "## Metadata", "## Events", "## Subscriptions", "## Last Sync"} {
		if !strings.Contains(text, section) {
			t.Errorf("stats output missing %q section", section)
		}
	}
}
