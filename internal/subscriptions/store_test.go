package subscriptions

import (
	"testing"
	"time"

	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/resource"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storedSub(id, clientID string) Subscription {
	return Subscription{
		ID:       id,
		ClientID: clientID,
		Filters: []Filter{
			{ResourceType: resource.TypeProject, EventType: events.EventCreated},
		},
		Transport: TransportWebhook,
		Endpoint:  "https://example.com/hook",
		CreatedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Active:    true,
	}
}

func TestSaveAndLoadActive(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := s.Save(storedSub("s1", "c1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.LoadActive(now)
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadActive returned %d subscriptions, want 1", len(got))
	}
	sub := got[0]
	if sub.ID != "s1" || sub.ClientID != "c1" || sub.Transport != TransportWebhook {
		t.Errorf("loaded %+v, want s1/c1/webhook-callback", sub)
	}
	if len(sub.Filters) != 1 || sub.Filters[0].ResourceType != resource.TypeProject {
		t.Errorf("filters did not round trip: %+v", sub.Filters)
	}
	if sub.Endpoint != "https://example.com/hook" {
		t.Errorf("endpoint = %q", sub.Endpoint)
	}
}

func TestLoadActive_SkipsInactiveAndExpired(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	inactive := storedSub("s1", "c1")
	inactive.Active = false
	expired := storedSub("s2", "c1")
	expired.ExpiresAt = now.Add(-time.Hour)
	live := storedSub("s3", "c1")
	live.ExpiresAt = now.Add(time.Hour)

	for _, sub := range []Subscription{inactive, expired, live} {
		if err := s.Save(sub); err != nil {
			t.Fatalf("Save %s failed: %v", sub.ID, err)
		}
	}

	got, err := s.LoadActive(now)
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s3" {
		t.Errorf("LoadActive = %d subscriptions (first %v), want just s3", len(got), got)
	}
}

func TestSave_Upserts(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	sub := storedSub("s1", "c1")
	if err := s.Save(sub); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	sub.LastEventID = "e42"
	if err := s.Save(sub); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := s.LoadActive(now)
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("upsert created %d rows, want 1", len(got))
	}
	if got[0].LastEventID != "e42" {
		t.Errorf("LastEventID = %q, want e42", got[0].LastEventID)
	}
}

func TestUpdateLastEventAndDelete(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	if err := s.Save(storedSub("s1", "c1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.UpdateLastEvent("s1", "e7"); err != nil {
		t.Fatalf("UpdateLastEvent failed: %v", err)
	}

	got, err := s.LoadActive(now)
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if got[0].LastEventID != "e7" {
		t.Errorf("LastEventID = %q, want e7", got[0].LastEventID)
	}

	if err := s.Delete("s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, err = s.LoadActive(now)
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("subscription still loadable after Delete")
	}
}

// Dispatcher restart path: a started dispatcher restores persisted
// subscriptions into its registry and indexes.
func TestDispatcherRestoresPersistedSubscriptions(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	d1 := NewDispatcher(nil, WithStore(s1))
	if err := d1.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sub, err := d1.Subscribe("c1", []Filter{{ResourceType: resource.TypeProject}},
		TransportWebhook, "https://example.com/hook", time.Time{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	d1.Close()
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// New process: fresh store and dispatcher over the same directory.
	s2, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("re-OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })
	d2 := NewDispatcher(nil, WithStore(s2))
	if err := d2.Start(); err != nil {
		t.Fatalf("re-Start failed: %v", err)
	}
	t.Cleanup(d2.Close)

	restored, ok := d2.Get(sub.ID)
	if !ok {
		t.Fatal("subscription not restored after restart")
	}
	if restored.ClientID != "c1" || restored.Transport != TransportWebhook {
		t.Errorf("restored %+v, want c1/webhook-callback", restored)
	}

	// Restored subscriptions participate in matching.
	matches := d2.SubscriptionsForEvent(projectCreated("e1", "p1"))
	if len(matches) != 1 {
		t.Errorf("restored subscription not matched: %d results", len(matches))
	}
}
