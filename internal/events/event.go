// Package events defines the uniform resource event model and the
// append-only event store that gives it durability, query, replay, and
// retention.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracklab/projectsync/internal/resource"
)

// --- Event type enum ---

// EventType classifies a resource lifecycle change.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

var validEventTypes = map[EventType]bool{
	EventCreated: true,
	EventUpdated: true,
	EventDeleted: true,
}

// ValidateEventType returns an error if the event type is not recognized.
func ValidateEventType(t EventType) error {
	if !validEventTypes[t] {
		return fmt.Errorf("invalid event type %q: must be one of: created, updated, deleted", t)
	}
	return nil
}

// --- Event ---

// Event is an immutable record of one resource lifecycle change. Once
// stored its fields never change; the id uniquely determines the event.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	ResourceType resource.Type     `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Source       string            `json:"source"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// New builds an event with a fresh id and the current timestamp.
func New(t EventType, rt resource.Type, resourceID, source string, data json.RawMessage) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		ResourceType: rt,
		ResourceID:   resourceID,
		Timestamp:    timeNow().UTC(),
		Data:         data,
		Source:       source,
	}
}

// Tags parses the optional "tags" metadata entry (comma-separated).
func (e Event) Tags() []string {
	raw, ok := e.Metadata["tags"]
	if !ok || raw == "" {
		return nil
	}
	var out []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// HasTag reports whether the event carries the given tag.
func (e Event) HasTag(tag string) bool {
	for _, t := range e.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

// --- Query ---

// Query filters and paginates event reads. Zero values mean "no
// constraint"; results are always newest-first.
type Query struct {
	ResourceType resource.Type `json:"resource_type,omitempty"`
	ResourceID   string        `json:"resource_id,omitempty"`
	EventType    EventType     `json:"event_type,omitempty"`
	Source       string        `json:"source,omitempty"`
	From         time.Time     `json:"from,omitempty"`
	To           time.Time     `json:"to,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Offset       int           `json:"offset,omitempty"`
}

// matches applies the field and time-range constraints to one event.
func (q Query) matches(e Event) bool {
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.EventType != "" && e.Type != q.EventType {
		return false
	}
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}

// hasTimeRange reports whether the query constrains time at all.
func (q Query) hasTimeRange() bool {
	return !q.From.IsZero() || !q.To.IsZero()
}
