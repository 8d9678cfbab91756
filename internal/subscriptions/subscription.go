// Package subscriptions implements the event subscription registry and
// dispatcher: standing requests to receive matching events over one of
// three delivery transports, with filter-index matching and durable
// registration.
package subscriptions

import (
	"fmt"
	"time"

	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/resource"
)

// --- Transport enum ---

// Transport selects how matched events reach a subscriber.
type Transport string

const (
	TransportInProcess Transport = "in-process"
	TransportStream    Transport = "push-stream"
	TransportWebhook   Transport = "webhook-callback"
)

var validTransports = map[Transport]bool{
	TransportInProcess: true,
	TransportStream:    true,
	TransportWebhook:   true,
}

// ValidateTransport returns an error if the transport is not recognized.
func ValidateTransport(t Transport) error {
	if !validTransports[t] {
		return fmt.Errorf("invalid transport %q: must be one of: in-process, push-stream, webhook-callback", t)
	}
	return nil
}

// --- Filter ---

// Filter constrains which events a subscription receives. Every set
// field must match (AND); unset fields match anything.
type Filter struct {
	ResourceType resource.Type    `json:"resource_type,omitempty"`
	EventType    events.EventType `json:"event_type,omitempty"`
	ResourceID   string           `json:"resource_id,omitempty"`
	Source       string           `json:"source,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
}

// Validate rejects filters naming unknown resource or event types.
func (f Filter) Validate() error {
	if f.ResourceType != "" {
		if err := resource.ValidateType(f.ResourceType); err != nil {
			return err
		}
	}
	if f.EventType != "" {
		if err := events.ValidateEventType(f.EventType); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the event satisfies every field this filter
// specifies. Tag constraints require all listed tags on the event.
func (f Filter) Matches(e events.Event) bool {
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.EventType != "" && e.Type != f.EventType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	for _, tag := range f.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	return true
}

// --- Subscription ---

// Subscription is a standing request for events. An empty filter list
// matches every event; a non-empty list matches if any filter does.
type Subscription struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Filters     []Filter  `json:"filters,omitempty"`
	Transport   Transport `json:"transport"`
	Endpoint    string    `json:"endpoint,omitempty"`
	LastEventID string    `json:"last_event_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Active      bool      `json:"active"`
}

// Matches applies the subscription's filter semantics to one event:
// OR across filters, AND across the fields within each filter.
func (s *Subscription) Matches(e events.Event) bool {
	if len(s.Filters) == 0 {
		return true
	}
	for _, f := range s.Filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// Expired reports whether the subscription is past its expiry at now.
// A zero ExpiresAt never expires.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
