// Package resource defines the resource model mirrored from the remote
// project-tracking system: the resource types we sync, their payloads,
// and the freshness metadata the cache and sync orchestrator maintain.
//
// The remote API client is abstracted behind the Repository interface
// so the cache, syncer, and tests never depend on a concrete transport.
package resource

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Resource type enum ---

// Type identifies a kind of remote resource mirrored locally.
type Type string

const (
	TypeProject   Type = "project"
	TypeMilestone Type = "milestone"
	TypeIssue     Type = "issue"
	TypeSprint    Type = "sprint"

	// TypePullRequest is never synced directly; it appears only as the
	// target of events derived from project item webhooks.
	TypePullRequest Type = "pull_request"
)

// validTypes is the set of recognized resource types.
var validTypes = map[Type]bool{
	TypeProject:     true,
	TypeMilestone:   true,
	TypeIssue:       true,
	TypeSprint:      true,
	TypePullRequest: true,
}

// ValidateType returns an error if the type is not recognized.
func ValidateType(t Type) error {
	if !validTypes[t] {
		return fmt.Errorf("invalid resource type %q: must be one of: project, milestone, issue, sprint, pull_request", t)
	}
	return nil
}

// ParseTypes parses a comma-separated list of resource types, as used by
// the SYNC_RESOURCE_TYPES configuration option. Empty elements are skipped.
func ParseTypes(s string) ([]Type, error) {
	var out []Type
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := Type(part)
		if err := ValidateType(t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no resource types in %q", s)
	}
	return out, nil
}

// --- Core data structures ---

// Resource is a local snapshot of a remote entity. Payload holds the raw
// remote representation; the cache never interprets it.
type Resource struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Name      string          `json:"name,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Metadata is the freshness bookkeeping for one resource, kept apart from
// its payload so the persisted metadata set stays small.
type Metadata struct {
	ResourceID   string    `json:"resource_id"`
	ResourceType Type      `json:"resource_type"`
	LastModified time.Time `json:"last_modified"`
	Version      int64     `json:"version"`
	SyncedAt     time.Time `json:"synced_at"`
}

// Key returns the map key for this metadata entry: "<type>/<id>".
func (m Metadata) Key() string {
	return Key(m.ResourceType, m.ResourceID)
}

// Key builds the canonical "<type>/<id>" key for a resource.
func Key(t Type, id string) string {
	return string(t) + "/" + id
}

// Summary is what the repository enumerates for a resource type: enough
// to decide whether the full resource needs fetching.
type Summary struct {
	ID           string    `json:"id"`
	LastModified time.Time `json:"last_modified"`
	Version      int64     `json:"version"`
}
