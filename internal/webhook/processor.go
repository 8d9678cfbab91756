// Package webhook verifies inbound push notifications and translates
// remote-system payloads into the uniform event model. Each supported
// webhook event name carries its own JSON Schema, validated before any
// decoding happens; unknown names and malformed bodies are rejected at
// the boundary.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/resource"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Source marks events that originated from webhook ingress.
const Source = "webhook"

// eventNames are the webhook event names this processor understands.
var eventNames = []string{"projects_v2", "projects_v2_item", "milestone", "issues", "sprint"}

// Result is the outcome of processing one webhook delivery. Failures are
// reported here rather than as errors; the caller decides the HTTP status.
type Result struct {
	Success bool           `json:"success"`
	Events  []events.Event `json:"events,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Processor validates signatures and payloads and produces events.
type Processor struct {
	secret  []byte
	schemas map[string]*jsonschema.Schema
	log     *zap.Logger
}

// NewProcessor compiles the embedded payload schemas. The secret is the
// shared HMAC key; an empty secret makes every signature invalid.
func NewProcessor(secret string, log *zap.Logger) (*Processor, error) {
	if log == nil {
		log = zap.NewNop()
	}

	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(eventNames))
	for _, name := range eventNames {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("webhook: read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("webhook: parse schema %s: %w", name, err)
		}
		url := name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("webhook: register schema %s: %w", name, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("webhook: compile schema %s: %w", name, err)
		}
		schemas[name] = sch
	}

	return &Processor{secret: []byte(secret), schemas: schemas, log: log}, nil
}

// ValidateSignature checks the HMAC-SHA256 signature header against the
// raw request body. The comparison is constant-time.
func (p *Processor) ValidateSignature(body []byte, signature string) bool {
	if len(p.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature header value for a body. Used by tests and
// by outbound callback delivery sharing the same scheme.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Process validates the body against the schema for eventName and
// translates it into uniform events. Signature validation is the
// caller's responsibility and must happen first.
func (p *Processor) Process(eventName, deliveryID string, body []byte) Result {
	sch, ok := p.schemas[eventName]
	if !ok {
		return failure("unsupported webhook event %q", eventName)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return failure("malformed payload: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return failure("payload failed %s schema: %v", eventName, err)
	}

	var (
		evs      []events.Event
		buildErr error
	)
	switch eventName {
	case "projects_v2":
		evs, buildErr = p.projectEvents(body)
	case "projects_v2_item":
		evs, buildErr = p.itemEvents(body)
	case "milestone":
		evs, buildErr = p.milestoneEvents(body)
	case "issues":
		evs, buildErr = p.issueEvents(body)
	case "sprint":
		evs, buildErr = p.sprintEvents(body)
	}
	if buildErr != nil {
		return failure("%v", buildErr)
	}

	for i := range evs {
		if evs[i].Metadata == nil {
			evs[i].Metadata = map[string]string{}
		}
		if deliveryID != "" {
			evs[i].Metadata["delivery"] = deliveryID
		}
	}
	p.log.Debug("webhook processed",
		zap.String("event", eventName),
		zap.String("delivery", deliveryID),
		zap.Int("events", len(evs)))
	return Result{Success: true, Events: evs}
}

// --- tagged payload decoding, one shape per event name ---

type projectPayload struct {
	Action  string          `json:"action"`
	Project json.RawMessage `json:"projects_v2"`
}

type itemPayload struct {
	Action string `json:"action"`
	Item   struct {
		NodeID        string `json:"node_id"`
		ContentType   string `json:"content_type"`
		ContentNodeID string `json:"content_node_id"`
	} `json:"projects_v2_item"`
}

type milestonePayload struct {
	Action    string          `json:"action"`
	Milestone json.RawMessage `json:"milestone"`
}

type issuePayload struct {
	Action string          `json:"action"`
	Issue  json.RawMessage `json:"issue"`
}

type sprintPayload struct {
	Action string          `json:"action"`
	Sprint json.RawMessage `json:"sprint"`
}

func (p *Processor) projectEvents(body []byte) ([]events.Event, error) {
	var payload projectPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding projects_v2 payload: %w", err)
	}
	return singleEvent(payload.Action, resource.TypeProject, nodeID(payload.Project, "node_id"), payload.Project)
}

func (p *Processor) itemEvents(body []byte) ([]events.Event, error) {
	var payload itemPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding projects_v2_item payload: %w", err)
	}

	var rt resource.Type
	switch payload.Item.ContentType {
	case "Issue", "DraftIssue":
		rt = resource.TypeIssue
	case "PullRequest":
		rt = resource.TypePullRequest
	default:
		return nil, fmt.Errorf("unknown item content type %q", payload.Item.ContentType)
	}

	id := payload.Item.ContentNodeID
	if id == "" {
		id = payload.Item.NodeID
	}
	data, _ := json.Marshal(payload.Item)
	return singleEvent(payload.Action, rt, id, data)
}

func (p *Processor) milestoneEvents(body []byte) ([]events.Event, error) {
	var payload milestonePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding milestone payload: %w", err)
	}
	return singleEvent(payload.Action, resource.TypeMilestone, nodeID(payload.Milestone, "node_id"), payload.Milestone)
}

func (p *Processor) issueEvents(body []byte) ([]events.Event, error) {
	var payload issuePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding issues payload: %w", err)
	}
	return singleEvent(payload.Action, resource.TypeIssue, nodeID(payload.Issue, "node_id"), payload.Issue)
}

func (p *Processor) sprintEvents(body []byte) ([]events.Event, error) {
	var payload sprintPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding sprint payload: %w", err)
	}
	return singleEvent(payload.Action, resource.TypeSprint, nodeID(payload.Sprint, "id"), payload.Sprint)
}

func singleEvent(action string, rt resource.Type, resourceID string, data json.RawMessage) ([]events.Event, error) {
	et, ok := mapAction(action)
	if !ok {
		return nil, fmt.Errorf("unmapped webhook action %q", action)
	}
	if resourceID == "" {
		return nil, fmt.Errorf("payload missing resource id")
	}
	e := events.New(et, rt, resourceID, Source, data)
	e.Metadata = map[string]string{"action": action}
	return []events.Event{e}, nil
}

// mapAction folds the remote system's action vocabulary into the three
// lifecycle event types.
func mapAction(action string) (events.EventType, bool) {
	switch action {
	case "created", "opened", "started":
		return events.EventCreated, true
	case "edited", "updated", "reordered", "converted", "restored",
		"closed", "reopened", "completed", "transferred", "labeled", "unlabeled":
		return events.EventUpdated, true
	case "deleted", "archived":
		return events.EventDeleted, true
	}
	return "", false
}

// nodeID pulls a single string field out of a raw JSON object.
func nodeID(raw json.RawMessage, field string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	var id string
	if err := json.Unmarshal(obj[field], &id); err != nil {
		return ""
	}
	return id
}
