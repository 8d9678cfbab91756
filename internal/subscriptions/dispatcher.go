package subscriptions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/resource"
)

// timeNow is a package-level variable for testability.
var timeNow = time.Now

// defaultQueueSize bounds each transport's delivery queue.
const defaultQueueSize = 256

// StreamSender delivers one event to a push-stream client. Implemented
// by the httpapi stream hub.
type StreamSender interface {
	Send(clientID string, e events.Event) error
}

// Handler is an in-process subscriber callback.
type Handler func(e events.Event)

// delivery pairs a matched subscription snapshot with the event to send.
type delivery struct {
	sub   Subscription
	event events.Event
}

// Stats reports subscription counts by transport and by the resource
// types their filters name.
type Stats struct {
	Total          int                   `json:"total"`
	Active         int                   `json:"active"`
	ByTransport    map[Transport]int     `json:"by_transport"`
	ByResourceType map[resource.Type]int `json:"by_resource_type"`
}

// Dispatcher is the subscription registry and fan-out engine. Matched
// events are routed through one bounded queue per transport, each
// drained by its own consumer goroutine. A full queue drops the
// delivery with a warning rather than blocking the ingress path.
type Dispatcher struct {
	mu sync.RWMutex

	subs map[string]*Subscription
	// Candidate indexes over filter fields. A subscription lands in
	// byResourceType for each filter naming a resource type, in
	// byEventType for filters naming only an event type, and in
	// unindexed when a filter names neither (or it has no filters);
	// those can only be found by scanning.
	byResourceType map[resource.Type]map[string]struct{}
	byEventType    map[events.EventType]map[string]struct{}
	unindexed      map[string]struct{}

	handlers map[string]Handler // in-process callbacks by subscription id

	store  *Store // nil disables persistence
	stream StreamSender

	queues    map[Transport]chan delivery
	queueSize int

	callbackSecret string
	httpClient     *http.Client

	wg     sync.WaitGroup
	cancel context.CancelFunc

	log *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore enables durable registration through the SQLite store.
func WithStore(s *Store) Option { return func(d *Dispatcher) { d.store = s } }

// WithStreamSender wires the push-stream delivery collaborator.
func WithStreamSender(s StreamSender) Option { return func(d *Dispatcher) { d.stream = s } }

// WithCallbackSecret sets the HMAC secret for webhook-callback posts.
func WithCallbackSecret(secret string) Option {
	return func(d *Dispatcher) { d.callbackSecret = secret }
}

// WithHTTPClient overrides the callback HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.httpClient = c } }

// WithQueueSize overrides the per-transport queue bound.
func WithQueueSize(n int) Option { return func(d *Dispatcher) { d.queueSize = n } }

// NewDispatcher creates a dispatcher. Call Start to load persisted
// subscriptions and launch the transport consumers, and Close on
// shutdown.
func NewDispatcher(log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		subs:           make(map[string]*Subscription),
		byResourceType: make(map[resource.Type]map[string]struct{}),
		byEventType:    make(map[events.EventType]map[string]struct{}),
		unindexed:      make(map[string]struct{}),
		handlers:       make(map[string]Handler),
		queueSize:      defaultQueueSize,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		log:            log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start restores persisted subscriptions and launches one consumer
// goroutine per transport.
func (d *Dispatcher) Start() error {
	if d.store != nil {
		restored, err := d.store.LoadActive(timeNow().UTC())
		if err != nil {
			return fmt.Errorf("restoring subscriptions: %w", err)
		}
		d.mu.Lock()
		for i := range restored {
			sub := restored[i]
			d.subs[sub.ID] = &sub
			d.indexLocked(&sub)
		}
		d.mu.Unlock()
		if len(restored) > 0 {
			d.log.Info("restored subscriptions", zap.Int("count", len(restored)))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.queues = map[Transport]chan delivery{
		TransportInProcess: make(chan delivery, d.queueSize),
		TransportStream:    make(chan delivery, d.queueSize),
		TransportWebhook:   make(chan delivery, d.queueSize),
	}
	for transport, queue := range d.queues {
		d.wg.Add(1)
		go d.consume(ctx, transport, queue)
	}
	return nil
}

// Close stops the transport consumers and waits for them to drain.
func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Subscribe registers a subscription and returns it. Validation errors
// are rejected at the boundary and nothing is partially applied.
func (d *Dispatcher) Subscribe(clientID string, filters []Filter, transport Transport, endpoint string, expiresAt time.Time) (*Subscription, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if err := ValidateTransport(transport); err != nil {
		return nil, err
	}
	if transport == TransportWebhook && endpoint == "" {
		return nil, fmt.Errorf("webhook-callback subscriptions require an endpoint")
	}
	for i, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Filters:   filters,
		Transport: transport,
		Endpoint:  endpoint,
		CreatedAt: timeNow().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}

	d.mu.Lock()
	d.subs[sub.ID] = sub
	d.indexLocked(sub)
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.Save(*sub); err != nil {
			d.log.Warn("persisting subscription", zap.String("id", sub.ID), zap.Error(err))
		}
	}

	d.log.Info("subscription created",
		zap.String("id", sub.ID),
		zap.String("client_id", clientID),
		zap.String("transport", string(transport)),
		zap.Int("filters", len(filters)))

	out := *sub
	return &out, nil
}

// Unsubscribe deactivates and removes a subscription. Returns false for
// an unknown id.
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	sub, ok := d.subs[id]
	if ok {
		sub.Active = false
		d.unindexLocked(sub)
		delete(d.subs, id)
		delete(d.handlers, id)
	}
	d.mu.Unlock()

	if ok && d.store != nil {
		if err := d.store.Delete(id); err != nil {
			d.log.Warn("deleting persisted subscription", zap.String("id", id), zap.Error(err))
		}
	}
	return ok
}

// Get returns a snapshot of one subscription.
func (d *Dispatcher) Get(id string) (*Subscription, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sub, ok := d.subs[id]
	if !ok {
		return nil, false
	}
	out := *sub
	return &out, true
}

// ClientSubscriptions returns snapshots of all of one client's
// subscriptions.
func (d *Dispatcher) ClientSubscriptions(clientID string) []Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Subscription
	for _, sub := range d.subs {
		if sub.ClientID == clientID {
			out = append(out, *sub)
		}
	}
	return out
}

// UnsubscribeClient tears down every subscription of one client and
// returns how many were removed.
func (d *Dispatcher) UnsubscribeClient(clientID string) int {
	subs := d.ClientSubscriptions(clientID)
	for _, sub := range subs {
		d.Unsubscribe(sub.ID)
	}
	return len(subs)
}

// RegisterHandler attaches the callback for an in-process subscription.
func (d *Dispatcher) RegisterHandler(subID string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[subID] = h
}

// SubscriptionsForEvent returns all active, unexpired subscriptions
// whose filters match the event. Candidates come from the field indexes
// plus the unindexed scan set, then each is checked against the full
// filter semantics.
func (d *Dispatcher) SubscriptionsForEvent(e events.Event) []Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()

	candidates := make(map[string]struct{})
	for id := range d.byResourceType[e.ResourceType] {
		candidates[id] = struct{}{}
	}
	for id := range d.byEventType[e.Type] {
		candidates[id] = struct{}{}
	}
	for id := range d.unindexed {
		candidates[id] = struct{}{}
	}

	now := timeNow()
	var out []Subscription
	for id := range candidates {
		sub, ok := d.subs[id]
		if !ok || !sub.Active || sub.Expired(now) {
			continue
		}
		if sub.Matches(e) {
			out = append(out, *sub)
		}
	}
	return out
}

// Notify matches the event against the registry and routes each match
// through its transport queue. Returns the number of matched
// subscriptions. Delivery order across subscriptions is not guaranteed.
func (d *Dispatcher) Notify(e events.Event) int {
	matched := d.SubscriptionsForEvent(e)
	for _, sub := range matched {
		queue, ok := d.queues[sub.Transport]
		if !ok {
			d.log.Warn("dispatcher not started, dropping delivery",
				zap.String("subscription_id", sub.ID))
			continue
		}
		select {
		case queue <- delivery{sub: sub, event: e}:
		default:
			d.log.Warn("transport queue full, dropping delivery",
				zap.String("transport", string(sub.Transport)),
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", e.ID))
			continue
		}
		d.advanceLastEvent(sub.ID, e.ID)
	}
	return len(matched)
}

// advanceLastEvent records the latest routed event id for resumable
// delivery. Persistence here is best-effort.
func (d *Dispatcher) advanceLastEvent(subID, eventID string) {
	d.mu.Lock()
	if sub, ok := d.subs[subID]; ok {
		sub.LastEventID = eventID
	}
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.UpdateLastEvent(subID, eventID); err != nil {
			d.log.Debug("persisting last event id", zap.String("id", subID), zap.Error(err))
		}
	}
}

// CleanupExpired removes subscriptions past their expiry and returns
// how many were removed.
func (d *Dispatcher) CleanupExpired() int {
	now := timeNow()

	d.mu.RLock()
	var expired []string
	for id, sub := range d.subs {
		if sub.Expired(now) {
			expired = append(expired, id)
		}
	}
	d.mu.RUnlock()

	for _, id := range expired {
		d.Unsubscribe(id)
	}
	if len(expired) > 0 {
		d.log.Info("expired subscriptions removed", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Stats reports counts by transport and by filtered resource type.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Stats{
		ByTransport:    make(map[Transport]int),
		ByResourceType: make(map[resource.Type]int),
	}
	now := timeNow()
	for _, sub := range d.subs {
		stats.Total++
		if sub.Active && !sub.Expired(now) {
			stats.Active++
		}
		stats.ByTransport[sub.Transport]++
		seen := make(map[resource.Type]struct{})
		for _, f := range sub.Filters {
			if f.ResourceType == "" {
				continue
			}
			if _, dup := seen[f.ResourceType]; dup {
				continue
			}
			seen[f.ResourceType] = struct{}{}
			stats.ByResourceType[f.ResourceType]++
		}
	}
	return stats
}

// --- transport consumers ---

// consume drains one transport queue until shutdown.
func (d *Dispatcher) consume(ctx context.Context, transport Transport, queue chan delivery) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case del := <-queue:
			d.deliver(ctx, transport, del)
		}
	}
}

// deliver routes one queued delivery to its transport collaborator.
func (d *Dispatcher) deliver(ctx context.Context, transport Transport, del delivery) {
	switch transport {
	case TransportInProcess:
		d.mu.RLock()
		h := d.handlers[del.sub.ID]
		d.mu.RUnlock()
		if h != nil {
			h(del.event)
		}
	case TransportStream:
		if d.stream == nil {
			return
		}
		if err := d.stream.Send(del.sub.ClientID, del.event); err != nil {
			d.log.Warn("push-stream delivery failed",
				zap.String("client_id", del.sub.ClientID),
				zap.String("event_id", del.event.ID),
				zap.Error(err))
		}
	case TransportWebhook:
		if err := d.postCallback(ctx, del); err != nil {
			d.log.Warn("webhook callback delivery failed",
				zap.String("endpoint", del.sub.Endpoint),
				zap.String("event_id", del.event.ID),
				zap.Error(err))
		}
	}
}

// postCallback POSTs the event JSON to the subscriber's endpoint with
// an HMAC signature header, mirroring the inbound webhook contract.
func (d *Dispatcher) postCallback(ctx context.Context, del delivery) error {
	body, err := json.Marshal(del.event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Projectsync-Event", string(del.event.Type))
	req.Header.Set("X-Projectsync-Delivery", del.event.ID)
	if d.callbackSecret != "" {
		mac := hmac.New(sha256.New, []byte(d.callbackSecret))
		mac.Write(body)
		req.Header.Set("X-Projectsync-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned http %d", resp.StatusCode)
	}
	return nil
}

// --- index maintenance (callers hold d.mu) ---

func (d *Dispatcher) indexLocked(sub *Subscription) {
	if len(sub.Filters) == 0 {
		d.unindexed[sub.ID] = struct{}{}
		return
	}
	for _, f := range sub.Filters {
		switch {
		case f.ResourceType != "":
			if d.byResourceType[f.ResourceType] == nil {
				d.byResourceType[f.ResourceType] = make(map[string]struct{})
			}
			d.byResourceType[f.ResourceType][sub.ID] = struct{}{}
		case f.EventType != "":
			if d.byEventType[f.EventType] == nil {
				d.byEventType[f.EventType] = make(map[string]struct{})
			}
			d.byEventType[f.EventType][sub.ID] = struct{}{}
		default:
			// A filter constraining neither indexed field can only be
			// found by scanning.
			d.unindexed[sub.ID] = struct{}{}
		}
	}
}

func (d *Dispatcher) unindexLocked(sub *Subscription) {
	delete(d.unindexed, sub.ID)
	for _, f := range sub.Filters {
		if f.ResourceType != "" {
			delete(d.byResourceType[f.ResourceType], sub.ID)
			if len(d.byResourceType[f.ResourceType]) == 0 {
				delete(d.byResourceType, f.ResourceType)
			}
		}
		if f.EventType != "" {
			delete(d.byEventType[f.EventType], sub.ID)
			if len(d.byEventType[f.EventType]) == 0 {
				delete(d.byEventType, f.EventType)
			}
		}
	}
}
