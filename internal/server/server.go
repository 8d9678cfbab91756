// Package server wires all components and creates the MCP server
// instance. This is the composition root: it creates concrete
// implementations and injects them into everything that depends on
// them. No business logic lives here, only wiring.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/cache"
	"github.com/tracklab/projectsync/internal/config"
	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/httpapi"
	"github.com/tracklab/projectsync/internal/metadata"
	"github.com/tracklab/projectsync/internal/resource"
	"github.com/tracklab/projectsync/internal/subscriptions"
	"github.com/tracklab/projectsync/internal/syncer"
	"github.com/tracklab/projectsync/internal/tools"
	"github.com/tracklab/projectsync/internal/webhook"
)

// Version is set at build time via ldflags.
var Version = "dev"

// invalidatorClientID is the internal subscription that keeps the cache
// coherent with dispatched events.
const invalidatorClientID = "internal/cache-invalidator"

// janitorInterval drives event retention and subscription expiry sweeps.
const janitorInterval = time.Hour

// App holds the wired components and their lifecycle.
type App struct {
	MCP *mcpserver.MCPServer

	cfg        *config.Config
	log        *zap.Logger
	cache      *cache.Cache
	meta       *metadata.Store
	events     *events.Store
	dispatcher *subscriptions.Dispatcher
	syncer     *syncer.Orchestrator
	api        *httpapi.Server
}

// New resolves every dependency and registers the MCP tools. The
// returned cleanup closes the dispatcher and its database and must be
// called on shutdown; it is always non-nil.
func New(cfg *config.Config, log *zap.Logger) (*App, func(), error) {
	if log == nil {
		log = zap.NewNop()
	}

	resourceCache := cache.New(0, log)

	meta, err := metadata.Open(cfg.DataDir, cfg.MetadataBackups, cfg.CompressMetadata, log)
	if err != nil {
		return nil, noop, fmt.Errorf("opening metadata store: %w", err)
	}

	eventStore, err := events.NewStore(
		filepath.Join(cfg.DataDir, "events"), cfg.MaxEventsInMem, cfg.RetentionDays, log)
	if err != nil {
		return nil, noop, fmt.Errorf("opening event store: %w", err)
	}

	subStore, err := subscriptions.OpenStore(cfg.DataDir)
	if err != nil {
		return nil, noop, fmt.Errorf("opening subscription store: %w", err)
	}

	hub := httpapi.NewStreamHub(log)
	dispatcher := subscriptions.NewDispatcher(log,
		subscriptions.WithStore(subStore),
		subscriptions.WithStreamSender(hub),
		subscriptions.WithCallbackSecret(cfg.WebhookSecret),
	)
	if err := dispatcher.Start(); err != nil {
		subStore.Close()
		return nil, noop, fmt.Errorf("starting dispatcher: %w", err)
	}
	cleanup := func() {
		dispatcher.Close()
		if err := subStore.Close(); err != nil {
			log.Warn("closing subscription store", zap.Error(err))
		}
	}

	if err := wireCacheInvalidation(dispatcher, resourceCache); err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("wiring cache invalidation: %w", err)
	}

	repo := resource.NewRESTRepository(cfg.RemoteBaseURL, cfg.RemoteToken, nil)
	orchestrator := syncer.New(repo, resourceCache, meta, syncer.Options{
		Types:   cfg.SyncTypes,
		Timeout: cfg.SyncTimeout,
	}, log)

	processor, err := webhook.NewProcessor(cfg.WebhookSecret, log)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("building webhook processor: %w", err)
	}

	api := httpapi.New(httpapi.Deps{
		Log:           log,
		Processor:     processor,
		Events:        eventStore,
		Dispatcher:    dispatcher,
		Cache:         resourceCache,
		Meta:          meta,
		StreamEnabled: cfg.StreamEnabled,
		Hub:           hub,
	})

	s := mcpserver.NewMCPServer(
		"projectsync",
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions()),
	)

	subscribeTool := tools.NewSubscribeTool(dispatcher)
	s.AddTool(subscribeTool.Definition(), subscribeTool.Handle)

	unsubscribeTool := tools.NewUnsubscribeTool(dispatcher)
	s.AddTool(unsubscribeTool.Definition(), unsubscribeTool.Handle)

	listTool := tools.NewListSubscriptionsTool(dispatcher)
	s.AddTool(listTool.Definition(), listTool.Handle)

	recentTool := tools.NewGetRecentEventsTool(eventStore)
	s.AddTool(recentTool.Definition(), recentTool.Handle)

	replayTool := tools.NewReplayEventsTool(eventStore)
	s.AddTool(replayTool.Definition(), replayTool.Handle)

	syncTool := tools.NewSyncTool(orchestrator)
	s.AddTool(syncTool.Definition(), syncTool.Handle)

	statsTool := tools.NewStatsTool(resourceCache, meta, eventStore, dispatcher, orchestrator)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	app := &App{
		MCP:        s,
		cfg:        cfg,
		log:        log,
		cache:      resourceCache,
		meta:       meta,
		events:     eventStore,
		dispatcher: dispatcher,
		syncer:     orchestrator,
		api:        api,
	}
	return app, cleanup, nil
}

// noop is the default cleanup.
func noop() {}

// wireCacheInvalidation subscribes the cache to all dispatched events so
// updated/deleted resources drop out immediately instead of waiting for
// TTL expiry. The previous registration is removed first; the durable
// store would otherwise accumulate one per process start.
func wireCacheInvalidation(d *subscriptions.Dispatcher, c *cache.Cache) error {
	d.UnsubscribeClient(invalidatorClientID)
	sub, err := d.Subscribe(invalidatorClientID, nil, subscriptions.TransportInProcess, "", time.Time{})
	if err != nil {
		return err
	}
	d.RegisterHandler(sub.ID, func(e events.Event) {
		if e.Type == events.EventUpdated || e.Type == events.EventDeleted {
			c.Invalidate(e.ResourceType, e.ResourceID)
		}
	})
	return nil
}

// Run starts the HTTP listener and background loops, performs the
// startup sync when enabled, then serves MCP over stdio until the
// context ends or stdio closes.
func (a *App) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.WebhookPort),
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("binding webhook listener: %w", err)
	}
	go func() {
		a.log.Info("http listener started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.Error("http listener stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if a.cfg.SyncEnabled {
		result := a.syncer.PerformInitialSync(ctx)
		a.log.Info("initial sync finished",
			zap.Duration("elapsed", result.Elapsed),
			zap.Bool("complete", result.Complete()))
	}
	if a.cfg.SyncInterval > 0 {
		go a.syncer.RunPeriodic(ctx, a.cfg.SyncInterval)
	}
	go a.runJanitor(ctx)

	return mcpserver.ServeStdio(a.MCP)
}

// runJanitor periodically prunes expired events and subscriptions.
func (a *App) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if result, err := a.events.Cleanup(); err != nil {
				a.log.Warn("event retention sweep", zap.Error(err))
			} else if result.MemoryPruned > 0 || result.FilesRemoved > 0 {
				a.log.Info("event retention sweep",
					zap.Int("memory_pruned", result.MemoryPruned),
					zap.Int("files_removed", result.FilesRemoved))
			}
			a.dispatcher.CleanupExpired()
		}
	}
}

// serverInstructions tells the AI client how to use the event surface.
func serverInstructions() string {
	return `You have access to projectsync, a project-tracking resource
sync and event-notification MCP server.

## Tools

- sync_resources: pull current remote state (projects, milestones,
  issues, sprints) into the local cache. Run this when the user asks for
  fresh data or when sync_stats shows no sync has happened yet.
- sync_stats: inspect cache, metadata, event store, and subscription
  counts plus the last sync outcome.
- subscribe_events / unsubscribe_events / list_subscriptions: manage
  standing event subscriptions. A subscription with no filters receives
  every event; multiple filters are OR-ed, fields within one filter are
  AND-ed.
- get_recent_events: query stored events, newest first, with optional
  resource_type / event_type / resource_id / source filters.
- replay_events: re-read events from a point in time, including events
  already evicted from memory.

## Notes

- Events arrive from the remote system via webhook; the server verifies
  signatures before storing anything, so an empty event list usually
  means no webhooks have been received, not an error.
- Subscriptions survive restarts. Use list_subscriptions before
  creating duplicates for the same client.`
}
