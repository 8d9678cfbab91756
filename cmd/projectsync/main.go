// Projectsync: project-tracking resource sync and event notification
// MCP server.
//
// It mirrors remote project-tracking resources into a local cache,
// ingests signed webhooks into a durable event log, and fans events out
// to subscribers over in-process handlers, websocket push-streams, and
// signed webhook callbacks.
//
// Usage:
//
//	projectsync serve    # Start the MCP server (stdio transport)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/config"
	"github.com/tracklab/projectsync/internal/logging"
	appserver "github.com/tracklab/projectsync/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("projectsync v%s\n", appserver.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by the host.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	app, cleanup, err := appserver.New(cfg, log)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer cleanup()

	// Graceful shutdown on interrupt; stdio closing ends Run on its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return app.Run(ctx)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `projectsync v%s - project-tracking sync and event MCP server

Usage:
  projectsync serve    Start the MCP server (stdio transport)

Configuration (environment or .env):
  WEBHOOK_SECRET        HMAC shared secret for inbound webhooks (required for ingress)
  WEBHOOK_PORT          HTTP listen port (default 8090)
  DATA_DIR              storage directory (default .projectsync)
  SYNC_ENABLED          run the startup sync (default true)
  SYNC_TIMEOUT          startup sync budget (default 30s)
  SYNC_INTERVAL         periodic re-sync, 0 disables (default 0)
  SYNC_RESOURCE_TYPES   comma list (default project,milestone,issue,sprint)
  EVENT_RETENTION_DAYS  event retention window (default 30)
  MAX_EVENTS_IN_MEMORY  hot buffer size (default 1000)
  STREAM_ENABLED        websocket push-stream endpoint (default true)
  REMOTE_BASE_URL       remote API base URL
  REMOTE_TOKEN          remote API bearer token
  LOG_LEVEL             debug|info|warn|error (default info)

Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "projectsync": {
        "command": "projectsync",
        "args": ["serve"]
      }
    }
  }
`, appserver.Version)
}
