// Package httpapi exposes the HTTP surface: webhook ingress, the
// push-stream endpoint, and health/stats probes.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tracklab/projectsync/internal/cache"
	"github.com/tracklab/projectsync/internal/events"
	"github.com/tracklab/projectsync/internal/metadata"
	"github.com/tracklab/projectsync/internal/subscriptions"
	"github.com/tracklab/projectsync/internal/webhook"
)

// Inbound webhook headers, following the remote system's conventions.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

// maxWebhookBody bounds inbound payload size.
const maxWebhookBody = 1 << 20

// Deps carries the collaborators the HTTP surface exposes.
type Deps struct {
	Log           *zap.Logger
	Processor     *webhook.Processor
	Events        *events.Store
	Dispatcher    *subscriptions.Dispatcher
	Cache         *cache.Cache
	Meta          *metadata.Store
	StreamEnabled bool
	// Hub is the push-stream hub; built here when nil. Callers that wire
	// the dispatcher's stream sender construct it first and pass it in.
	Hub *StreamHub
}

// Server is the HTTP API. Construct with New, mount Router.
type Server struct {
	deps Deps
	log  *zap.Logger
	hub  *StreamHub
}

// New builds the server. A nil logger is replaced with a no-op one.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = NewStreamHub(deps.Log)
	}
	return &Server{deps: deps, log: deps.Log, hub: deps.Hub}
}

// Hub returns the push-stream hub so the dispatcher can deliver to it.
func (s *Server) Hub() *StreamHub { return s.hub }

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Post("/webhook", s.handleWebhook)
	if s.deps.StreamEnabled {
		r.Get("/events/stream", s.handleStream)
	}
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

// handleWebhook verifies the signature over the raw body before looking
// at anything else, then translates, stores, and dispatches.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhook.Result{Error: "reading body"})
		return
	}

	if !s.deps.Processor.ValidateSignature(body, r.Header.Get(HeaderSignature)) {
		s.log.Warn("webhook signature rejected",
			zap.String("delivery", r.Header.Get(HeaderDelivery)))
		writeJSON(w, http.StatusUnauthorized, webhook.Result{Error: "invalid signature"})
		return
	}

	result := s.deps.Processor.Process(
		r.Header.Get(HeaderEvent), r.Header.Get(HeaderDelivery), body)
	if !result.Success {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	for _, e := range result.Events {
		if err := s.deps.Events.StoreEvent(e); err != nil {
			s.log.Error("storing webhook event", zap.String("event_id", e.ID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, webhook.Result{Error: "storing event"})
			return
		}
		s.deps.Dispatcher.Notify(e)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats aggregates the per-component stats surfaces.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.deps.Cache != nil {
		out["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Meta != nil {
		out["metadata"] = s.deps.Meta.Stats()
	}
	if s.deps.Events != nil {
		stats, err := s.deps.Events.Stats()
		if err != nil {
			s.log.Warn("collecting event store stats", zap.Error(err))
		} else {
			out["events"] = stats
		}
	}
	if s.deps.Dispatcher != nil {
		out["subscriptions"] = s.deps.Dispatcher.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// requestLogger logs one line per request with status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
