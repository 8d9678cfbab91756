package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tracklab/projectsync/internal/events"
)

// replayLimit caps how many stored events a reconnecting client gets.
const replayLimit = 500

// writeTimeout bounds one stream write so a stalled client cannot hold
// the dispatcher's stream consumer.
const writeTimeout = 5 * time.Second

// StreamHub tracks open push-stream connections per client and delivers
// dispatched events to them. It satisfies subscriptions.StreamSender.
type StreamHub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
	log   *zap.Logger
}

func NewStreamHub(log *zap.Logger) *StreamHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamHub{conns: make(map[string]map[*websocket.Conn]struct{}), log: log}
}

// Send writes one event to every open connection of the client. A
// client with no open stream is an error so the dispatcher can log the
// missed delivery.
func (h *StreamHub) Send(clientID string, e events.Event) error {
	h.mu.RLock()
	set := h.conns[clientID]
	targets := make([]*websocket.Conn, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("no open stream for client %s", clientID)
	}
	for _, conn := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, e)
		cancel()
		if err != nil {
			h.log.Warn("stream write failed",
				zap.String("client_id", clientID), zap.Error(err))
		}
	}
	return nil
}

// Clients returns how many distinct clients hold open streams.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *StreamHub) add(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[clientID] == nil {
		h.conns[clientID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[clientID][conn] = struct{}{}
}

func (h *StreamHub) remove(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[clientID], conn)
	if len(h.conns[clientID]) == 0 {
		delete(h.conns, clientID)
	}
}

// handleStream upgrades to a websocket, optionally replays stored
// events from ?from=<RFC3339>, then registers the connection for live
// delivery until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		http.Error(w, "client query parameter is required", http.StatusBadRequest)
		return
	}

	var from time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "from must be RFC 3339", http.StatusBadRequest)
			return
		}
		from = ts
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Register before the replay query so events dispatched while the
	// replay runs reach the client live instead of falling into the gap
	// between query and registration. Live writes may interleave with
	// replayed ones; nothing is lost.
	s.hub.add(clientID, conn)
	defer s.hub.remove(clientID, conn)

	var replay []events.Event
	if !from.IsZero() {
		replay, err = s.deps.Events.GetEventsFromTimestamp(from, replayLimit)
		if err != nil {
			s.log.Error("loading replay events", zap.Error(err))
			conn.Close(websocket.StatusInternalError, "loading replay events")
			return
		}
	}

	// Replay oldest-first so the client observes original order.
	for i := len(replay) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
		err := wsjson.Write(ctx, conn, replay[i])
		cancel()
		if err != nil {
			return
		}
	}

	s.log.Info("stream connected", zap.String("client_id", clientID), zap.Int("replayed", len(replay)))

	// No inbound messages are expected; CloseRead surfaces disconnects.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	conn.Close(websocket.StatusNormalClosure, "")
}
