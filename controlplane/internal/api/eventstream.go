package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/eventdispatcher"
)

// Timing and sizing constants for the event-stream websocket, mirrored from
// the control plane's other long-lived server-push connections: a ping/pong
// keepalive loop and a bounded read size since clients only send pong frames.
const (
	streamWriteWait   = 10 * time.Second
	streamPongWait    = 60 * time.Second
	streamPingPeriod  = (streamPongWait * 9) / 10
	streamMaxReadSize = 512
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamEvents handles GET /v1/runs/{runId}/events and GET /v1/events. The
// former subscribes to one run only; the latter, used without a path
// parameter, subscribes to every run.
// A `run_ids` query parameter (comma-separated) narrows a /v1/events stream
// to a specific set of runs.
func (h *RunsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	filter := h.resolveFilter(r)

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("event stream: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connectionId := uuid.NewString()
	events := h.events.Subscribe(connectionId, filter)
	defer h.events.Unsubscribe(connectionId)

	h.logger.Info("event stream: client connected",
		zap.String("connection_id", connectionId), zap.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go h.drainIncoming(conn, done)

	conn.SetReadLimit(streamMaxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := encodeRunEvent(event)
			if err != nil {
				h.logger.Error("event stream: encode failed", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Warn("event stream: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Warn("event stream: ping error", zap.Error(err))
				return
			}

		case <-done:
			return
		}
	}
}

// drainIncoming discards frames from the client — the protocol is
// server-push only — and closes done when the connection goes away, which
// is how readPump-style disconnection detection is normally done with
// gorilla/websocket.
func (h *RunsHandler) drainIncoming(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *RunsHandler) resolveFilter(r *http.Request) eventdispatcher.Filter {
	if runId := chi.URLParam(r, "runId"); runId != "" {
		return eventdispatcher.SubscribeRunIds([]string{runId})
	}
	if raw := r.URL.Query().Get("run_ids"); raw != "" {
		ids := strings.Split(raw, ",")
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
		}
		return eventdispatcher.SubscribeRunIds(ids)
	}
	return eventdispatcher.SubscribeAll()
}
