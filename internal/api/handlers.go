package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"futures-riskd/internal/config"
)

// isOriginAllowed applies the WebSocket origin policy: browsers always
// send an Origin header, so an empty one means a non-browser client and
// passes. With an allowlist configured, only exact matches pass;
// otherwise local and same-host origins pass.
func isOriginAllowed(origin string, cfg config.StatusConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return u.Host == reqHost || host == hostOnly(reqHost)
}

func hostOnly(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	server *Server
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handlers for a server.
func NewHandlers(server *Server, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{server: server, hub: hub, logger: logger.With("component", "api-handlers")}
}

// HandleHealth reports liveness and stream state.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"stream_connected": h.server.streamUp.Load(),
	})
}

// HandleSnapshot returns the full status snapshot.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := h.server.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection, registers the client, and
// sends it an initial snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.server.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := StatusEvent{Type: "snapshot", Data: h.server.Snapshot()}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}
