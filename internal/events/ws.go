package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = 45 * time.Second
)

// WSHandler streams the all-tasks event firehose over a WebSocket. Meant
// for dashboards; per-task consumers should prefer the SSE endpoint, which
// supports resume.
type WSHandler struct {
	bus      *Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler builds the firehose endpoint handler.
func NewWSHandler(bus *Bus, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same-host dashboards only; the server is not internet-facing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "events-ws"),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.bus.SubscribeAll()
	defer sub.Close()

	// Reader drains control frames and detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastPing := time.Now()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		default:
		}

		ev, ok, closed := sub.Next(wsPingEvery)
		if closed {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if !ok {
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			lastPing = time.Now()
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if time.Since(lastPing) >= wsPingEvery {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			lastPing = time.Now()
		}
	}
}
