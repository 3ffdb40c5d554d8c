package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// drainWindow keeps an SSE stream open after task-ended so late artifacts
// and reconnecting readers catch the tail.
const drainWindow = 10 * time.Second

// SSEHandler streams one task's events as Server-Sent Events.
type SSEHandler struct {
	bus       *Bus
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewSSEHandler builds the per-task SSE endpoint handler.
func NewSSEHandler(bus *Bus, heartbeat time.Duration, logger *slog.Logger) *SSEHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{bus: bus, heartbeat: heartbeat, logger: logger.With("component", "sse")}
}

// ServeTask streams the task's events until the client disconnects or the
// task has ended and the drain window elapsed. Reconnects resume from the
// Last-Event-ID header (or ?last_event_id=).
func (h *SSEHandler) ServeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastID := parseLastEventID(r)
	sub := h.bus.Subscribe(taskID, lastID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var drainUntil time.Time
	if h.bus.Terminal(taskID) {
		drainUntil = time.Now().Add(drainWindow)
	}

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if !drainUntil.IsZero() && time.Now().After(drainUntil) {
			return
		}

		wait := h.heartbeat
		if !drainUntil.IsZero() {
			if rem := time.Until(drainUntil); rem < wait {
				wait = rem
			}
		}

		ev, ok, closed := sub.Next(wait)
		switch {
		case closed:
			return
		case !ok:
			// Idle. Emit a comment-style heartbeat so proxies keep the
			// connection alive.
			hb := Event{Type: TypeHeartbeat, TaskID: taskID, Timestamp: time.Now()}
			if err := writeSSE(w, hb); err != nil {
				return
			}
			flusher.Flush()
		default:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == TypeTaskEnded {
				drainUntil = time.Now().Add(drainWindow)
			}
		}
	}
}

// writeSSE emits one event in wire format. Real events carry their sequence
// as the SSE id so clients can resume.
func writeSSE(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if ev.Sequence > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}

func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
