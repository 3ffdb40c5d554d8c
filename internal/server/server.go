// Package server assembles the HTTP surface: the MCP endpoint, the task
// read API, event streams, screenshot files, and operational endpoints.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/events"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// Canceller requests task cancellation. The orchestrator satisfies this.
type Canceller interface {
	Cancel(ctx context.Context, taskID string) error
}

// Options carries the wired components the HTTP surface exposes.
type Options struct {
	Config    *config.Config
	Store     tasks.Store
	Canceller Canceller

	// MCP serves POST /v1.
	MCP http.Handler

	// Bus feeds the SSE and WebSocket streams.
	Bus *events.Bus

	// ScreenshotsDir is served read-only under /screenshots/.
	ScreenshotsDir string

	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Server is the process's HTTP listener.
type Server struct {
	cfg       *config.Config
	store     tasks.Store
	canceller Canceller
	sse       *events.SSEHandler
	logger    *slog.Logger
	metrics   *observability.Metrics

	handler  http.Handler
	httpSrv  *http.Server
	listener net.Listener
}

// New builds the server and its route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		canceller: opts.Canceller,
		sse:       events.NewSSEHandler(opts.Bus, opts.Config.Heartbeat(), opts.Logger),
		logger:    logger.With("component", "server"),
		metrics:   opts.Metrics,
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1", opts.MCP)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleTaskEvents)
	mux.Handle("GET /v1/events/ws", events.NewWSHandler(opts.Bus, opts.Logger))
	mux.Handle("GET /screenshots/{filename}", screenshotHandler(opts.ScreenshotsDir))
	mux.Handle("GET /metrics", metricsHandler(opts.Gatherer))
	mux.HandleFunc("GET /healthz", handleHealthz)

	s.handler = s.withMetrics(mux)
	return s
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listener and serves in the background. Serve errors other
// than a clean close are logged, not returned.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests within the configured grace window.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	grace := time.Duration(s.cfg.Server.ShutdownGraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleGetTask serves one hydrated task: lifecycle fields, step records,
// and artifacts.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "no such task")
			return
		}
		s.logger.Error("fetch task", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleListTasks serves task summaries, filterable by ?status= and capped
// by ?limit= (default 50).
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := tasks.ListOptions{Limit: 50}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := tasks.Status(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENTS", fmt.Sprintf("unknown status %q", raw))
			return
		}
		opts.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENTS", "limit must be in [1,500]")
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENTS", "offset must be >= 0")
			return
		}
		opts.Offset = offset
	}

	list, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

// handleCancelTask requests cancellation. Accepted means the flag is set;
// the task reaches CANCELLED asynchronously.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.canceller.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "CANCELLING"})
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "no such task")
	case errors.Is(err, tasks.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "ILLEGAL_TRANSITION", "task already ended")
	default:
		s.logger.Error("cancel task", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "cancel failed")
	}
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	s.sse.ServeTask(w, r, r.PathValue("id"))
}

// screenshotHandler serves captured PNGs by bare filename. PathValue never
// contains a slash, which keeps lookups inside the directory.
func screenshotHandler(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("filename")
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		http.ServeFile(w, r, filepath.Join(dir, name))
	})
}

func metricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusRecorder captures the response code for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// withMetrics records request counts and latency per matched route pattern,
// keeping label cardinality bounded.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}
