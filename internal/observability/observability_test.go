package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLoggerRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	key := "sk-" + strings.Repeat("a", 48)
	logger.Info("provider configured", "api_key", key)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Errorf("log output leaked credential: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("log output missing redaction marker: %s", out)
	}
}

func TestLoggerRedactsWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	token := "sk-ant-" + strings.Repeat("b", 96)
	component := logger.With("auth", token)
	component.Info("derived logger")

	if strings.Contains(buf.String(), token) {
		t.Errorf("derived logger leaked credential: %s", buf.String())
	}
}

func TestSetLogLevelDynamic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record emitted at info level: %s", buf.String())
	}

	SetLogLevel("debug")
	defer SetLogLevel("info")

	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug record missing after level change: %s", buf.String())
	}
}

func TestMetricsRecordTask(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTask("MULTI_STEP", "COMPLETED", 12.5)
	m.RecordTask("MULTI_STEP", "FAILED", 3.0)
	m.RecordTask("ONE_SHOT", "COMPLETED", 1.0)

	if count := testutil.CollectAndCount(m.TaskCounter); count != 3 {
		t.Errorf("TaskCounter label combinations = %d, want 3", count)
	}
	got := testutil.ToFloat64(m.TaskCounter.WithLabelValues("MULTI_STEP", "COMPLETED"))
	if got != 1 {
		t.Errorf("MULTI_STEP/COMPLETED = %v, want 1", got)
	}
}

func TestMetricsCacheLookups(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("degraded")

	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("degraded")); got != 1 {
		t.Errorf("cache degraded = %v, want 1", got)
	}
}

func TestMetricsEventsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventsDropped.Inc()
	m.EventsDropped.Inc()

	if got := testutil.ToFloat64(m.EventsDropped); got != 2 {
		t.Errorf("EventsDropped = %v, want 2", got)
	}
}

func TestNoopTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceTask(context.Background(), "task-1", "AUTO")
	span.End()

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q on no-op tracer, want empty", id)
	}
}

func TestWithSpanPropagatesError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	wantErr := context.DeadlineExceeded
	err := WithSpan(context.Background(), tracer, "op", func(context.Context) error {
		return wantErr
	})
	if err != wantErr {
		t.Errorf("WithSpan() error = %v, want %v", err, wantErr)
	}
}
