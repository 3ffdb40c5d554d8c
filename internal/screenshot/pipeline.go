package screenshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/wayfarer/internal/browser"
	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// strategy is one rung of the capture fallback ladder.
type strategy struct {
	name string
	opts browser.CaptureOptions
}

// strategies run in order until one produces a capture that validates.
var strategies = []strategy{
	{"full_page", browser.CaptureOptions{FullPage: true, SettleDelay: 500 * time.Millisecond}},
	{"viewport", browser.CaptureOptions{SettleDelay: 300 * time.Millisecond}},
	{"minimal", browser.CaptureOptions{Minimal: true}},
	{"extended_wait", browser.CaptureOptions{FullPage: true, SettleDelay: 3 * time.Second}},
}

// Pipeline captures, validates, persists, and publishes screenshots.
type Pipeline struct {
	dir     string
	baseURL string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPipeline ensures the screenshots directory exists. baseURL is the
// externally reachable prefix under which /screenshots/ is served.
func NewPipeline(dir, baseURL string, logger *slog.Logger, metrics *observability.Metrics) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshots dir: %w", err)
	}
	return &Pipeline{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("component", "screenshot"),
		metrics: metrics,
	}, nil
}

// Capture walks the fallback ladder against the session. On success it
// returns a SCREENSHOT artifact with its public URL. When every strategy is
// exhausted it returns an ERROR_BLOB artifact together with a
// SCREENSHOT_FAILED error; callers attach the blob and decide task fate.
func (p *Pipeline) Capture(ctx context.Context, sess browser.Session, taskID string, stepNumber int) (*tasks.Artifact, error) {
	state, err := sess.State(ctx)
	if err != nil {
		p.logger.Warn("page state unavailable for filename", "task_id", taskID, "error", err)
	}

	var lastReason string
	for _, st := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := sess.Screenshot(ctx, st.opts)
		if err != nil {
			lastReason = err.Error()
			p.record(st.name, "error")
			p.logger.Debug("capture attempt failed", "strategy", st.name, "task_id", taskID, "error", err)
			continue
		}

		v, err := Validate(data)
		if err != nil {
			lastReason = err.Error()
			p.record(st.name, "invalid")
			p.logger.Debug("capture rejected", "strategy", st.name, "task_id", taskID, "reason", err)
			continue
		}

		if norm := Normalize(data); len(norm) != len(data) {
			data = norm
			if w, h, err := decodedSize(data); err == nil {
				v.Width, v.Height = w, h
			}
		}

		name := BuildFilename(state.URL, state.Title, time.Now())
		if err := p.write(name, data); err != nil {
			return nil, fault.Wrap(fault.KindScreenshotFailed, "persist screenshot", err)
		}
		p.record(st.name, "ok")

		step := stepNumber
		return &tasks.Artifact{
			ID:           uuid.NewString(),
			TaskID:       taskID,
			StepNumber:   &step,
			Kind:         tasks.ArtifactScreenshot,
			ContentRef:   filepath.Join(p.dir, name),
			PublicURL:    p.baseURL + "/screenshots/" + name,
			Bytes:        int64(len(data)),
			Width:        v.Width,
			Height:       v.Height,
			QualityScore: v.Quality,
			CreatedAt:    time.Now(),
		}, nil
	}

	p.record("error_blob", "error")
	step := stepNumber
	blob := &tasks.Artifact{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		StepNumber: &step,
		Kind:       tasks.ArtifactErrorBlob,
		ContentRef: fmt.Sprintf("screenshot failed after %d strategies: %s", len(strategies), lastReason),
		CreatedAt:  time.Now(),
	}
	return blob, fault.Newf(fault.KindScreenshotFailed, "all capture fallbacks exhausted: %s", lastReason)
}

// write persists atomically: temp file in the same directory, then rename.
func (p *Pipeline) write(name string, data []byte) error {
	tmp, err := os.CreateTemp(p.dir, ".capture-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close capture: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(p.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename capture: %w", err)
	}
	return nil
}

// Dir returns the directory screenshots are written to.
func (p *Pipeline) Dir() string { return p.dir }

func (p *Pipeline) record(strategy, status string) {
	if p.metrics != nil {
		p.metrics.RecordScreenshot(strategy, status)
	}
}
