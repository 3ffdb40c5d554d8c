// Package executor runs one planned step against a browser session and
// scores the outcome. It owns per-step timeouts, the retry policy for
// transient page conditions, and the confidence rubric the orchestrator
// uses for early completion.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/haasonsaas/wayfarer/internal/browser"
	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/planner"
	"github.com/haasonsaas/wayfarer/internal/screenshot"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// maxAttempts bounds same-step retries: one initial attempt plus two
// retries for retryable kinds.
const maxAttempts = 3

// retryBackoff is the pause before the second and third attempts.
var retryBackoff = []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond}

// stateWindow bounds the post-step page snapshot so a hung page cannot
// stall the step beyond its own deadline.
const stateWindow = 3 * time.Second

// Result is one executed step's outcome.
type Result struct {
	// Text is the step's textual result: extracted text, a screenshot URL,
	// or a short action confirmation.
	Text string

	// Confidence scores the outcome: 1.0 for a verified success, 0.5 for an
	// action that succeeded without a verifying signal, 0.0 for a degraded
	// result such as an empty extraction.
	Confidence float64

	// Artifacts produced by the step. Not yet persisted.
	Artifacts []*tasks.Artifact

	// BrowserState is the post-step page snapshot, when available.
	BrowserState *tasks.BrowserState

	// TaskComplete is set when the step produced a deliverable (text or a
	// validated screenshot), signalling the goal may already be met.
	TaskComplete bool
}

// Executor executes planned steps. Safe for concurrent use; all per-task
// state lives in the session.
type Executor struct {
	shots       *screenshot.Pipeline
	stepTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics

	// sleep is swappable so tests can skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an Executor. stepTimeout is the default per-step deadline;
// individual steps may override it.
func New(shots *screenshot.Pipeline, stepTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		shots:       shots,
		stepTimeout: stepTimeout,
		logger:      logger.With("component", "executor"),
		metrics:     metrics,
		sleep:       sleepCtx,
	}
}

// ExecuteStep runs one step with its timeout and retry policy applied. The
// returned Result is non-nil even on error when the step produced partial
// output (an ERROR_BLOB artifact, a page snapshot); the error carries the
// fault kind for the step record.
func (e *Executor) ExecuteStep(ctx context.Context, sess browser.Session, taskID string, stepNumber int, spec planner.StepSpec) (*Result, error) {
	started := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, spec.Timeout(e.stepTimeout))
	defer cancel()

	var (
		res *Result
		err error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err = e.run(stepCtx, sess, taskID, stepNumber, spec)
		if err == nil || !fault.IsRetryable(err) || stepCtx.Err() != nil {
			break
		}
		if attempt == maxAttempts {
			break
		}
		wait := retryBackoff[attempt-1]
		e.logger.Debug("retrying step",
			"task_id", taskID, "step", stepNumber, "action", spec.Action,
			"attempt", attempt, "backoff", wait, "error", err)
		if serr := e.sleep(stepCtx, wait); serr != nil {
			break
		}
	}

	if err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		// The step deadline fired, not the task's. Report it as such.
		err = fault.Wrap(fault.KindTimeout, fmt.Sprintf("step %d timed out after %s", stepNumber, spec.Timeout(e.stepTimeout)), err)
	}
	if res == nil {
		res = &Result{}
	}
	e.snapshotState(ctx, sess, res)

	status := "ok"
	if err != nil {
		status = string(fault.KindOf(err))
	}
	if e.metrics != nil {
		e.metrics.RecordStep(string(spec.Action), status, time.Since(started).Seconds())
	}
	return res, err
}

// run dispatches a single attempt.
func (e *Executor) run(ctx context.Context, sess browser.Session, taskID string, stepNumber int, spec planner.StepSpec) (*Result, error) {
	switch spec.Action {
	case planner.ActionNavigate:
		if err := sess.Navigate(ctx, spec.URL); err != nil {
			return nil, err
		}
		return &Result{Text: fmt.Sprintf("navigated to %s", spec.URL), Confidence: 1.0}, nil

	case planner.ActionClick:
		target := browser.ClickTarget{Selector: spec.Selector, Text: spec.Text}
		if err := sess.Click(ctx, target); err != nil {
			return nil, err
		}
		return &Result{Text: fmt.Sprintf("clicked %s", spec.Describe()), Confidence: 0.5}, nil

	case planner.ActionType:
		if err := sess.Type(ctx, spec.Selector, spec.Text, spec.Submit); err != nil {
			return nil, err
		}
		// Type verifies the value read back, so success is a real signal.
		return &Result{Text: fmt.Sprintf("typed into %s", spec.Selector), Confidence: 1.0}, nil

	case planner.ActionWait:
		cond := browser.WaitCondition{
			Kind:     browser.WaitKind(spec.Wait),
			Selector: spec.Selector,
			Duration: time.Duration(spec.DurationMS) * time.Millisecond,
		}
		if err := sess.Wait(ctx, cond); err != nil {
			return nil, err
		}
		confidence := 1.0
		if cond.Kind == browser.WaitDuration {
			// A fixed sleep observed nothing about the page.
			confidence = 0.5
		}
		return &Result{Text: fmt.Sprintf("waited for %s", spec.Wait), Confidence: confidence}, nil

	case planner.ActionScreenshot:
		return e.capture(ctx, sess, taskID, stepNumber)

	case planner.ActionExtractText:
		return e.extract(ctx, sess, taskID, stepNumber, spec.Selector)

	case planner.ActionScroll:
		if err := sess.Scroll(ctx, spec.Direction != "up"); err != nil {
			return nil, err
		}
		return &Result{Text: fmt.Sprintf("scrolled %s", scrollWord(spec.Direction)), Confidence: 0.5}, nil

	default:
		return nil, fault.Newf(fault.KindInternal, "unknown action %q", spec.Action)
	}
}

// capture runs the screenshot pipeline. An exhausted capture still returns
// the ERROR_BLOB artifact so the caller can attach it to the step.
func (e *Executor) capture(ctx context.Context, sess browser.Session, taskID string, stepNumber int) (*Result, error) {
	artifact, err := e.shots.Capture(ctx, sess, taskID, stepNumber)
	if err != nil {
		res := &Result{Confidence: 0}
		if artifact != nil {
			res.Artifacts = append(res.Artifacts, artifact)
		}
		return res, err
	}
	return &Result{
		Text:         artifact.PublicURL,
		Confidence:   1.0,
		Artifacts:    []*tasks.Artifact{artifact},
		TaskComplete: true,
	}, nil
}

// extract pulls visible text from the page, preferring the session's
// DOM-side extraction and falling back to parsing the outer HTML when that
// comes back empty. An empty result is a degraded success, not a failure.
func (e *Executor) extract(ctx context.Context, sess browser.Session, taskID string, stepNumber int, selector string) (*Result, error) {
	text, err := sess.ExtractText(ctx, selector)
	if err != nil || strings.TrimSpace(text) == "" {
		fallback, ferr := e.extractFromHTML(ctx, sess, selector)
		if ferr != nil {
			if err != nil {
				return nil, err
			}
			return nil, ferr
		}
		text = fallback
	}
	text = collapseWhitespace(text)

	if text == "" {
		e.logger.Debug("extraction produced no text", "task_id", taskID, "step", stepNumber, "selector", selector)
		return &Result{Text: "", Confidence: 0}, nil
	}

	step := stepNumber
	artifact := &tasks.Artifact{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		StepNumber: &step,
		Kind:       tasks.ArtifactText,
		ContentRef: text,
		Bytes:      int64(len(text)),
		CreatedAt:  time.Now(),
	}
	return &Result{
		Text:         text,
		Confidence:   1.0,
		Artifacts:    []*tasks.Artifact{artifact},
		TaskComplete: true,
	}, nil
}

// extractFromHTML re-extracts from the page source. Script, style, and
// noscript content never counts as visible text.
func (e *Executor) extractFromHTML(ctx context.Context, sess browser.Session, selector string) (string, error) {
	html, err := sess.HTML(ctx)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "parse page html", err)
	}
	doc.Find("script, style, noscript").Remove()

	sel := doc.Find("body")
	if selector != "" {
		sel = doc.Find(selector)
		if sel.Length() == 0 {
			return "", fault.Newf(fault.KindElementNotFound, "selector %q matched nothing", selector)
		}
	}
	return sel.Text(), nil
}

// snapshotState records the post-step URL and title, best effort. The
// snapshot runs on the parent context so it still works after a step
// deadline, but under its own short window.
func (e *Executor) snapshotState(ctx context.Context, sess browser.Session, res *Result) {
	snapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWindow)
	defer cancel()
	state, err := sess.State(snapCtx)
	if err != nil {
		e.logger.Debug("page state unavailable", "error", err)
		return
	}
	res.BrowserState = &tasks.BrowserState{URL: state.URL, Title: state.Title}
}

func scrollWord(direction string) string {
	if direction == "up" {
		return "up"
	}
	return "down"
}

// collapseWhitespace squeezes runs of whitespace to single spaces and
// preserves line boundaries so extracted text stays readable.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
