// Package orchestrator drives multi-step tasks from QUEUED to a terminal
// status: it decomposes the instruction once, leases one browser session
// for the task's lifetime, and runs the plan step by step under the task
// deadline, honoring the execution mode and early-completion policy.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/wayfarer/internal/artifacts"
	"github.com/haasonsaas/wayfarer/internal/browser"
	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/events"
	"github.com/haasonsaas/wayfarer/internal/executor"
	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/planner"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// summaryLimit caps the stored result summary.
const summaryLimit = 2000

// minStepsForAverage is how many executed steps the moving-average early
// completion needs before it may trigger.
const minStepsForAverage = 2

// taskRun tracks one in-flight task so Cancel can reach it.
type taskRun struct {
	mu        sync.Mutex
	cancelled bool
}

func (r *taskRun) cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

func (r *taskRun) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Orchestrator owns the task run loop.
type Orchestrator struct {
	store   tasks.Store
	pool    *browser.Pool
	plan    *planner.Planner
	exec    *executor.Executor
	bus     *events.Bus
	archive *artifacts.Archiver
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu      sync.Mutex
	running map[string]*taskRun
	closed  bool
	wg      sync.WaitGroup
}

// New wires the orchestrator. All collaborators are required except
// archive, logger, metrics, and tracer.
func New(store tasks.Store, pool *browser.Pool, plan *planner.Planner, exec *executor.Executor, bus *events.Bus, archive *artifacts.Archiver, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		pool:    pool,
		plan:    plan,
		exec:    exec,
		bus:     bus,
		archive: archive,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		metrics: metrics,
		tracer:  tracer,
		running: make(map[string]*taskRun),
	}
}

// Enqueue persists the task as QUEUED and starts its run loop in the
// background. The caller gets the handle back before any step executes.
func (o *Orchestrator) Enqueue(ctx context.Context, task *tasks.Task) error {
	if err := o.admit(ctx, task); err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.Background(), task.ID)
	}()
	return nil
}

// RunSync persists the task and runs it to completion on the caller's
// goroutine, returning the hydrated result. This is the one-shot path.
func (o *Orchestrator) RunSync(ctx context.Context, task *tasks.Task) (*tasks.Task, error) {
	if err := o.admit(ctx, task); err != nil {
		return nil, err
	}
	o.wg.Add(1)
	func() {
		defer o.wg.Done()
		o.run(ctx, task.ID)
	}()
	return o.store.Fetch(ctx, task.ID)
}

// admit validates, persists, and announces a new task.
func (o *Orchestrator) admit(ctx context.Context, task *tasks.Task) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return fmt.Errorf("orchestrator is shutting down")
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ExecutionMode == "" {
		task.ExecutionMode = tasks.ModeAuto
	}
	if !task.ExecutionMode.Valid() {
		return fault.Newf(fault.KindInvalidArguments, "unknown execution mode %q", task.ExecutionMode)
	}
	if task.MaxSteps < 1 || task.MaxSteps > 50 {
		return fault.Newf(fault.KindInvalidArguments, "max_steps %d out of range [1,50]", task.MaxSteps)
	}
	task.Status = tasks.StatusQueued

	if err := o.store.CreateTask(ctx, task); err != nil {
		return err
	}
	o.bus.Publish(task.ID, events.TypeTaskQueued, map[string]any{
		"tool_name":  task.ToolName,
		"max_steps":  task.MaxSteps,
		"created_at": task.CreatedAt,
	})
	return nil
}

// Cancel requests cancellation. A QUEUED task is cancelled immediately; a
// RUNNING task stops before its next step starts.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	run := o.running[taskID]
	o.mu.Unlock()

	if run != nil {
		run.cancel()
		return nil
	}

	summary := "cancelled before execution started"
	kind := fault.KindCancelled
	task, err := o.store.Transition(ctx, taskID, tasks.StatusQueued, tasks.StatusCancelled, tasks.TransitionFields{
		ResultSummary: &summary,
		ErrorKind:     &kind,
	})
	if err != nil {
		return err
	}
	o.publishEnded(task)
	o.recordTask(task)
	return nil
}

// Shutdown stops intake, flags every running task for cancellation, and
// waits for run loops to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, run := range o.running {
		run.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one task to a terminal status. Every exit path closes the
// browser session and publishes task-ended.
func (o *Orchestrator) run(ctx context.Context, taskID string) {
	task, err := o.store.Transition(ctx, taskID, tasks.StatusQueued, tasks.StatusRunning, tasks.TransitionFields{})
	if err != nil {
		// Cancelled while queued, or already picked up.
		o.logger.Debug("task not started", "task_id", taskID, "error", err)
		return
	}
	started := map[string]any{"planned_steps": task.MaxSteps}
	if task.StartedAt != nil {
		started["started_at"] = *task.StartedAt
	}
	o.bus.Publish(taskID, events.TypeTaskStarted, started)

	run := &taskRun{}
	o.mu.Lock()
	o.running[taskID] = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, taskID)
		o.mu.Unlock()
	}()

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskDeadline(task.MaxSteps))
	defer cancel()

	if o.tracer != nil {
		var span trace.Span
		taskCtx, span = o.tracer.TraceTask(taskCtx, taskID, string(task.ExecutionMode))
		defer span.End()
	}

	final := o.execute(taskCtx, run, task)
	o.finish(task, final)
}

// outcome is a run's terminal result before it is persisted.
type outcome struct {
	status  tasks.Status
	summary string
	kind    fault.Kind
	early   bool
}

func (o *Orchestrator) execute(ctx context.Context, run *taskRun, task *tasks.Task) outcome {
	instruction := instructionFromArgs(task.Arguments)
	steps, err := o.plan.Decompose(ctx, instruction, task.MaxSteps)
	if err != nil {
		return outcome{
			status:  tasks.StatusFailed,
			summary: err.Error(),
			kind:    fault.KindDecompositionFailed,
		}
	}

	sess, release, err := o.pool.Acquire(ctx)
	if err != nil {
		return o.abortedOutcome(ctx, run, fmt.Sprintf("acquire browser session: %v", err), fault.KindOf(err))
	}
	defer release()

	var (
		lastText   string
		confSum    float64
		confCount  int
		failedAny  bool
		lastFail   error
		earlyBreak bool
	)

	for i, spec := range steps {
		if run.isCancelled() {
			o.skipRemaining(task, steps[i:], i+1)
			return outcome{
				status:  tasks.StatusCancelled,
				summary: cancelSummary(i),
				kind:    fault.KindCancelled,
			}
		}
		if err := ctx.Err(); err != nil {
			o.skipRemaining(task, steps[i:], i+1)
			return o.deadlineOutcome(err, i)
		}

		stepNumber := i + 1
		if err := o.store.RecordStep(ctx, &tasks.StepRecord{
			TaskID:      task.ID,
			StepNumber:  stepNumber,
			Status:      tasks.StepRunning,
			Description: spec.Describe(),
		}); err != nil {
			return outcome{
				status:  tasks.StatusFailed,
				summary: fmt.Sprintf("record step %d: %v", stepNumber, err),
				kind:    fault.KindInternal,
			}
		}
		o.bus.Publish(task.ID, events.TypeStepStarted, map[string]any{
			"step_number": stepNumber,
			"description": spec.Describe(),
		})

		stepCtx := ctx
		var stepSpan trace.Span
		if o.tracer != nil {
			stepCtx, stepSpan = o.tracer.TraceStep(ctx, task.ID, stepNumber, string(spec.Action))
		}

		stepStart := time.Now()
		res, execErr := o.exec.ExecuteStep(stepCtx, sess, task.ID, stepNumber, spec)
		stepDuration := time.Since(stepStart)
		if stepSpan != nil {
			if execErr != nil {
				o.tracer.RecordError(stepSpan, execErr)
			}
			stepSpan.End()
		}
		o.persistArtifacts(task.ID, stepNumber, res)

		if execErr != nil {
			o.finalizeStep(task.ID, stepNumber, res, stepDuration, execErr)
			failedAny = true
			lastFail = execErr

			kind := fault.KindOf(execErr)
			if kind == fault.KindCancelled || kind == fault.KindBrowserCrashed || ctx.Err() != nil {
				o.skipRemaining(task, steps[i+1:], stepNumber+1)
				if ctx.Err() != nil && kind != fault.KindCancelled {
					return o.deadlineOutcome(ctx.Err(), stepNumber)
				}
				return outcome{
					status:  tasks.StatusFailed,
					summary: execErr.Error(),
					kind:    kind,
				}
			}
			if task.ExecutionMode != tasks.ModeAuto {
				o.skipRemaining(task, steps[i+1:], stepNumber+1)
				return outcome{
					status:  tasks.StatusFailed,
					summary: fmt.Sprintf("step %d failed: %v", stepNumber, execErr),
					kind:    kind,
				}
			}
			continue
		}

		o.finalizeStep(task.ID, stepNumber, res, stepDuration, nil)
		if res.Text != "" {
			lastText = res.Text
		}
		confSum += res.Confidence
		confCount++

		if o.shouldCompleteEarly(task, res, confSum, confCount, stepNumber, len(steps)) {
			o.skipRemaining(task, steps[i+1:], stepNumber+1)
			earlyBreak = true
			break
		}
	}

	if confCount == 0 && failedAny {
		// AUTO mode where every step failed.
		return outcome{
			status:  tasks.StatusFailed,
			summary: fmt.Sprintf("all steps failed: %v", lastFail),
			kind:    fault.KindOf(lastFail),
		}
	}

	summary := lastText
	if summary == "" {
		summary = fmt.Sprintf("completed %d of %d steps", confCount, len(steps))
	}
	return outcome{
		status:  tasks.StatusCompleted,
		summary: truncate(summary, summaryLimit),
		early:   earlyBreak,
	}
}

// shouldCompleteEarly applies the early-completion policy: AUTO mode with
// allow_early_completion, triggered by an explicit completion signal from
// the step or by the running confidence average clearing the threshold.
func (o *Orchestrator) shouldCompleteEarly(task *tasks.Task, res *executor.Result, confSum float64, confCount, stepNumber, planned int) bool {
	if task.ExecutionMode != tasks.ModeAuto || !task.AllowEarlyCompletion {
		return false
	}
	if stepNumber >= planned {
		return false
	}
	if res.TaskComplete {
		return true
	}
	if confCount >= minStepsForAverage && confSum/float64(confCount) >= o.cfg.EarlyCompletionConfidence {
		return true
	}
	return false
}

// persistArtifacts attaches step artifacts and announces screenshots.
// Text-bearing artifacts pass through the archiver first, which offloads
// oversized content to the blob store.
func (o *Orchestrator) persistArtifacts(taskID string, stepNumber int, res *executor.Result) {
	if res == nil {
		return
	}
	for _, artifact := range res.Artifacts {
		if o.archive != nil && artifact.Kind != tasks.ArtifactScreenshot {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			artifact.ContentRef = o.archive.Archive(ctx, artifact.ID, string(artifact.Kind), artifact.ContentRef)
			cancel()
		}
		if err := o.store.AttachArtifact(context.Background(), artifact); err != nil {
			o.logger.Warn("attach artifact", "task_id", taskID, "step", stepNumber, "error", err)
			continue
		}
		if artifact.Kind == tasks.ArtifactScreenshot {
			o.bus.Publish(taskID, events.TypeScreenshotCaptured, map[string]any{
				"step_number": stepNumber,
				"artifact_id": artifact.ID,
				"public_url":  artifact.PublicURL,
			})
		}
	}
}

// finalizeStep persists the step outcome and publishes its event. Persisting
// uses a fresh context so a blown task deadline cannot lose the record.
func (o *Orchestrator) finalizeStep(taskID string, stepNumber int, res *executor.Result, duration time.Duration, execErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upd := tasks.StepUpdate{Status: tasks.StepCompleted}
	data := map[string]any{
		"step_number": stepNumber,
		"duration_ms": duration.Milliseconds(),
	}

	if res != nil {
		conf := res.Confidence
		upd.Confidence = &conf
		if res.Text != "" {
			text := truncate(res.Text, summaryLimit)
			upd.ResultText = &text
		}
		upd.BrowserState = res.BrowserState
		data["confidence"] = res.Confidence
		data["result_summary"] = truncate(res.Text, summaryLimit)
		refs := make([]string, 0, len(res.Artifacts))
		for _, artifact := range res.Artifacts {
			refs = append(refs, artifact.ID)
		}
		data["artifact_refs"] = refs
	}

	eventType := events.TypeStepCompleted
	if execErr != nil {
		upd.Status = tasks.StepFailed
		upd.ErrorKind = fault.KindOf(execErr)
		upd.ErrorMessage = execErr.Error()
		msg := execErr.Error()
		upd.ResultText = &msg
		eventType = events.TypeStepFailed
		data["error_kind"] = string(upd.ErrorKind)
		data["message"] = execErr.Error()
	}

	if err := o.store.UpdateStep(ctx, taskID, stepNumber, upd); err != nil {
		o.logger.Warn("update step", "task_id", taskID, "step", stepNumber, "error", err)
	}
	o.bus.Publish(taskID, eventType, data)
}

// skipRemaining records SKIPPED step records for planned steps that will
// never run, keeping the stored plan dense and the skip visible.
func (o *Orchestrator) skipRemaining(task *tasks.Task, remaining []planner.StepSpec, firstNumber int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, spec := range remaining {
		rec := &tasks.StepRecord{
			TaskID:      task.ID,
			StepNumber:  firstNumber + i,
			Status:      tasks.StepSkipped,
			Description: spec.Describe(),
		}
		if err := o.store.RecordStep(ctx, rec); err != nil {
			o.logger.Warn("record skipped step", "task_id", task.ID, "step", rec.StepNumber, "error", err)
			return
		}
	}
}

// abortedOutcome distinguishes cancellation, deadline, and plain failure
// when the run dies before its first step.
func (o *Orchestrator) abortedOutcome(ctx context.Context, run *taskRun, summary string, kind fault.Kind) outcome {
	if run.isCancelled() {
		return outcome{status: tasks.StatusCancelled, summary: "cancelled", kind: fault.KindCancelled}
	}
	if ctx.Err() != nil {
		return o.deadlineOutcome(ctx.Err(), 0)
	}
	if kind == "" {
		kind = fault.KindInternal
	}
	return outcome{status: tasks.StatusFailed, summary: summary, kind: kind}
}

// deadlineOutcome maps a context error at step boundary n to its terminal
// status.
func (o *Orchestrator) deadlineOutcome(err error, n int) outcome {
	if fault.KindOf(err) == fault.KindCancelled {
		return outcome{
			status:  tasks.StatusCancelled,
			summary: cancelSummary(n),
			kind:    fault.KindCancelled,
		}
	}
	return outcome{
		status:  tasks.StatusFailed,
		summary: fmt.Sprintf("task deadline exceeded at step %d", n),
		kind:    fault.KindTimeout,
	}
}

// finish persists the terminal transition and announces the end. The
// transition uses a fresh context: terminal state must land even when the
// task context is gone.
func (o *Orchestrator) finish(task *tasks.Task, final outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := tasks.TransitionFields{ResultSummary: &final.summary}
	if final.kind != "" {
		fields.ErrorKind = &final.kind
	}
	if final.early {
		early := true
		fields.EarlyCompletion = &early
	}

	updated, err := o.store.Transition(ctx, task.ID, tasks.StatusRunning, final.status, fields)
	if err != nil {
		// The sweeper may have force-failed the task meanwhile.
		o.logger.Warn("terminal transition lost", "task_id", task.ID, "status", final.status, "error", err)
		updated, err = o.store.Fetch(ctx, task.ID)
		if err != nil {
			return
		}
	}
	o.publishEnded(updated)
	o.recordTask(updated)
}

func (o *Orchestrator) publishEnded(task *tasks.Task) {
	data := map[string]any{
		"terminal_status":  string(task.Status),
		"steps_completed":  stepsCompleted(task),
		"early_completion": task.EarlyCompletion,
		"result_summary":   task.ResultSummary,
	}
	if task.EndedAt != nil {
		data["ended_at"] = *task.EndedAt
	}
	if task.ErrorKind != "" {
		data["error_kind"] = string(task.ErrorKind)
	}
	o.bus.Publish(task.ID, events.TypeTaskEnded, data)
}

// stepsCompleted counts COMPLETED step records when the task is hydrated,
// falling back to the step cursor otherwise.
func stepsCompleted(task *tasks.Task) int {
	if len(task.Steps) == 0 {
		return task.CurrentStep
	}
	n := 0
	for _, step := range task.Steps {
		if step.Status == tasks.StepCompleted {
			n++
		}
	}
	return n
}

func (o *Orchestrator) recordTask(task *tasks.Task) {
	if o.metrics == nil {
		return
	}
	var seconds float64
	if task.StartedAt != nil && task.EndedAt != nil {
		seconds = task.EndedAt.Sub(*task.StartedAt).Seconds()
	}
	o.metrics.RecordTask(string(task.ExecutionMode), string(task.Status), seconds)
}

// instructionFromArgs pulls the instructions string out of the raw tool
// arguments. Schema validation upstream guarantees it is present for the
// browse tools; an empty result fails decomposition cleanly.
func instructionFromArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var args struct {
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	return strings.TrimSpace(args.Instructions)
}

func cancelSummary(n int) string {
	if n == 0 {
		return "cancelled before execution started"
	}
	return fmt.Sprintf("cancelled after %d steps", n)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
