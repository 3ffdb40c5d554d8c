package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// Scoring weights. A task earns up to 100 points: completing at all,
// finishing with confident steps, and matching the expected signals.
const (
	completionWeight = 50.0
	confidenceWeight = 25.0
	signalWeight     = 25.0
)

// TaskRunner executes one task to a terminal status and returns it
// hydrated. The orchestrator's synchronous path satisfies this.
type TaskRunner interface {
	RunSync(ctx context.Context, task *tasks.Task) (*tasks.Task, error)
}

// RunStatus is a submitted evaluation's lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Run is one submitted evaluation and its progress.
type Run struct {
	Spec        *Spec      `json:"spec"`
	Status      RunStatus  `json:"status"`
	Report      *Report    `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Report is a finished evaluation's scores.
type Report struct {
	EvaluationID string      `json:"evaluation_id"`
	ModelID      string      `json:"model_id"`
	Tasks        []TaskScore `json:"tasks"`

	// Aggregate is the mean task score, 0-100.
	Aggregate float64 `json:"aggregate"`
}

// TaskScore is one benchmark task's outcome.
type TaskScore struct {
	Name          string  `json:"name"`
	TaskID        string  `json:"task_id,omitempty"`
	Score         float64 `json:"score"`
	Completed     bool    `json:"completed"`
	AvgConfidence float64 `json:"avg_confidence"`
	SignalHits    int     `json:"signal_hits"`
	SignalTotal   int     `json:"signal_total"`
	Error         string  `json:"error,omitempty"`
}

// Harness queues, promotes, runs, and scores evaluations.
type Harness struct {
	runner        TaskRunner
	maxConcurrent int
	logger        *slog.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	queue  []string
	active int
	wg     sync.WaitGroup
}

// NewHarness wires a harness. maxConcurrent bounds both simultaneously
// running evaluations and task parallelism inside each one.
func NewHarness(runner TaskRunner, maxConcurrent int, logger *slog.Logger) *Harness {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		runner:        runner,
		maxConcurrent: maxConcurrent,
		logger:        logger.With("component", "evaluation"),
		runs:          make(map[string]*Run),
	}
}

// Submit queues an evaluation. Ids are unique across the harness lifetime.
func (h *Harness) Submit(spec *Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.runs[spec.ID]; ok {
		return fmt.Errorf("evaluation %s already submitted", spec.ID)
	}
	h.runs[spec.ID] = &Run{Spec: spec, Status: RunQueued, SubmittedAt: time.Now()}
	h.queue = append(h.queue, spec.ID)
	return nil
}

// Get returns a submitted run by id.
func (h *Harness) Get(id string) (*Run, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.runs[id]
	return run, ok
}

// Promote starts queued evaluations while capacity allows. The cron runner
// calls this on its sweep cadence; it returns the number promoted.
func (h *Harness) Promote(ctx context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	promoted := 0
	for len(h.queue) > 0 && h.active < h.maxConcurrent {
		id := h.queue[0]
		h.queue = h.queue[1:]
		run, ok := h.runs[id]
		if !ok || run.Status != RunQueued {
			continue
		}
		now := time.Now()
		run.Status = RunRunning
		run.StartedAt = &now
		h.active++
		promoted++

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			report, err := h.Execute(ctx, run.Spec)

			h.mu.Lock()
			defer h.mu.Unlock()
			ended := time.Now()
			run.EndedAt = &ended
			h.active--
			if err != nil {
				run.Status = RunFailed
				run.Error = err.Error()
				h.logger.Warn("evaluation failed", "evaluation_id", run.Spec.ID, "error", err)
				return
			}
			run.Status = RunCompleted
			run.Report = report
			h.logger.Info("evaluation completed",
				"evaluation_id", run.Spec.ID, "aggregate", report.Aggregate)
		}()
	}
	return promoted
}

// Wait blocks until all promoted evaluations finish.
func (h *Harness) Wait() {
	h.wg.Wait()
}

// Execute runs every task of a spec and scores the results. Task failures
// score zero; only runner plumbing errors fail the evaluation itself.
func (h *Harness) Execute(ctx context.Context, spec *Spec) (*Report, error) {
	scores := make([]TaskScore, len(spec.Tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.maxConcurrent)
	for i := range spec.Tasks {
		g.Go(func() error {
			scores[i] = h.runTask(gctx, &spec.Tasks[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		EvaluationID: spec.ID,
		ModelID:      spec.ModelID,
		Tasks:        scores,
	}
	var sum float64
	for _, s := range scores {
		sum += s.Score
	}
	report.Aggregate = sum / float64(len(scores))
	return report, nil
}

func (h *Harness) runTask(ctx context.Context, ts *TaskSpec) TaskScore {
	args, _ := json.Marshal(map[string]string{"instructions": ts.Instruction})
	task := &tasks.Task{
		ToolName:             "browseWebAndReturnText",
		Arguments:            args,
		MaxSteps:             ts.MaxSteps,
		ExecutionMode:        ts.ExecutionMode,
		AllowEarlyCompletion: ts.AllowEarlyCompletion,
	}

	result, err := h.runner.RunSync(ctx, task)
	if err != nil {
		return TaskScore{Name: ts.Name, SignalTotal: len(ts.ExpectedSignals), Error: err.Error()}
	}
	score := scoreTask(result, ts.ExpectedSignals)
	score.Name = ts.Name
	return score
}

// scoreTask applies the rubric to a finished task.
func scoreTask(result *tasks.Task, expected []string) TaskScore {
	s := TaskScore{
		TaskID:      result.ID,
		Completed:   result.Status == tasks.StatusCompleted,
		SignalTotal: len(expected),
	}

	var confSum float64
	var confCount int
	for _, step := range result.Steps {
		if step.Status == tasks.StepCompleted || step.Status == tasks.StepFailed {
			confSum += step.Confidence
			confCount++
		}
	}
	if confCount > 0 {
		s.AvgConfidence = confSum / float64(confCount)
	}

	haystack := strings.ToLower(result.ResultSummary)
	for _, artifact := range result.Artifacts {
		if artifact.Kind == tasks.ArtifactText {
			haystack += "\n" + strings.ToLower(artifact.ContentRef)
		}
	}
	for _, signal := range expected {
		if strings.Contains(haystack, strings.ToLower(signal)) {
			s.SignalHits++
		}
	}

	if s.Completed {
		s.Score += completionWeight
	}
	s.Score += s.AvgConfidence * confidenceWeight
	switch {
	case s.SignalTotal > 0:
		s.Score += float64(s.SignalHits) / float64(s.SignalTotal) * signalWeight
	case s.Completed:
		// Nothing to check against; a completed task takes full signal
		// credit rather than being capped at 75.
		s.Score += signalWeight
	}
	return s
}
