package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

func newQueuedTask(t *testing.T, store Store, id string, maxSteps int) *Task {
	t.Helper()
	task := &Task{
		ID:            id,
		ToolName:      "browseWebAndReturnText",
		MaxSteps:      maxSteps,
		ExecutionMode: ModeMultiStep,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestMemoryStoreCreateRejectsDuplicate(t *testing.T) {
	store := NewMemoryStore()
	newQueuedTask(t, store, "task-1", 5)

	err := store.CreateTask(context.Background(), &Task{ID: "task-1", ToolName: "x", MaxSteps: 1, ExecutionMode: ModeOneShot})
	if !errors.Is(err, ErrTaskExists) {
		t.Fatalf("err = %v, want ErrTaskExists", err)
	}
}

func TestMemoryStoreTransitionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-1", 5)

	running, err := store.Transition(ctx, "task-1", StatusQueued, StatusRunning, TransitionFields{})
	if err != nil {
		t.Fatalf("queued→running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("started_at not stamped")
	}

	summary := "done"
	done, err := store.Transition(ctx, "task-1", StatusRunning, StatusCompleted, TransitionFields{ResultSummary: &summary})
	if err != nil {
		t.Fatalf("running→completed: %v", err)
	}
	if done.EndedAt == nil || done.ResultSummary != "done" {
		t.Fatalf("terminal task = %+v", done)
	}

	// Terminal states are absorbing.
	if _, err := store.Transition(ctx, "task-1", StatusCompleted, StatusFailed, TransitionFields{}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestMemoryStoreTransitionCASMismatch(t *testing.T) {
	store := NewMemoryStore()
	newQueuedTask(t, store, "task-1", 5)

	_, err := store.Transition(context.Background(), "task-1", StatusRunning, StatusCompleted, TransitionFields{})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition on stale expected status", err)
	}
}

func TestMemoryStoreQueuedCancellation(t *testing.T) {
	store := NewMemoryStore()
	newQueuedTask(t, store, "task-1", 5)

	kind := fault.KindCancelled
	task, err := store.Transition(context.Background(), "task-1", StatusQueued, StatusCancelled, TransitionFields{ErrorKind: &kind})
	if err != nil {
		t.Fatalf("queued→cancelled: %v", err)
	}
	if task.ErrorKind != fault.KindCancelled || task.EndedAt == nil {
		t.Fatalf("cancelled task = %+v", task)
	}
}

func TestMemoryStoreStepSequencing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-1", 2)

	// Dense numbering starts at 1.
	err := store.RecordStep(ctx, &StepRecord{TaskID: "task-1", StepNumber: 2, Status: StepPending, Description: "late"})
	if !errors.Is(err, ErrStepSequence) {
		t.Fatalf("err = %v, want ErrStepSequence for gap", err)
	}

	if err := store.RecordStep(ctx, &StepRecord{TaskID: "task-1", StepNumber: 1, Status: StepRunning, Description: "navigate"}); err != nil {
		t.Fatalf("record step 1: %v", err)
	}

	// Only one RUNNING step at a time.
	err = store.RecordStep(ctx, &StepRecord{TaskID: "task-1", StepNumber: 2, Status: StepRunning, Description: "click"})
	if !errors.Is(err, ErrStepRunning) {
		t.Fatalf("err = %v, want ErrStepRunning", err)
	}

	conf := 1.0
	if err := store.UpdateStep(ctx, "task-1", 1, StepUpdate{Status: StepCompleted, Confidence: &conf}); err != nil {
		t.Fatalf("update step 1: %v", err)
	}
	if err := store.RecordStep(ctx, &StepRecord{TaskID: "task-1", StepNumber: 2, Status: StepRunning, Description: "click"}); err != nil {
		t.Fatalf("record step 2: %v", err)
	}

	// max_steps caps the sequence.
	if err := store.UpdateStep(ctx, "task-1", 2, StepUpdate{Status: StepCompleted}); err != nil {
		t.Fatalf("update step 2: %v", err)
	}
	err = store.RecordStep(ctx, &StepRecord{TaskID: "task-1", StepNumber: 3, Status: StepPending, Description: "extra"})
	if !errors.Is(err, ErrStepSequence) {
		t.Fatalf("err = %v, want ErrStepSequence past max_steps", err)
	}
}

func TestMemoryStoreUpdateStepOutcome(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-1", 3)

	if err := store.RecordStep(ctx, &StepRecord{TaskID: "task-1", StepNumber: 1, Status: StepRunning, Description: "navigate"}); err != nil {
		t.Fatalf("record step: %v", err)
	}

	conf := 0.5
	text := "partial"
	state := BrowserState{URL: "https://example.com", Title: "Example"}
	err := store.UpdateStep(ctx, "task-1", 1, StepUpdate{
		Status:       StepFailed,
		Confidence:   &conf,
		ResultText:   &text,
		BrowserState: &state,
		ErrorKind:    fault.KindElementNotFound,
		ErrorMessage: "no such selector",
	})
	if err != nil {
		t.Fatalf("update step: %v", err)
	}

	task, err := store.Fetch(ctx, "task-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	step := task.Steps[0]
	if step.Status != StepFailed || step.Confidence != 0.5 || step.ResultText != "partial" {
		t.Fatalf("step = %+v", step)
	}
	if step.BrowserState == nil || step.BrowserState.URL != "https://example.com" {
		t.Fatalf("browser state = %+v", step.BrowserState)
	}
	if step.ErrorKind != fault.KindElementNotFound || step.EndedAt == nil {
		t.Fatalf("error fields = %q %q", step.ErrorKind, step.ErrorMessage)
	}

	if err := store.UpdateStep(ctx, "task-1", 9, StepUpdate{Status: StepCompleted}); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
}

func TestMemoryStoreFetchIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-1", 3)

	a, _ := store.Fetch(ctx, "task-1")
	a.ToolName = "mutated"
	a.Status = StatusFailed

	b, _ := store.Fetch(ctx, "task-1")
	if b.ToolName != "browseWebAndReturnText" || b.Status != StatusQueued {
		t.Fatalf("store state leaked through fetch: %+v", b)
	}
}

func TestMemoryStoreListNewestFirstWithFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-1", 1)
	newQueuedTask(t, store, "task-2", 1)
	newQueuedTask(t, store, "task-3", 1)
	if _, err := store.Transition(ctx, "task-2", StatusQueued, StatusRunning, TransitionFields{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "task-3" || all[2].ID != "task-1" {
		t.Fatalf("order = %v", ids(all))
	}

	queued := StatusQueued
	filtered, err := store.List(ctx, ListOptions{Status: &queued, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "task-1" {
		t.Fatalf("filtered = %v", ids(filtered))
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestMemoryStorePruneCascades(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-old", 1)
	newQueuedTask(t, store, "task-live", 1)

	if _, err := store.Transition(ctx, "task-old", StatusQueued, StatusCancelled, TransitionFields{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Backdate the ending so the prune window covers it.
	store.entries["task-old"].task.EndedAt = ptrTime(time.Now().Add(-48 * time.Hour))

	count, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if count != 1 {
		t.Fatalf("pruned = %d, want 1", count)
	}
	if _, err := store.Fetch(ctx, "task-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned task still fetchable: %v", err)
	}
	if _, err := store.Fetch(ctx, "task-live"); err != nil {
		t.Fatalf("live task lost: %v", err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestMemoryStoreHasArtifactRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-1", 1)

	err := store.AttachArtifact(ctx, &Artifact{
		TaskID:     "task-1",
		Kind:       ArtifactScreenshot,
		ContentRef: "/data/screenshots/example_home_20260825_1200.png",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	ok, err := store.HasArtifactRef(ctx, "example_home_20260825_1200.png")
	if err != nil || !ok {
		t.Fatalf("ref = %v, %v, want true", ok, err)
	}
	ok, err = store.HasArtifactRef(ctx, "unrelated.png")
	if err != nil || ok {
		t.Fatalf("ref = %v, %v, want false", ok, err)
	}
}

func TestSweeperFailsOverdueRunningTasks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newQueuedTask(t, store, "task-stuck", 5)
	newQueuedTask(t, store, "task-fresh", 5)

	for _, id := range []string{"task-stuck", "task-fresh"} {
		if _, err := store.Transition(ctx, id, StatusQueued, StatusRunning, TransitionFields{}); err != nil {
			t.Fatalf("transition %s: %v", id, err)
		}
	}
	store.entries["task-stuck"].task.StartedAt = ptrTime(time.Now().Add(-time.Hour))

	var timedOut []string
	sweeper := NewSweeper(store,
		func(maxSteps int) time.Duration { return time.Duration(maxSteps)*30*time.Second + 30*time.Second },
		func(task *Task) { timedOut = append(timedOut, task.ID) },
		nil,
	)

	failed, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if failed != 1 || len(timedOut) != 1 || timedOut[0] != "task-stuck" {
		t.Fatalf("failed = %d, callbacks = %v", failed, timedOut)
	}

	stuck, _ := store.Fetch(ctx, "task-stuck")
	if stuck.Status != StatusFailed || stuck.ErrorKind != fault.KindTimeout {
		t.Fatalf("stuck task = %+v", stuck)
	}
	fresh, _ := store.Fetch(ctx, "task-fresh")
	if fresh.Status != StatusRunning {
		t.Fatalf("fresh task = %+v", fresh)
	}
}
