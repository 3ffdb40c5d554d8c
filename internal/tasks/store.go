package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

// Sentinel errors raised by stores.
var (
	// ErrNotFound indicates the task id does not exist.
	ErrNotFound = errors.New("tasks: task not found")

	// ErrTaskExists indicates a create with a duplicate id.
	ErrTaskExists = errors.New("tasks: task already exists")

	// ErrIllegalTransition indicates a compare-and-swap whose expected
	// status did not match, or a disallowed edge.
	ErrIllegalTransition = errors.New("tasks: illegal transition")

	// ErrStepNotFound indicates the (task, step_number) pair does not exist.
	ErrStepNotFound = errors.New("tasks: step not found")

	// ErrStepSequence indicates a step number that would break the dense
	// 1..N sequence or exceed max_steps.
	ErrStepSequence = errors.New("tasks: step number out of sequence")

	// ErrStepRunning indicates the task already has a RUNNING step.
	ErrStepRunning = errors.New("tasks: another step is running")
)

// Store persists tasks, step records, and artifacts.
//
// Transition and RecordStep enforce the lifecycle invariants; callers never
// mutate persisted records directly. Fetch is the only read that hydrates
// children.
type Store interface {
	// CreateTask atomically inserts the task in QUEUED. Missing id and
	// created_at are filled in.
	CreateTask(ctx context.Context, task *Task) error

	// Transition compare-and-swaps the task status. It fails with
	// ErrIllegalTransition when the current status differs from `from` or
	// the edge is not allowed. started_at is stamped on →RUNNING, ended_at
	// on any terminal edge. The returned task has no children hydrated.
	Transition(ctx context.Context, taskID string, from, to Status, fields TransitionFields) (*Task, error)

	// RecordStep appends a step record, enforcing dense numbering and at
	// most one RUNNING step per task, and advances the task's current_step
	// in the same unit.
	RecordStep(ctx context.Context, rec *StepRecord) error

	// UpdateStep finalizes a recorded step with its outcome.
	UpdateStep(ctx context.Context, taskID string, stepNumber int, upd StepUpdate) error

	// AttachArtifact appends an artifact. Artifacts are never updated or
	// individually deleted. Missing id and created_at are filled in.
	AttachArtifact(ctx context.Context, artifact *Artifact) error

	// Fetch returns the task with ordered steps and artifacts hydrated.
	Fetch(ctx context.Context, taskID string) (*Task, error)

	// List returns task records (children not hydrated), newest first.
	List(ctx context.Context, opts ListOptions) ([]*Task, error)

	// Prune deletes terminal tasks older than the given age, cascading
	// step records and artifacts. Returns the number of tasks removed.
	Prune(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases store resources.
	Close() error
}

// TransitionFields are the task fields settable during a transition.
type TransitionFields struct {
	// ResultSummary replaces the task's result summary when non-nil.
	ResultSummary *string

	// ErrorKind replaces the task's error kind when non-nil.
	ErrorKind *fault.Kind

	// EarlyCompletion marks the task as ended before its full plan.
	EarlyCompletion *bool
}

// StepUpdate carries a step's outcome.
type StepUpdate struct {
	// Status must be terminal (COMPLETED or FAILED) or RUNNING for the
	// PENDING→RUNNING edge.
	Status StepStatus

	// Confidence replaces the step confidence when non-nil.
	Confidence *float64

	// ResultText replaces the step result text when non-nil.
	ResultText *string

	// BrowserState replaces the post-step snapshot when non-nil.
	BrowserState *BrowserState

	// ErrorKind and ErrorMessage describe a failed step.
	ErrorKind    fault.Kind
	ErrorMessage string
}

// ListOptions filters List.
type ListOptions struct {
	// Status filters by lifecycle state when non-nil.
	Status *Status

	// Limit caps the result count; 0 means no cap.
	Limit int

	// Offset skips results for pagination.
	Offset int
}
