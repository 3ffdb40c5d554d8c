// Package tasks persists web-automation tasks and enforces their lifecycle.
//
// A Task is created QUEUED, moves to RUNNING exactly once, and ends in one
// of COMPLETED, FAILED, or CANCELLED. Step records are appended densely
// (1..N) with at most one RUNNING step per task; artifacts are append-only.
// All transitions are compare-and-swap on the status field.
package tasks

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusQueued is the initial state of every task.
	StatusQueued Status = "QUEUED"

	// StatusRunning indicates the orchestrator has picked the task up.
	StatusRunning Status = "RUNNING"

	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is the unsuccessful terminal state.
	StatusFailed Status = "FAILED"

	// StatusCancelled is the terminal state of an explicitly cancelled task.
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge from→to is allowed:
// QUEUED→RUNNING, QUEUED→CANCELLED, RUNNING→COMPLETED, RUNNING→FAILED,
// RUNNING→CANCELLED.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// ExecutionMode is the orchestration policy selected by the caller.
type ExecutionMode string

const (
	// ModeOneShot executes exactly one step synchronously.
	ModeOneShot ExecutionMode = "ONE_SHOT"

	// ModeMultiStep runs the full plan and stops on the first failed step.
	ModeMultiStep ExecutionMode = "MULTI_STEP"

	// ModeAuto runs best-effort: failed steps do not end the task, and
	// early completion is allowed when enabled.
	ModeAuto ExecutionMode = "AUTO"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeOneShot, ModeMultiStep, ModeAuto:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step record.
type StepStatus string

const (
	// StepPending is a recorded step that has not started executing.
	StepPending StepStatus = "PENDING"

	// StepRunning is the single in-flight step of a task.
	StepRunning StepStatus = "RUNNING"

	// StepCompleted indicates the step finished, possibly with degraded
	// confidence.
	StepCompleted StepStatus = "COMPLETED"

	// StepFailed indicates the step's action could not be performed.
	StepFailed StepStatus = "FAILED"

	// StepSkipped marks a planned step the orchestrator never ran, e.g.
	// after early completion.
	StepSkipped StepStatus = "SKIPPED"
)

// IsTerminal reports whether the step has finished.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// ArtifactKind categorizes step by-products.
type ArtifactKind string

const (
	// ArtifactScreenshot is a captured page image; PublicURL serves it.
	ArtifactScreenshot ArtifactKind = "SCREENSHOT"

	// ArtifactText is extracted page text.
	ArtifactText ArtifactKind = "EXTRACTED_TEXT"

	// ArtifactErrorBlob records an exhausted capture or extraction attempt.
	ArtifactErrorBlob ArtifactKind = "ERROR_BLOB"
)

// Task is one web-automation request and its lifecycle state.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"task_id"`

	// ToolName is the registry tool that created this task.
	ToolName string `json:"tool_name"`

	// Arguments is the raw invocation argument object.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// MaxSteps bounds the step plan, 1 to 50.
	MaxSteps int `json:"max_steps"`

	// ExecutionMode is the orchestration policy.
	ExecutionMode ExecutionMode `json:"execution_mode"`

	// AllowEarlyCompletion permits ending before MaxSteps when the goal
	// appears met.
	AllowEarlyCompletion bool `json:"allow_early_completion"`

	// CurrentStep is the highest recorded step number.
	CurrentStep int `json:"current_step"`

	// CreatedAt is when the task was inserted (QUEUED).
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set on the QUEUED→RUNNING transition.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is set on any transition into a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// ResultSummary is the human-readable outcome.
	ResultSummary string `json:"result_summary,omitempty"`

	// ErrorKind is the failure classification for FAILED/CANCELLED tasks.
	ErrorKind fault.Kind `json:"error_kind,omitempty"`

	// EarlyCompletion records that the task ended before its full plan.
	EarlyCompletion bool `json:"early_completion,omitempty"`

	// Steps are the ordered step records. Populated by Fetch only.
	Steps []*StepRecord `json:"steps,omitempty"`

	// Artifacts are the appended artifacts. Populated by Fetch only.
	Artifacts []*Artifact `json:"artifacts,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), t.Arguments...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		out.EndedAt = &v
	}
	if t.Steps != nil {
		out.Steps = make([]*StepRecord, len(t.Steps))
		for i, s := range t.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	if t.Artifacts != nil {
		out.Artifacts = make([]*Artifact, len(t.Artifacts))
		for i, a := range t.Artifacts {
			out.Artifacts[i] = a.Clone()
		}
	}
	return &out
}

// BrowserState is the page snapshot taken after each step so the next step
// starts from a known position.
type BrowserState struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// StepRecord is one executed (or executing) step of a task.
type StepRecord struct {
	// TaskID references the owning task.
	TaskID string `json:"task_id"`

	// StepNumber is 1-based and dense per task.
	StepNumber int `json:"step_number"`

	// Status is the step lifecycle state.
	Status StepStatus `json:"status"`

	// Description is the planned step text.
	Description string `json:"description"`

	// StartedAt is when execution began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the step reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// Confidence is the executor's outcome score in [0,1].
	Confidence float64 `json:"confidence"`

	// ResultText is the step's textual result, or the rendered error for
	// failed steps.
	ResultText string `json:"result_text,omitempty"`

	// BrowserState is the post-step page snapshot.
	BrowserState *BrowserState `json:"browser_state,omitempty"`

	// ErrorKind classifies a failed step.
	ErrorKind fault.Kind `json:"error_kind,omitempty"`

	// ErrorMessage is the failed step's human-readable message.
	ErrorMessage string `json:"error_message,omitempty"`
}

// Clone returns a deep copy.
func (r *StepRecord) Clone() *StepRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.EndedAt != nil {
		v := *r.EndedAt
		out.EndedAt = &v
	}
	if r.BrowserState != nil {
		v := *r.BrowserState
		out.BrowserState = &v
	}
	return &out
}

// Artifact is a persisted step by-product.
type Artifact struct {
	// ID is the unique artifact identifier.
	ID string `json:"artifact_id"`

	// TaskID references the owning task.
	TaskID string `json:"task_id"`

	// StepNumber references the producing step; nil for task-level
	// artifacts.
	StepNumber *int `json:"step_number,omitempty"`

	// Kind categorizes the artifact.
	Kind ArtifactKind `json:"kind"`

	// ContentRef is the inline content or a blob reference.
	ContentRef string `json:"content_ref,omitempty"`

	// PublicURL is where the artifact is served, when applicable.
	PublicURL string `json:"public_url,omitempty"`

	// Bytes is the content size.
	Bytes int64 `json:"bytes,omitempty"`

	// Width and Height describe image artifacts in pixels.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// QualityScore is the capture validation score in [0,1].
	QualityScore float64 `json:"quality_score,omitempty"`

	// CreatedAt is the append time.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	if a.StepNumber != nil {
		v := *a.StepNumber
		out.StepNumber = &v
	}
	return &out
}
