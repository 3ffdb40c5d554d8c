// Package tools declares the browse tools the registry serves: one
// returning page text, one returning a screenshot. A step budget of one
// runs synchronously on the caller; everything else is queued as a task.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/registry"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// Tool names.
const (
	NameBrowseText  = "browseWebAndReturnText"
	NameBrowseImage = "browseWebAndReturnImage"
)

// defaultMaxSteps is the budget when the caller omits max_steps. A
// single-step budget always runs synchronously.
const defaultMaxSteps = 1

// TaskLauncher starts tasks. The orchestrator satisfies this.
type TaskLauncher interface {
	Enqueue(ctx context.Context, task *tasks.Task) error
	RunSync(ctx context.Context, task *tasks.Task) (*tasks.Task, error)
}

// TaskHandle is the queued-invocation reply: where to watch the task.
type TaskHandle struct {
	TaskID              string `json:"taskId"`
	Status              string `json:"status"`
	ProgressURL         string `json:"progressUrl"`
	EstimatedDurationMS int64  `json:"estimatedDurationMs"`
}

// Browse builds the browse tool declarations.
type Browse struct {
	launcher TaskLauncher
	baseURL  string
	perStep  time.Duration
	logger   *slog.Logger
}

// NewBrowse wires the browse tools. baseURL is the externally reachable
// prefix used in progress URLs; perStep feeds the duration estimate.
func NewBrowse(launcher TaskLauncher, baseURL string, perStep time.Duration, logger *slog.Logger) *Browse {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browse{
		launcher: launcher,
		baseURL:  strings.TrimRight(baseURL, "/"),
		perStep:  perStep,
		logger:   logger.With("component", "tools"),
	}
}

// Declarations returns the registry declarations for both browse tools.
func (b *Browse) Declarations() []registry.Declaration {
	return []registry.Declaration{
		{
			Name:        NameBrowseText,
			Handwritten: "Browses the web following a natural-language instruction and returns the page text it finds.",
			Parameters:  browseParameters(),
			Capabilities: []registry.Capability{
				registry.CapabilityOneShot, registry.CapabilityMultiStep,
			},
			Handler: &browseHandler{browse: b, tool: NameBrowseText},
		},
		{
			Name:        NameBrowseImage,
			Handwritten: "Browses the web following a natural-language instruction and returns a screenshot of the result.",
			Parameters:  browseParameters(),
			Capabilities: []registry.Capability{
				registry.CapabilityOneShot, registry.CapabilityMultiStep,
			},
			Handler: &browseHandler{browse: b, tool: NameBrowseImage},
		},
	}
}

func browseParameters() map[string]registry.Parameter {
	return map[string]registry.Parameter{
		"instructions": {
			Type:        "string",
			Description: "Natural-language description of what to do in the browser.",
			Required:    true,
		},
		"max_steps": {
			Type:        "integer",
			Description: "Upper bound on browser steps, 1 to 50. A budget of 1 runs synchronously.",
			Default:     defaultMaxSteps,
		},
		"execution_mode": {
			Type:        "string",
			Description: "ONE_SHOT runs a single step synchronously; MULTI_STEP runs the plan and stops on failure; AUTO (default) runs best-effort.",
			Default:     string(tasks.ModeAuto),
		},
		"allow_early_completion": {
			Type:        "boolean",
			Description: "Permit ending before max_steps when the goal appears met (AUTO mode).",
			Default:     false,
		},
	}
}

// browseArgs is the decoded argument object, shared by both tools.
// MaxSteps is a pointer so an absent budget (defaults to 1, synchronous)
// is distinct from an explicit 0 (rejected).
type browseArgs struct {
	Instructions         string `json:"instructions"`
	MaxSteps             *int   `json:"max_steps"`
	ExecutionMode        string `json:"execution_mode"`
	AllowEarlyCompletion bool   `json:"allow_early_completion"`
}

type browseHandler struct {
	browse *Browse
	tool   string
}

// Execute routes the invocation: a budget of one step (absent, explicit,
// or pinned by ONE_SHOT) runs synchronously, anything larger is queued.
// Schema validation already ran; decode failures here still classify as
// INVALID_ARGUMENTS.
func (h *browseHandler) Execute(ctx context.Context, raw json.RawMessage) (*registry.Result, error) {
	var args browseArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fault.Wrap(fault.KindInvalidArguments, "decode arguments", err)
		}
	}
	if strings.TrimSpace(args.Instructions) == "" {
		return nil, fault.New(fault.KindInvalidArguments, "instructions is required")
	}
	maxSteps := defaultMaxSteps
	if args.MaxSteps != nil {
		maxSteps = *args.MaxSteps
	}
	mode := tasks.ExecutionMode(args.ExecutionMode)
	if mode == "" {
		mode = tasks.ModeAuto
	}
	if !mode.Valid() {
		return nil, fault.Newf(fault.KindInvalidArguments, "unknown execution mode %q", args.ExecutionMode)
	}
	if mode == tasks.ModeOneShot {
		maxSteps = 1
	}
	if maxSteps < 1 || maxSteps > 50 {
		return nil, fault.Newf(fault.KindInvalidArguments, "max_steps %d out of range [1,50]", maxSteps)
	}

	task := &tasks.Task{
		ToolName:             h.tool,
		Arguments:            append(json.RawMessage(nil), raw...),
		MaxSteps:             maxSteps,
		ExecutionMode:        mode,
		AllowEarlyCompletion: args.AllowEarlyCompletion,
	}

	if mode == tasks.ModeOneShot || maxSteps == 1 {
		return h.runSync(ctx, task)
	}
	return h.enqueue(ctx, task)
}

// enqueue starts the task and returns its handle as a text block.
func (h *browseHandler) enqueue(ctx context.Context, task *tasks.Task) (*registry.Result, error) {
	if err := h.browse.launcher.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	handle := TaskHandle{
		TaskID:              task.ID,
		Status:              string(tasks.StatusQueued),
		ProgressURL:         fmt.Sprintf("%s/v1/tasks/%s/events", h.browse.baseURL, task.ID),
		EstimatedDurationMS: int64(task.MaxSteps) * h.browse.perStep.Milliseconds(),
	}
	payload, err := json.Marshal(handle)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode task handle", err)
	}
	return registry.TextResult(string(payload)), nil
}

// runSync executes the single step on the caller's goroutine and renders
// the terminal task as tool content.
func (h *browseHandler) runSync(ctx context.Context, task *tasks.Task) (*registry.Result, error) {
	result, err := h.browse.launcher.RunSync(ctx, task)
	if err != nil {
		return nil, err
	}
	if result.Status != tasks.StatusCompleted {
		kind := result.ErrorKind
		if kind == "" {
			kind = fault.KindInternal
		}
		return nil, fault.New(kind, result.ResultSummary)
	}

	if h.tool == NameBrowseImage {
		return h.imageResult(result)
	}
	return registry.TextResult(result.ResultSummary), nil
}

// imageResult renders the task's screenshot inline, falling back to its
// public URL when the file cannot be read back.
func (h *browseHandler) imageResult(task *tasks.Task) (*registry.Result, error) {
	var shot *tasks.Artifact
	for _, artifact := range task.Artifacts {
		if artifact.Kind == tasks.ArtifactScreenshot {
			shot = artifact
		}
	}
	if shot == nil {
		return nil, fault.New(fault.KindScreenshotFailed, "task produced no screenshot")
	}

	data, err := os.ReadFile(shot.ContentRef)
	if err != nil {
		h.browse.logger.Warn("screenshot read-back failed, returning url", "path", shot.ContentRef, "error", err)
		return registry.TextResult(shot.PublicURL), nil
	}
	return &registry.Result{Content: []registry.Content{{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: "image/png",
	}}}, nil
}
