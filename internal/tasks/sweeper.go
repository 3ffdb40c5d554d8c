package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

// DeadlineFunc computes the overall wall-clock budget for a task from its
// step budget.
type DeadlineFunc func(maxSteps int) time.Duration

// Sweeper force-fails RUNNING tasks whose wall-clock budget is exhausted.
// It backstops the orchestrator: a crashed or wedged run is still driven to
// a terminal status so clients and the event stream see an ending.
type Sweeper struct {
	store     Store
	deadline  DeadlineFunc
	onTimeout func(task *Task)
	logger    *slog.Logger
}

// NewSweeper creates a timeout sweeper. onTimeout, when non-nil, is invoked
// for each task the sweep fails so callers can publish the ending.
func NewSweeper(store Store, deadline DeadlineFunc, onTimeout func(task *Task), logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		deadline:  deadline,
		onTimeout: onTimeout,
		logger:    logger.With("component", "task-sweeper"),
	}
}

// Sweep fails every over-deadline RUNNING task and reports how many.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	running := StatusRunning
	candidates, err := s.store.List(ctx, ListOptions{Status: &running})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	now := time.Now()
	failed := 0
	for _, task := range candidates {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		if task.StartedAt == nil {
			continue
		}
		budget := s.deadline(task.MaxSteps)
		if now.Sub(*task.StartedAt) <= budget {
			continue
		}

		kind := fault.KindTimeout
		summary := fmt.Sprintf("task exceeded its %s deadline", budget)
		ended, err := s.store.Transition(ctx, task.ID, StatusRunning, StatusFailed, TransitionFields{
			ResultSummary: &summary,
			ErrorKind:     &kind,
		})
		if err != nil {
			// Lost the race against a finishing orchestrator; that is fine.
			if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrNotFound) {
				continue
			}
			return failed, fmt.Errorf("fail timed-out task %s: %w", task.ID, err)
		}
		failed++
		s.logger.Warn("task timed out",
			"task_id", task.ID,
			"max_steps", task.MaxSteps,
			"budget", budget,
			"started_at", task.StartedAt)
		if s.onTimeout != nil {
			s.onTimeout(ended)
		}
	}
	return failed, nil
}
