package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments without durability requirements.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*taskEntry
	order   []string // insertion order of task ids
}

type taskEntry struct {
	task      *Task
	steps     []*StepRecord
	artifacts []*Artifact
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*taskEntry),
	}
}

// CreateTask inserts the task in QUEUED.
func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.Status = StatusQueued

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}
	s.entries[task.ID] = &taskEntry{task: task.Clone()}
	s.order = append(s.order, task.ID)
	return nil
}

// Transition compare-and-swaps the task status.
func (s *MemoryStore) Transition(ctx context.Context, taskID string, from, to Status, fields TransitionFields) (*Task, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s→%s is not an allowed edge", ErrIllegalTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	task := entry.task
	if task.Status != from {
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrIllegalTransition, task.Status, from)
	}

	now := time.Now()
	task.Status = to
	if to == StatusRunning {
		task.StartedAt = &now
	}
	if to.IsTerminal() {
		task.EndedAt = &now
	}
	applyTransitionFields(task, fields)

	return task.Clone(), nil
}

func applyTransitionFields(task *Task, fields TransitionFields) {
	if fields.ResultSummary != nil {
		task.ResultSummary = *fields.ResultSummary
	}
	if fields.ErrorKind != nil {
		task.ErrorKind = *fields.ErrorKind
	}
	if fields.EarlyCompletion != nil {
		task.EarlyCompletion = *fields.EarlyCompletion
	}
}

// RecordStep appends a step record.
func (s *MemoryStore) RecordStep(ctx context.Context, rec *StepRecord) error {
	if rec == nil {
		return fmt.Errorf("step record is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[rec.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.TaskID)
	}
	if rec.StepNumber != len(entry.steps)+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrStepSequence, rec.StepNumber, len(entry.steps)+1)
	}
	if rec.StepNumber > entry.task.MaxSteps {
		return fmt.Errorf("%w: %d exceeds max_steps %d", ErrStepSequence, rec.StepNumber, entry.task.MaxSteps)
	}
	if rec.Status == StepRunning {
		for _, existing := range entry.steps {
			if existing.Status == StepRunning {
				return fmt.Errorf("%w: step %d", ErrStepRunning, existing.StepNumber)
			}
		}
	}
	if rec.Status == StepRunning && rec.StartedAt == nil {
		now := time.Now()
		rec.StartedAt = &now
	}

	entry.steps = append(entry.steps, rec.Clone())
	entry.task.CurrentStep = rec.StepNumber
	return nil
}

// UpdateStep finalizes a recorded step.
func (s *MemoryStore) UpdateStep(ctx context.Context, taskID string, stepNumber int, upd StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if stepNumber < 1 || stepNumber > len(entry.steps) {
		return fmt.Errorf("%w: %s step %d", ErrStepNotFound, taskID, stepNumber)
	}
	step := entry.steps[stepNumber-1]

	step.Status = upd.Status
	if upd.Status.IsTerminal() && step.EndedAt == nil {
		now := time.Now()
		step.EndedAt = &now
	}
	if upd.Status == StepRunning && step.StartedAt == nil {
		now := time.Now()
		step.StartedAt = &now
	}
	if upd.Confidence != nil {
		step.Confidence = *upd.Confidence
	}
	if upd.ResultText != nil {
		step.ResultText = *upd.ResultText
	}
	if upd.BrowserState != nil {
		v := *upd.BrowserState
		step.BrowserState = &v
	}
	step.ErrorKind = upd.ErrorKind
	step.ErrorMessage = upd.ErrorMessage
	return nil
}

// AttachArtifact appends an artifact.
func (s *MemoryStore) AttachArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact == nil {
		return fmt.Errorf("artifact is required")
	}
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[artifact.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, artifact.TaskID)
	}
	entry.artifacts = append(entry.artifacts, artifact.Clone())
	return nil
}

// Fetch returns the hydrated task.
func (s *MemoryStore) Fetch(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	task := entry.task.Clone()
	task.Steps = make([]*StepRecord, len(entry.steps))
	for i, step := range entry.steps {
		task.Steps[i] = step.Clone()
	}
	task.Artifacts = make([]*Artifact, len(entry.artifacts))
	for i, a := range entry.artifacts {
		task.Artifacts[i] = a.Clone()
	}
	return task, nil
}

// List returns task records newest first.
func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	skipped := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		entry := s.entries[s.order[i]]
		if opts.Status != nil && entry.task.Status != *opts.Status {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, entry.task.Clone())
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Prune deletes terminal tasks older than the given age.
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	kept := s.order[:0]
	for _, id := range s.order {
		entry := s.entries[id]
		task := entry.task
		if task.Status.IsTerminal() && task.EndedAt != nil && task.EndedAt.Before(cutoff) {
			delete(s.entries, id)
			count++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return count, nil
}

// HasArtifactRef reports whether any screenshot artifact still references
// the given capture filename.
func (s *MemoryStore) HasArtifactRef(ctx context.Context, filename string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.entries {
		for _, a := range entry.artifacts {
			if a.Kind != ArtifactScreenshot {
				continue
			}
			if a.ContentRef == filename || filepath.Base(a.ContentRef) == filename {
				return true, nil
			}
		}
	}
	return false, nil
}

// Close releases resources.
func (s *MemoryStore) Close() error {
	return nil
}
