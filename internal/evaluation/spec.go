// Package evaluation benchmarks the execution core: it loads evaluation
// specs, runs their tasks through the orchestrator, and scores each task
// on completion, confidence, and expected signals.
package evaluation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/wayfarer/internal/tasks"
)

// Spec is one evaluation: a model under test and the tasks to run.
type Spec struct {
	// ID identifies the evaluation. Defaults to the file name stem.
	ID string `yaml:"id" json:"id"`

	// ModelID names the model configuration under test (informational; the
	// server's configured model does the decomposition).
	ModelID string `yaml:"model_id" json:"model_id"`

	Tasks []TaskSpec `yaml:"tasks" json:"tasks"`
}

// TaskSpec is one benchmark task.
type TaskSpec struct {
	// Name labels the task in reports.
	Name string `yaml:"name" json:"name"`

	// Instruction is the natural-language input under test.
	Instruction string `yaml:"instruction" json:"instruction"`

	// MaxSteps bounds the plan. Defaults to 10.
	MaxSteps int `yaml:"max_steps" json:"max_steps"`

	// ExecutionMode defaults to AUTO.
	ExecutionMode tasks.ExecutionMode `yaml:"execution_mode" json:"execution_mode"`

	// AllowEarlyCompletion passes through to the task.
	AllowEarlyCompletion bool `yaml:"allow_early_completion" json:"allow_early_completion"`

	// ExpectedSignals are substrings the result is expected to contain,
	// matched case-insensitively against the result summary.
	ExpectedSignals []string `yaml:"expected_signals" json:"expected_signals"`
}

// Validate rejects specs the harness cannot run.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("evaluation id is required")
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("evaluation %s has no tasks", s.ID)
	}
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if strings.TrimSpace(t.Instruction) == "" {
			return fmt.Errorf("evaluation %s task %d has no instruction", s.ID, i+1)
		}
		if t.Name == "" {
			t.Name = fmt.Sprintf("task-%d", i+1)
		}
		if t.MaxSteps == 0 {
			t.MaxSteps = 10
		}
		if t.MaxSteps < 1 || t.MaxSteps > 50 {
			return fmt.Errorf("evaluation %s task %q: max_steps %d out of range [1,50]", s.ID, t.Name, t.MaxSteps)
		}
		if t.ExecutionMode == "" {
			t.ExecutionMode = tasks.ModeAuto
		}
		if !t.ExecutionMode.Valid() {
			return fmt.Errorf("evaluation %s task %q: unknown execution mode %q", s.ID, t.Name, t.ExecutionMode)
		}
	}
	return nil
}

// LoadSpec reads one spec file. Files ending in .json or .json5 decode as
// JSON5; everything else is YAML.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evaluation spec: %w", err)
	}

	spec := &Spec{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, spec); err != nil {
			return nil, fmt.Errorf("parse evaluation spec %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, spec); err != nil {
			return nil, fmt.Errorf("parse evaluation spec %s: %w", path, err)
		}
	}

	if spec.ID == "" {
		base := filepath.Base(path)
		spec.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// LoadDir loads every spec file in dir, sorted by id. Unknown extensions
// are skipped.
func LoadDir(dir string) ([]*Spec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read specs dir: %w", err)
	}

	var specs []*Spec
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json", ".json5":
		default:
			continue
		}
		spec, err := LoadSpec(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}
