package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

// StepDecomposer is the AI collaborator that proposes a step plan. Raw
// plans pass through ParseSteps and sanitize before anything executes.
type StepDecomposer interface {
	DecomposeSteps(ctx context.Context, instruction string, maxSteps int) ([]StepSpec, error)
}

// Planner produces step plans. A nil decomposer runs heuristics only.
type Planner struct {
	decomposer StepDecomposer
	defaultURL string
	logger     *slog.Logger
}

// New creates a planner. defaultURL is the navigation target used when an
// instruction carries no URL and no recognized domain keyword.
func New(decomposer StepDecomposer, defaultURL string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		decomposer: decomposer,
		defaultURL: defaultURL,
		logger:     logger.With("component", "planner"),
	}
}

// Decompose returns at most maxSteps executable steps for the instruction.
// AI plans that fail or sanitize down to nothing fall back to the
// heuristic; an empty heuristic result is DECOMPOSITION_FAILED.
func (p *Planner) Decompose(ctx context.Context, instruction string, maxSteps int) ([]StepSpec, error) {
	if maxSteps < 1 {
		maxSteps = 1
	}
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, fault.New(fault.KindDecompositionFailed, "instruction is empty")
	}

	if p.decomposer != nil {
		steps, err := p.decomposer.DecomposeSteps(ctx, instruction, maxSteps)
		if err != nil {
			p.logger.Warn("ai decomposition failed, using heuristic", "error", err)
		} else if steps = sanitize(steps, maxSteps, p.logger); len(steps) > 0 {
			return steps, nil
		} else {
			p.logger.Warn("ai plan contained no executable steps, using heuristic")
		}
	}

	steps := p.heuristic(instruction, maxSteps)
	if len(steps) == 0 {
		return nil, fault.New(fault.KindDecompositionFailed, "no executable steps for instruction")
	}
	return steps, nil
}

// sanitize drops un-executable steps and truncates to maxSteps. Dropping is
// logged so a misbehaving decomposer is visible.
func sanitize(steps []StepSpec, maxSteps int, logger *slog.Logger) []StepSpec {
	out := make([]StepSpec, 0, len(steps))
	for i, s := range steps {
		if err := s.validate(); err != nil {
			logger.Warn("dropping un-executable step", "index", i+1, "error", err)
			continue
		}
		out = append(out, s)
		if len(out) == maxSteps {
			break
		}
	}
	return out
}

var (
	urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)
	wwwPattern = regexp.MustCompile(`\bwww\.[^\s"'<>]+`)
)

// canonicalURLs maps domain keywords to their canonical entry points for
// the heuristic fallback.
var canonicalURLs = []struct {
	keyword string
	url     string
}{
	{"google", "https://www.google.com"},
	{"linkedin", "https://www.linkedin.com"},
	{"github", "https://github.com"},
	{"youtube", "https://www.youtube.com"},
	{"wikipedia", "https://www.wikipedia.org"},
	{"amazon", "https://www.amazon.com"},
	{"twitter", "https://twitter.com"},
	{"reddit", "https://www.reddit.com"},
}

// heuristic builds a plan without AI: navigate to any URL in the
// instruction (or a keyword-derived canonical URL, or the default), then
// extract or capture depending on what the instruction asks for.
func (p *Planner) heuristic(instruction string, maxSteps int) []StepSpec {
	lower := strings.ToLower(instruction)

	target := ""
	if m := urlPattern.FindString(instruction); m != "" {
		target = strings.TrimRight(m, ".,;:)")
	} else if m := wwwPattern.FindString(instruction); m != "" {
		target = "https://" + strings.TrimRight(m, ".,;:)")
	} else {
		for _, c := range canonicalURLs {
			if strings.Contains(lower, c.keyword) {
				target = c.url
				break
			}
		}
	}
	if target == "" {
		target = p.defaultURL
	}
	if target == "" {
		return nil
	}

	steps := []StepSpec{{
		Action:      ActionNavigate,
		URL:         target,
		Description: fmt.Sprintf("navigate to %s", target),
	}}

	wantsText := strings.Contains(lower, "text") || strings.Contains(lower, "title") ||
		strings.Contains(lower, "extract") || strings.Contains(lower, "read") ||
		strings.Contains(lower, "return")
	wantsShot := strings.Contains(lower, "screenshot") || strings.Contains(lower, "capture") ||
		strings.Contains(lower, "image")

	if len(steps) < maxSteps && wantsText {
		steps = append(steps, StepSpec{Action: ActionExtractText, Description: "extract page text"})
	}
	if len(steps) < maxSteps && (wantsShot || !wantsText) {
		steps = append(steps, StepSpec{Action: ActionScreenshot, Description: "capture screenshot"})
	}
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps
}

// ParseSteps decodes an AI plan from raw model output. Surrounding prose
// and markdown fences are stripped and malformed JSON goes through repair
// before giving up.
func ParseSteps(raw string) ([]StepSpec, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in decomposer output")
	}

	var steps []StepSpec
	if err := json.Unmarshal([]byte(payload), &steps); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("parse steps: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &steps); err != nil {
			return nil, fmt.Errorf("parse repaired steps: %w", err)
		}
	}
	return steps, nil
}

// extractJSON pulls the first JSON array out of model output, tolerating
// markdown code fences.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if fence := strings.Index(raw, "```"); fence >= 0 {
		rest := raw[fence+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = rest[:end]
		} else {
			raw = rest
		}
		raw = strings.TrimSpace(raw)
	}
	start := strings.IndexByte(raw, '[')
	end := strings.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
