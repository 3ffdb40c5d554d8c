package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/wayfarer/internal/fault"
)

type fakeDecomposer struct {
	steps []StepSpec
	err   error
}

func (f *fakeDecomposer) DecomposeSteps(ctx context.Context, instruction string, maxSteps int) ([]StepSpec, error) {
	return f.steps, f.err
}

func TestHeuristicExtractsURL(t *testing.T) {
	p := New(nil, "https://www.google.com", nil)

	steps, err := p.Decompose(context.Background(), "go to https://example.com and return the page title", 1)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(steps))
	}
	if steps[0].Action != ActionNavigate || steps[0].URL != "https://example.com" {
		t.Fatalf("step = %+v, want navigate to https://example.com", steps[0])
	}
}

func TestHeuristicKeywordDomain(t *testing.T) {
	p := New(nil, "https://fallback.example", nil)

	steps, err := p.Decompose(context.Background(), "search linkedin for golang jobs", 3)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if steps[0].URL != "https://www.linkedin.com" {
		t.Fatalf("first step url = %q, want linkedin canonical", steps[0].URL)
	}
}

func TestHeuristicDefaultURLWithScreenshot(t *testing.T) {
	p := New(nil, "https://www.google.com", nil)

	steps, err := p.Decompose(context.Background(), "look around", 5)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if steps[0].Action != ActionNavigate || steps[0].URL != "https://www.google.com" {
		t.Fatalf("first step = %+v, want navigate to default url", steps[0])
	}
	if steps[len(steps)-1].Action != ActionScreenshot {
		t.Fatalf("last step = %+v, want screenshot", steps[len(steps)-1])
	}
}

func TestDecomposeRespectsMaxSteps(t *testing.T) {
	many := make([]StepSpec, 10)
	for i := range many {
		many[i] = StepSpec{Action: ActionScreenshot}
	}
	p := New(&fakeDecomposer{steps: many}, "", nil)

	steps, err := p.Decompose(context.Background(), "take lots of screenshots", 3)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3 (truncated)", len(steps))
	}
}

func TestDecomposeDropsUnexecutableSteps(t *testing.T) {
	p := New(&fakeDecomposer{steps: []StepSpec{
		{Action: ActionNavigate, URL: "ftp://bad.example"},
		{Action: ActionNavigate, URL: "https://good.example"},
		{Action: "open_browser"},
		{Action: ActionExtractText},
	}}, "", nil)

	steps, err := p.Decompose(context.Background(), "browse", 5)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2 after dropping invalid ones", len(steps))
	}
	if steps[0].URL != "https://good.example" {
		t.Fatalf("first surviving step = %+v", steps[0])
	}
}

func TestDecomposeFallsBackOnAIError(t *testing.T) {
	p := New(&fakeDecomposer{err: errors.New("model unavailable")}, "https://www.google.com", nil)

	steps, err := p.Decompose(context.Background(), "visit https://example.com", 2)
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if steps[0].URL != "https://example.com" {
		t.Fatalf("fallback did not extract URL: %+v", steps[0])
	}
}

func TestDecomposeEmptyInstruction(t *testing.T) {
	p := New(nil, "https://www.google.com", nil)

	_, err := p.Decompose(context.Background(), "   ", 1)
	if fault.KindOf(err) != fault.KindDecompositionFailed {
		t.Fatalf("kind = %v, want DECOMPOSITION_FAILED", fault.KindOf(err))
	}
}

func TestParseStepsPlain(t *testing.T) {
	steps, err := ParseSteps(`[{"action":"navigate","url":"https://example.com"},{"action":"extract_text"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 2 || steps[0].Action != ActionNavigate {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestParseStepsFencedWithProse(t *testing.T) {
	raw := "Here is the plan:\n```json\n[{\"action\":\"navigate\",\"url\":\"https://example.com\"}]\n```\nDone."
	steps, err := ParseSteps(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 1 || steps[0].URL != "https://example.com" {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestParseStepsRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and single quotes: common model output defects.
	raw := `[{'action': 'navigate', 'url': 'https://example.com'},]`
	steps, err := ParseSteps(raw)
	if err != nil {
		t.Fatalf("parse with repair: %v", err)
	}
	if len(steps) != 1 || steps[0].URL != "https://example.com" {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestStepSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		spec StepSpec
		ok   bool
	}{
		{"navigate https", StepSpec{Action: ActionNavigate, URL: "https://a.example"}, true},
		{"navigate bad scheme", StepSpec{Action: ActionNavigate, URL: "javascript:alert(1)"}, false},
		{"click selector", StepSpec{Action: ActionClick, Selector: "#go"}, true},
		{"click text", StepSpec{Action: ActionClick, Text: "Submit"}, true},
		{"click empty", StepSpec{Action: ActionClick}, false},
		{"type no selector", StepSpec{Action: ActionType, Text: "hi"}, false},
		{"wait duration valid", StepSpec{Action: ActionWait, Wait: "duration", DurationMS: 100}, true},
		{"wait duration missing", StepSpec{Action: ActionWait, Wait: "duration"}, false},
		{"wait unknown", StepSpec{Action: ActionWait, Wait: "forever"}, false},
		{"screenshot", StepSpec{Action: ActionScreenshot}, true},
		{"unknown action", StepSpec{Action: "close_browser"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.validate()
			if tc.ok && err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("validate passed, want error")
			}
		})
	}
}
