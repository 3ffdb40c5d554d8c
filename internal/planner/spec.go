// Package planner turns a free-text instruction into an ordered plan of
// atomic browser steps. Plans come from an AI-backed StepDecomposer when
// one is configured, with a keyword heuristic as the fallback; either way
// every emitted step maps to exactly one executor action.
package planner

import (
	"fmt"
	"strings"
	"time"
)

// Action is one executable browser operation.
type Action string

const (
	ActionNavigate    Action = "navigate"
	ActionClick       Action = "click"
	ActionType        Action = "type"
	ActionWait        Action = "wait"
	ActionScreenshot  Action = "screenshot"
	ActionExtractText Action = "extract_text"
	ActionScroll      Action = "scroll"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionNavigate, ActionClick, ActionType, ActionWait,
		ActionScreenshot, ActionExtractText, ActionScroll:
		return true
	default:
		return false
	}
}

// StepSpec is one planned step plus the parameters its action needs. The
// JSON tags double as the contract for AI-produced plans.
type StepSpec struct {
	Action      Action `json:"action"`
	Description string `json:"description,omitempty"`

	// URL for navigate.
	URL string `json:"url,omitempty"`

	// Selector for click, type, extract_text, and selector waits.
	Selector string `json:"selector,omitempty"`

	// Text is the click target text or the text to type.
	Text string `json:"text,omitempty"`

	// Submit presses Enter after a type step.
	Submit bool `json:"submit,omitempty"`

	// Wait names the wait condition: dom_ready, network_idle,
	// selector_visible, or duration.
	Wait string `json:"wait,omitempty"`

	// DurationMS parameterizes duration waits.
	DurationMS int `json:"duration_ms,omitempty"`

	// TimeoutMS overrides the per-step timeout when positive.
	TimeoutMS int `json:"timeout_ms,omitempty"`

	// Direction is "down" or "up" for scroll steps.
	Direction string `json:"direction,omitempty"`
}

// Timeout returns the step's timeout override, or fallback when unset.
func (s StepSpec) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return fallback
}

// Describe renders a human-readable step description, preferring the
// planner-supplied one.
func (s StepSpec) Describe() string {
	if s.Description != "" {
		return s.Description
	}
	switch s.Action {
	case ActionNavigate:
		return fmt.Sprintf("navigate to %s", s.URL)
	case ActionClick:
		if s.Selector != "" {
			return fmt.Sprintf("click %s", s.Selector)
		}
		return fmt.Sprintf("click %q", s.Text)
	case ActionType:
		return fmt.Sprintf("type into %s", s.Selector)
	case ActionWait:
		return fmt.Sprintf("wait for %s", s.Wait)
	case ActionScreenshot:
		return "capture screenshot"
	case ActionExtractText:
		if s.Selector != "" {
			return fmt.Sprintf("extract text of %s", s.Selector)
		}
		return "extract page text"
	case ActionScroll:
		if s.Direction == "up" {
			return "scroll up"
		}
		return "scroll down"
	default:
		return string(s.Action)
	}
}

// validate rejects steps the executor cannot run. The error names the first
// problem found.
func (s StepSpec) validate() error {
	if !s.Action.Valid() {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	switch s.Action {
	case ActionNavigate:
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("navigate url %q must start with http:// or https://", s.URL)
		}
	case ActionClick:
		if s.Selector == "" && strings.TrimSpace(s.Text) == "" {
			return fmt.Errorf("click needs a selector or target text")
		}
	case ActionType:
		if s.Selector == "" {
			return fmt.Errorf("type needs a selector")
		}
	case ActionWait:
		switch s.Wait {
		case "dom_ready", "network_idle":
		case "selector_visible":
			if s.Selector == "" {
				return fmt.Errorf("selector_visible wait needs a selector")
			}
		case "duration":
			if s.DurationMS <= 0 {
				return fmt.Errorf("duration wait needs duration_ms > 0")
			}
		default:
			return fmt.Errorf("unknown wait condition %q", s.Wait)
		}
	}
	return nil
}
