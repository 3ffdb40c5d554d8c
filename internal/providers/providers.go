// Package providers adapts AI model APIs to the two narrow collaborator
// interfaces the core needs: description generation for the tool registry
// and step decomposition for the planner.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/planner"
)

// Client is one provider adapter. It satisfies both the registry's
// DescriptionGenerator and the planner's StepDecomposer.
type Client interface {
	GenerateDescription(ctx context.Context, toolName string, schema json.RawMessage) (string, error)
	DecomposeSteps(ctx context.Context, instruction string, maxSteps int) ([]planner.StepSpec, error)
}

// SplitModelID splits "openai/gpt-4o" into provider and model. A bare id
// has no provider.
func SplitModelID(modelID string) (provider, model string) {
	if i := strings.IndexByte(modelID, '/'); i >= 0 {
		return modelID[:i], modelID[i+1:]
	}
	return "", modelID
}

// New builds the adapter selected by the model id prefix. "none" (or empty)
// returns nil without error: the caller runs with heuristics and fallback
// descriptions.
func New(modelID string, cfg config.ProvidersConfig, logger *slog.Logger, metrics *observability.Metrics) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider, model := SplitModelID(modelID)
	switch provider {
	case "", "none":
		if model != "" && model != "none" {
			return nil, fmt.Errorf("model id %q has no provider prefix", modelID)
		}
		return nil, nil
	case "openai":
		return newOpenAIClient(model, cfg.OpenAI, logger, metrics), nil
	case "anthropic":
		return newAnthropicClient(model, cfg.Anthropic, logger, metrics), nil
	default:
		return nil, fmt.Errorf("unknown provider %q in model id %q", provider, modelID)
	}
}

const describeSystemPrompt = `You write tool descriptions for an MCP server catalog.
Given a tool name and its JSON Schema, reply with one or two sentences telling an
AI agent when to call the tool and what it returns. Reply with the description
text only, no markdown and no preamble.`

func describeUserPrompt(toolName string, schema json.RawMessage) string {
	return fmt.Sprintf("Tool name: %s\nInput schema:\n%s", toolName, schema)
}

const decomposeSystemPrompt = `You convert a natural-language browsing instruction into an
ordered plan of atomic browser steps. Reply with a JSON array only. Each element is an
object with an "action" field, one of: navigate, click, type, wait, screenshot,
extract_text, scroll. Fields per action:
  navigate: "url" (must start with http:// or https://)
  click: "selector" or "text"
  type: "selector", "text", optional "submit" (boolean)
  wait: "wait" (dom_ready | network_idle | selector_visible | duration), optional "selector" or "duration_ms"
  extract_text: optional "selector"
  scroll: "direction" (down | up)
Every element also carries a short "description". Never emit a step that opens or
closes the browser. Emit at most the requested number of steps.`

func decomposeUserPrompt(instruction string, maxSteps int) string {
	return fmt.Sprintf("Instruction: %s\nMaximum steps: %d", instruction, maxSteps)
}
