package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/planner"
)

const anthropicMaxTokens = 2048

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newAnthropicClient(model string, cfg config.ProviderConfig, logger *slog.Logger, metrics *observability.Metrics) *AnthropicClient {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_0)
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(options...),
		model:   model,
		logger:  logger.With("component", "anthropic"),
		metrics: metrics,
	}
}

func (c *AnthropicClient) complete(ctx context.Context, operation, system, user string) (string, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		c.record(operation, "error")
		return "", fmt.Errorf("anthropic %s: %w", operation, err)
	}

	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		c.record(operation, "error")
		return "", fmt.Errorf("anthropic %s: empty response", operation)
	}
	c.record(operation, "success")
	return text, nil
}

// GenerateDescription asks the model for a catalog description.
func (c *AnthropicClient) GenerateDescription(ctx context.Context, toolName string, schema json.RawMessage) (string, error) {
	return c.complete(ctx, "describe", describeSystemPrompt, describeUserPrompt(toolName, schema))
}

// DecomposeSteps asks the model for a step plan and parses its JSON reply.
func (c *AnthropicClient) DecomposeSteps(ctx context.Context, instruction string, maxSteps int) ([]planner.StepSpec, error) {
	raw, err := c.complete(ctx, "decompose", decomposeSystemPrompt, decomposeUserPrompt(instruction, maxSteps))
	if err != nil {
		return nil, err
	}
	steps, err := planner.ParseSteps(raw)
	if err != nil {
		return nil, fmt.Errorf("anthropic decompose: %w", err)
	}
	return steps, nil
}

func (c *AnthropicClient) record(operation, status string) {
	if c.metrics != nil {
		c.metrics.RecordProviderRequest("anthropic", operation, status)
	}
}
