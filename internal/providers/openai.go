package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/planner"
)

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	logger  *slog.Logger
	metrics *observability.Metrics
}

func newOpenAIClient(model string, cfg config.ProviderConfig, logger *slog.Logger, metrics *observability.Metrics) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		logger:  logger.With("component", "openai"),
		metrics: metrics,
	}
}

func (c *OpenAIClient) complete(ctx context.Context, operation, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		c.record(operation, "error")
		return "", fmt.Errorf("openai %s: %w", operation, err)
	}
	if len(resp.Choices) == 0 {
		c.record(operation, "error")
		return "", fmt.Errorf("openai %s: empty response", operation)
	}
	c.record(operation, "success")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenerateDescription asks the model for a catalog description.
func (c *OpenAIClient) GenerateDescription(ctx context.Context, toolName string, schema json.RawMessage) (string, error) {
	return c.complete(ctx, "describe", describeSystemPrompt, describeUserPrompt(toolName, schema))
}

// DecomposeSteps asks the model for a step plan and parses its JSON reply.
func (c *OpenAIClient) DecomposeSteps(ctx context.Context, instruction string, maxSteps int) ([]planner.StepSpec, error) {
	raw, err := c.complete(ctx, "decompose", decomposeSystemPrompt, decomposeUserPrompt(instruction, maxSteps))
	if err != nil {
		return nil, err
	}
	steps, err := planner.ParseSteps(raw)
	if err != nil {
		return nil, fmt.Errorf("openai decompose: %w", err)
	}
	return steps, nil
}

func (c *OpenAIClient) record(operation, status string) {
	if c.metrics != nil {
		c.metrics.RecordProviderRequest("openai", operation, status)
	}
}
