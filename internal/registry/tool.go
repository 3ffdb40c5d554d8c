// Package registry discovers declared tools at startup, resolves their
// descriptions through the cache or generator, and serves the read-only
// catalog.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Capability flags which execution paths a tool supports.
type Capability string

const (
	// CapabilityOneShot allows the synchronous single-step path.
	CapabilityOneShot Capability = "ONE_SHOT"

	// CapabilityMultiStep allows queued multi-step execution.
	CapabilityMultiStep Capability = "MULTI_STEP"
)

// namePattern is the allowed shape of a tool name.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// Parameter describes one tool argument.
type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Result is the content-block payload a synchronous tool call returns.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one MCP content block.
type Content struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 image payload
	MimeType string `json:"mimeType,omitempty"`
}

// TextResult builds a single-text-block result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// Handler executes one tool invocation. Handlers route internally: a
// ONE_SHOT call runs synchronously and returns its content, anything else
// enqueues a task and returns its handle.
type Handler interface {
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Declaration is one tool as supplied to the registry at startup.
type Declaration struct {
	// Name uniquely identifies the tool.
	Name string

	// Handwritten is the optional author-provided description, used as the
	// fallback when generation fails or no generator is configured.
	Handwritten string

	// Parameters maps argument name to its shape.
	Parameters map[string]Parameter

	// Capabilities lists the supported execution paths.
	Capabilities []Capability

	// Handler runs the one-shot path.
	Handler Handler
}

// Validate rejects malformed declarations before registration.
func (d Declaration) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid tool name %q", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", d.Name)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("tool %s: at least one capability is required", d.Name)
	}
	for _, c := range d.Capabilities {
		if c != CapabilityOneShot && c != CapabilityMultiStep {
			return fmt.Errorf("tool %s: unknown capability %q", d.Name, c)
		}
	}
	return nil
}

// Supports reports whether the declaration carries the capability.
func (d Declaration) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SchemaJSON renders the declaration's parameters as a JSON Schema object.
// Unknown argument keys are rejected by additionalProperties.
func (d Declaration) SchemaJSON() (json.RawMessage, error) {
	properties := make(map[string]any, len(d.Parameters))
	var required []string
	for name, p := range d.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", d.Name, err)
	}
	return out, nil
}
