package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/wayfarer/internal/fault"
	"github.com/haasonsaas/wayfarer/internal/observability"
)

// DescriptionGenerator produces a tool description from its name and
// schema. Backed by an AI provider; possibly slow.
type DescriptionGenerator interface {
	GenerateDescription(ctx context.Context, toolName string, schema json.RawMessage) (string, error)
}

// ToolInfo is one catalog entry as served to MCP clients.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	// Degraded marks a description that fell back because generation
	// failed. Not part of the wire catalog.
	Degraded bool `json:"-"`
}

// Tool is a registered tool resolved by Lookup.
type Tool struct {
	Declaration Declaration
	Info        ToolInfo

	schema *jsonschema.Schema
}

// Registry is the immutable post-startup tool catalog.
type Registry struct {
	model   string
	cache   DescriptionCache
	order   []string
	byName  map[string]*Tool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Options configures registry construction.
type Options struct {
	// ModelID partitions the description cache; stable for the run.
	ModelID string

	// Cache persists generated descriptions. Nil disables caching.
	Cache DescriptionCache

	// Generator produces descriptions on cache miss. Nil skips generation.
	Generator DescriptionGenerator

	// GenerationTimeout bounds one generator call.
	GenerationTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// New registers the declared tools, resolving each description through the
// cache or generator. A failed generation degrades that one tool to its
// fallback description; it never fails construction. Duplicate or invalid
// declarations do.
func New(ctx context.Context, decls []Declaration, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ModelID == "" {
		opts.ModelID = "none"
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 45 * time.Second
	}

	r := &Registry{
		model:   opts.ModelID,
		cache:   opts.Cache,
		byName:  make(map[string]*Tool, len(decls)),
		logger:  logger.With("component", "registry"),
		metrics: opts.Metrics,
	}

	for _, decl := range decls {
		if err := decl.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.byName[decl.Name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", decl.Name)
		}

		schemaJSON, err := decl.SchemaJSON()
		if err != nil {
			return nil, err
		}
		compiled, err := jsonschema.CompileString(decl.Name+".schema.json", string(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", decl.Name, err)
		}

		description, degraded := r.resolveDescription(ctx, decl, schemaJSON, opts)
		tool := &Tool{
			Declaration: decl,
			Info: ToolInfo{
				Name:        decl.Name,
				Description: description,
				InputSchema: schemaJSON,
				Degraded:    degraded,
			},
			schema: compiled,
		}
		r.byName[decl.Name] = tool
		r.order = append(r.order, decl.Name)
	}

	return r, nil
}

// resolveDescription returns the tool's description and whether it is a
// degraded fallback.
func (r *Registry) resolveDescription(ctx context.Context, decl Declaration, schemaJSON json.RawMessage, opts Options) (string, bool) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, r.model, decl.Name)
		if err != nil {
			r.recordLookup("degraded")
			r.logger.Warn("description cache unreachable, continuing without it",
				"tool", decl.Name, "error", err)
		} else if cached != nil {
			r.recordLookup("hit")
			// Usage bump runs fire-and-forget under its own transaction.
			go func(id string) {
				touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := r.cache.Touch(touchCtx, id); err != nil {
					r.logger.Debug("description touch failed", "id", id, "error", err)
				}
			}(cached.ID)
			return cached.Description, false
		} else {
			r.recordLookup("miss")
		}
	}

	if opts.Generator == nil {
		return fallbackDescription(decl), false
	}

	genCtx, cancel := context.WithTimeout(ctx, opts.GenerationTimeout)
	defer cancel()
	start := time.Now()
	description, err := opts.Generator.GenerateDescription(genCtx, decl.Name, schemaJSON)
	latency := time.Since(start)
	if err != nil || description == "" {
		r.logger.Warn("description generation failed, using fallback",
			"tool", decl.Name, "error", err, "latency", latency)
		return fallbackDescription(decl), true
	}

	if r.cache != nil {
		if _, err := r.cache.Put(ctx, r.model, decl.Name, description, string(schemaJSON), latency); err != nil {
			r.logger.Warn("description cache write failed", "tool", decl.Name, "error", err)
		}
	}
	r.logger.Info("generated tool description",
		"tool", decl.Name, "latency", latency, "model", r.model)
	return description, false
}

func fallbackDescription(decl Declaration) string {
	if decl.Handwritten != "" {
		return decl.Handwritten
	}
	return fmt.Sprintf("Tool %s (no description available)", decl.Name)
}

func (r *Registry) recordLookup(result string) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(result)
	}
}

// List returns the catalog in declaration order.
func (r *Registry) List() []ToolInfo {
	out := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Info)
	}
	return out
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (*Tool, error) {
	tool, ok := r.byName[name]
	if !ok {
		return nil, fault.Newf(fault.KindUnknownTool, "tool %q is not registered", name)
	}
	return tool, nil
}

// CurrentModelID returns the cache partition key for this run.
func (r *Registry) CurrentModelID() string { return r.model }

// ValidateArguments checks args against the tool's compiled schema before
// any side effect. Unknown keys and type mismatches are INVALID_ARGUMENTS.
func (t *Tool) ValidateArguments(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fault.Wrap(fault.KindInvalidArguments, "arguments are not valid JSON", err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return fault.Wrap(fault.KindInvalidArguments, "arguments do not match the tool schema", err)
	}
	return nil
}
