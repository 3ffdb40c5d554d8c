package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Description is one cached tool description, keyed by
// (provider_model, tool_name).
type Description struct {
	ID               string    `json:"id"`
	ProviderModel    string    `json:"provider_model"`
	ToolName         string    `json:"tool_name"`
	Description      string    `json:"description"`
	ParametersInfo   string    `json:"parameters_info"`
	GenerationTimeMS int64     `json:"generation_time_ms"`
	QualityScore     int       `json:"quality_score"`
	UsageCount       int       `json:"usage_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
}

// Clone returns a copy.
func (d *Description) Clone() *Description {
	if d == nil {
		return nil
	}
	out := *d
	return &out
}

// defaultQualityScore is assigned to newly generated descriptions.
const defaultQualityScore = 5

// DescriptionCache persists generated tool descriptions across restarts.
// Every operation runs under its own storage transaction; callers never
// hold one across cache calls.
type DescriptionCache interface {
	// Get is a point lookup; absence is (nil, nil).
	Get(ctx context.Context, model, tool string) (*Description, error)

	// Put upserts the description for (model, tool).
	Put(ctx context.Context, model, tool, description, schema string, latency time.Duration) (*Description, error)

	// Touch increments usage and stamps last_used_at.
	Touch(ctx context.Context, id string) error

	// Close releases cache resources.
	Close() error
}

// MemoryCache is a process-local DescriptionCache, used standalone when no
// durable store is configured and as the degraded fallback when the SQL
// cache is unreachable.
type MemoryCache struct {
	mu    sync.RWMutex
	byKey map[string]*Description
	byID  map[string]*Description
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		byKey: make(map[string]*Description),
		byID:  make(map[string]*Description),
	}
}

func cacheKey(model, tool string) string { return model + "\x00" + tool }

// Get returns the cached description or (nil, nil).
func (c *MemoryCache) Get(ctx context.Context, model, tool string) (*Description, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byKey[cacheKey(model, tool)].Clone(), nil
}

// Put upserts the description, preserving usage stats on overwrite.
func (c *MemoryCache) Put(ctx context.Context, model, tool, description, schema string, latency time.Duration) (*Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	key := cacheKey(model, tool)
	if existing, ok := c.byKey[key]; ok {
		existing.Description = description
		existing.ParametersInfo = schema
		existing.GenerationTimeMS = latency.Milliseconds()
		return existing.Clone(), nil
	}

	d := &Description{
		ID:               uuid.NewString(),
		ProviderModel:    model,
		ToolName:         tool,
		Description:      description,
		ParametersInfo:   schema,
		GenerationTimeMS: latency.Milliseconds(),
		QualityScore:     defaultQualityScore,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	c.byKey[key] = d
	c.byID[d.ID] = d
	return d.Clone(), nil
}

// Touch increments usage.
func (c *MemoryCache) Touch(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byID[id]; ok {
		d.UsageCount++
		d.LastUsedAt = time.Now()
	}
	return nil
}

// Close releases resources.
func (c *MemoryCache) Close() error { return nil }
