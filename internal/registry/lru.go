package registry

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// lruFrontSize bounds the in-process description cache. Tool catalogs are
// small; this mostly guards against model-id churn in tests.
const lruFrontSize = 256

// LRUFront caches Get results in front of a slower DescriptionCache.
// Writes go through; Touch invalidates so usage stats stay fresh on the
// next read.
type LRUFront struct {
	next DescriptionCache
	lru  *lru.Cache[string, *Description]
}

// NewLRUFront wraps next with an in-memory LRU.
func NewLRUFront(next DescriptionCache) (*LRUFront, error) {
	cache, err := lru.New[string, *Description](lruFrontSize)
	if err != nil {
		return nil, err
	}
	return &LRUFront{next: next, lru: cache}, nil
}

// Get serves from the LRU when possible.
func (f *LRUFront) Get(ctx context.Context, model, tool string) (*Description, error) {
	key := cacheKey(model, tool)
	if d, ok := f.lru.Get(key); ok {
		return d.Clone(), nil
	}
	d, err := f.next.Get(ctx, model, tool)
	if err != nil {
		return nil, err
	}
	if d != nil {
		f.lru.Add(key, d.Clone())
	}
	return d, nil
}

// Put writes through and refreshes the LRU entry.
func (f *LRUFront) Put(ctx context.Context, model, tool, description, schema string, latency time.Duration) (*Description, error) {
	d, err := f.next.Put(ctx, model, tool, description, schema, latency)
	if err != nil {
		return nil, err
	}
	f.lru.Add(cacheKey(model, tool), d.Clone())
	return d, nil
}

// Touch forwards the usage bump and drops the stale LRU copy.
func (f *LRUFront) Touch(ctx context.Context, id string) error {
	for _, key := range f.lru.Keys() {
		if d, ok := f.lru.Peek(key); ok && d.ID == id {
			f.lru.Remove(key)
			break
		}
	}
	return f.next.Touch(ctx, id)
}

// Close closes the backing cache.
func (f *LRUFront) Close() error { return f.next.Close() }
