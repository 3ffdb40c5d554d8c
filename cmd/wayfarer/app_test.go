package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/wayfarer/internal/config"
)

func TestDescriptionCacheFallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	a := &app{cfg: cfg, logger: slog.Default()}

	cache := a.buildDescriptionCache()
	if cache == nil {
		t.Fatal("memory store driver left descriptions uncached")
	}

	if _, err := cache.Put(context.Background(), "none", "browseWebAndReturnText", "cached", "{}", time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get(context.Background(), "none", "browseWebAndReturnText")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Description != "cached" {
		t.Fatalf("got = %+v", got)
	}
}

func TestDescriptionCacheDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	disabled := false
	cfg.DescriptionCacheEnabled = &disabled
	a := &app{cfg: cfg, logger: slog.Default()}

	if cache := a.buildDescriptionCache(); cache != nil {
		t.Fatalf("cache = %T, want nil", cache)
	}
}
