package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/wayfarer/internal/artifacts"
	"github.com/haasonsaas/wayfarer/internal/browser"
	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/evaluation"
	"github.com/haasonsaas/wayfarer/internal/events"
	"github.com/haasonsaas/wayfarer/internal/executor"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/orchestrator"
	"github.com/haasonsaas/wayfarer/internal/planner"
	"github.com/haasonsaas/wayfarer/internal/providers"
	"github.com/haasonsaas/wayfarer/internal/registry"
	"github.com/haasonsaas/wayfarer/internal/screenshot"
	"github.com/haasonsaas/wayfarer/internal/tasks"
	"github.com/haasonsaas/wayfarer/internal/tools"
)

// app is the wired execution core shared by serve and eval.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	promReg *prometheus.Registry
	tracer  *observability.Tracer

	store    tasks.Store
	sqlStore *tasks.SQLStore
	blob     artifacts.Store
	pool     *browser.Pool
	bus      *events.Bus
	shots    *screenshot.Pipeline
	provider providers.Client
	orch     *orchestrator.Orchestrator
	tools    *registry.Registry
	harness  *evaluation.Harness

	stopTracing func(context.Context) error
}

// buildApp wires every component from the configuration. The caller owns
// the result and must Close it.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "wayfarer",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Attributes:     cfg.Tracing.Attributes,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		promReg:     promReg,
		tracer:      tracer,
		stopTracing: stopTracing,
	}

	if err := a.buildStore(); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.buildBlobStore(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}

	provider, err := providers.New(cfg.CurrentModelID, cfg.Providers, logger, metrics)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("provider: %w", err)
	}
	a.provider = provider

	a.shots, err = screenshot.NewPipeline(cfg.ScreenshotsDir, cfg.Server.BaseURL, logger, metrics)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("screenshot pipeline: %w", err)
	}

	driver, err := buildDriver(cfg.Browser)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.pool = browser.NewPool(driver, cfg.MaxConcurrentBrowserSessions, logger, metrics)
	a.bus = events.NewBus(cfg.EventBufferSize, logger, metrics)

	var decomposer planner.StepDecomposer
	if provider != nil {
		decomposer = provider
	}
	plan := planner.New(decomposer, cfg.Browser.DefaultURL, logger)
	exec := executor.New(a.shots, cfg.PerStepTimeout(), logger, metrics)
	archiver := artifacts.NewArchiver(a.blob, 0, logger)
	a.orch = orchestrator.New(a.store, a.pool, plan, exec, a.bus, archiver, cfg, logger, metrics, a.tracer)

	browse := tools.NewBrowse(a.orch, cfg.Server.BaseURL, cfg.PerStepTimeout(), logger)
	a.tools, err = registry.New(ctx, browse.Declarations(), registry.Options{
		ModelID:           cfg.CurrentModelID,
		Cache:             a.buildDescriptionCache(),
		Generator:         generatorFor(provider),
		GenerationTimeout: time.Duration(cfg.Providers.GenerationTimeoutSeconds) * time.Second,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	a.harness = evaluation.NewHarness(a.orch, cfg.Evaluation.MaxConcurrent, logger)
	return a, nil
}

func (a *app) buildStore() error {
	if a.cfg.Store.Driver == "memory" {
		a.store = tasks.NewMemoryStore()
		return nil
	}
	store, err := tasks.NewSQLStore(a.cfg.Store, a.logger, a.metrics)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	a.sqlStore = store
	a.store = store
	return nil
}

func (a *app) buildBlobStore(ctx context.Context) error {
	switch a.cfg.Artifacts.Backend {
	case "s3":
		s3cfg := a.cfg.Artifacts.S3
		store, err := artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			Prefix:          s3cfg.Prefix,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 artifact store: %w", err)
		}
		a.blob = store
	default:
		store, err := artifacts.NewLocalStore(a.cfg.Artifacts.Dir)
		if err != nil {
			return fmt.Errorf("local artifact store: %w", err)
		}
		a.blob = store
	}
	return nil
}

// buildDescriptionCache layers the in-process LRU over the SQL cache. The
// memory store driver has no database to persist into, and a failed SQL
// cache degrades the same way: descriptions are cached in memory only.
func (a *app) buildDescriptionCache() registry.DescriptionCache {
	if !a.cfg.CacheEnabled() {
		return nil
	}
	var backing registry.DescriptionCache
	if a.sqlStore != nil {
		sqlCache, err := registry.NewSQLCache(a.sqlStore.DB(), a.cfg.Store.Driver, a.logger)
		if err != nil {
			a.logger.Warn("description cache degraded to memory-only", "error", err)
		} else {
			backing = sqlCache
		}
	}
	if backing == nil {
		backing = registry.NewMemoryCache()
	}
	front, err := registry.NewLRUFront(backing)
	if err != nil {
		return backing
	}
	return front
}

func buildDriver(cfg config.BrowserConfig) (browser.Driver, error) {
	if cfg.Engine == "playwright" {
		driver, err := browser.NewPlaywrightDriver(cfg)
		if err != nil {
			return nil, fmt.Errorf("playwright driver: %w", err)
		}
		return driver, nil
	}
	return browser.NewChromedpDriver(cfg), nil
}

// generatorFor avoids handing the registry a non-nil interface wrapping a
// nil client.
func generatorFor(provider providers.Client) registry.DescriptionGenerator {
	if provider == nil {
		return nil
	}
	return provider
}

// close releases whatever was built, in reverse order. Safe on a partially
// constructed app.
func (a *app) close(ctx context.Context) {
	if a.orch != nil {
		if err := a.orch.Shutdown(ctx); err != nil {
			a.logger.Warn("orchestrator shutdown", "error", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("browser pool close", "error", err)
		}
	}
	if a.blob != nil {
		if err := a.blob.Close(); err != nil {
			a.logger.Warn("artifact store close", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("task store close", "error", err)
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown", "error", err)
		}
	}
}
