package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/evaluation"
	"github.com/haasonsaas/wayfarer/internal/events"
	"github.com/haasonsaas/wayfarer/internal/mcp"
	"github.com/haasonsaas/wayfarer/internal/observability"
	"github.com/haasonsaas/wayfarer/internal/screenshot"
	"github.com/haasonsaas/wayfarer/internal/server"
	"github.com/haasonsaas/wayfarer/internal/tasks"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wayfarer MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wayfarer.yaml", "Path to configuration file (yaml, json, or json5)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mcpServer := mcp.NewServer(a.tools, a.store, a.orch, version, logger, a.metrics)
	httpServer := server.New(server.Options{
		Config:         cfg,
		Store:          a.store,
		Canceller:      a.orch,
		MCP:            mcpServer,
		Bus:            a.bus,
		ScreenshotsDir: cfg.ScreenshotsDir,
		Gatherer:       a.promReg,
		Logger:         logger,
		Metrics:        a.metrics,
	})

	if cfg.Evaluation.Enabled {
		submitEvaluations(cfg.Evaluation.SpecsDir, a, logger)
	}

	runner := startCron(cfg, a, logger)

	watcher := config.NewWatcher(configPath, func(updated *config.Config) {
		observability.SetLogLevel(updated.Logging.Level)
	}, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher not started", "path", configPath, "error", err)
	}

	if err := httpServer.Start(); err != nil {
		<-runner.Stop().Done()
		a.close(ctx)
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("shutdown requested")

	// Drain order: stop intake first, then running tasks, then the stores
	// they publish into.
	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	<-runner.Stop().Done()
	_ = watcher.Close()
	a.harness.Wait()
	a.close(drainCtx)
	logger.Info("shutdown complete")
	return nil
}

// submitEvaluations queues every spec found in the configured directory.
// The cron promoter starts them as capacity allows.
func submitEvaluations(dir string, a *app, logger *slog.Logger) {
	specs, err := evaluation.LoadDir(dir)
	if err != nil {
		logger.Warn("evaluation specs not loaded", "dir", dir, "error", err)
		return
	}
	for _, spec := range specs {
		if err := a.harness.Submit(spec); err != nil {
			logger.Warn("evaluation not submitted", "evaluation_id", spec.ID, "error", err)
			continue
		}
		logger.Info("evaluation queued", "evaluation_id", spec.ID, "tasks", len(spec.Tasks))
	}
}

// startCron schedules the background sweeps: task timeouts, screenshot
// retention, store and bus pruning, and evaluation promotion.
func startCron(cfg *config.Config, a *app, logger *slog.Logger) *cron.Cron {
	runner := cron.New()
	schedule := func(spec, name string, job func(ctx context.Context)) {
		if _, err := runner.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			job(ctx)
		}); err != nil {
			logger.Error("cron job not scheduled", "job", name, "error", err)
		}
	}

	taskSweeper := tasks.NewSweeper(a.store, cfg.TaskDeadline, func(task *tasks.Task) {
		data := map[string]any{
			"terminal_status":  string(task.Status),
			"steps_completed":  task.CurrentStep,
			"early_completion": false,
			"error_kind":       string(task.ErrorKind),
		}
		if task.EndedAt != nil {
			data["ended_at"] = *task.EndedAt
		}
		a.bus.Publish(task.ID, events.TypeTaskEnded, data)
		if task.EndedAt != nil {
			a.metrics.RecordTask(string(task.ExecutionMode), string(task.Status), task.EndedAt.Sub(task.CreatedAt).Seconds())
		}
	}, logger)
	schedule("@every 1m", "task-timeout-sweep", func(ctx context.Context) {
		if _, err := taskSweeper.Sweep(ctx); err != nil {
			logger.Warn("task sweep failed", "error", err)
		}
	})

	refs, _ := a.store.(screenshot.RefChecker)
	shotSweeper := screenshot.NewSweeper(
		cfg.ScreenshotsDir,
		time.Duration(cfg.ScreenshotRetentionHours)*time.Hour,
		time.Duration(cfg.TaskLinkedRetentionHours)*time.Hour,
		refs,
		logger,
	)
	schedule("@every 1h", "screenshot-retention-sweep", func(ctx context.Context) {
		if _, err := shotSweeper.Sweep(ctx); err != nil {
			logger.Warn("screenshot sweep failed", "error", err)
		}
	})

	schedule("@every 1h", "task-prune", func(ctx context.Context) {
		retention := time.Duration(cfg.TaskLinkedRetentionHours) * time.Hour
		if _, err := a.store.Prune(ctx, retention); err != nil {
			logger.Warn("task prune failed", "error", err)
		}
	})

	schedule("@every 10m", "event-prune", func(ctx context.Context) {
		a.bus.Prune(time.Hour)
	})

	if cfg.Evaluation.Enabled {
		spec := fmt.Sprintf("@every %ds", cfg.Evaluation.PromotionIntervalSeconds)
		schedule(spec, "evaluation-promotion", func(ctx context.Context) {
			a.harness.Promote(ctx)
		})
	}

	runner.Start()
	return runner
}
