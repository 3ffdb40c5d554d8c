package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/wayfarer/internal/config"
	"github.com/haasonsaas/wayfarer/internal/evaluation"
	"github.com/haasonsaas/wayfarer/internal/observability"
)

func buildEvalCmd() *cobra.Command {
	var configPath string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "eval [spec-file-or-dir...]",
		Short: "Run benchmark evaluations and print their reports",
		Long: `Run evaluation specs against a locally wired execution core, without
starting the HTTP server. Specs are YAML, JSON, or JSON5 files; a directory
argument loads every spec inside it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runEval(cmd.Context(), cfg, args, jsonOut, cmd)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wayfarer.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit full reports as JSON")
	return cmd
}

func runEval(ctx context.Context, cfg *config.Config, paths []string, jsonOut bool, cmd *cobra.Command) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	specs, err := collectSpecs(paths)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no evaluation specs found in %v", paths)
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	out := cmd.OutOrStdout()
	failed := 0
	for _, spec := range specs {
		report, err := a.harness.Execute(ctx, spec)
		if err != nil {
			fmt.Fprintf(out, "%s: FAILED (%v)\n", spec.ID, err)
			failed++
			continue
		}
		if jsonOut {
			payload, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(payload))
			continue
		}
		fmt.Fprintf(out, "%s: aggregate %.1f/100 (%d tasks)\n", report.EvaluationID, report.Aggregate, len(report.Tasks))
		for _, score := range report.Tasks {
			status := "completed"
			if !score.Completed {
				status = "failed"
			}
			fmt.Fprintf(out, "  %-30s %6.1f  %s  confidence %.2f  signals %d/%d\n",
				score.Name, score.Score, status, score.AvgConfidence, score.SignalHits, score.SignalTotal)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d evaluations failed to run", failed, len(specs))
	}
	return nil
}

// collectSpecs expands file and directory arguments into loaded specs.
func collectSpecs(paths []string) ([]*evaluation.Spec, error) {
	var specs []*evaluation.Spec
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			loaded, err := evaluation.LoadDir(path)
			if err != nil {
				return nil, err
			}
			specs = append(specs, loaded...)
			continue
		}
		spec, err := evaluation.LoadSpec(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
