// Package main is the wayfarer CLI: an MCP tool server that lets AI agents
// browse the web through managed headless-browser tasks.
//
// Start the server:
//
//	wayfarer serve --config wayfarer.yaml
//
// Run benchmark evaluations without the HTTP surface:
//
//	wayfarer eval specs/smoke.yaml
//
// Print the configuration JSON Schema:
//
//	wayfarer schema
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wayfarer",
		Short: "Wayfarer - web browsing task server for AI agents",
		Long: `Wayfarer exposes web browsing as MCP tools. Agents submit natural-language
instructions; wayfarer decomposes them into browser steps, executes them in
headless sessions, and streams progress over SSE.

Tools: browseWebAndReturnText, browseWebAndReturnImage`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildEvalCmd(),
		buildSchemaCmd(),
	)
	return rootCmd
}
