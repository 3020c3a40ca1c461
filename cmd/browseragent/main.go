// Package main provides the CLI entry point for browseragent, an
// autonomous browser-driving agent: a single-tab Agent Loop for
// step-by-step automation, a Research Orchestrator for parallel
// multi-source research, and a long-lived `serve` command/event loop for
// embedding the agent behind a UI layer.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	commit     = "none"
	date       = "unknown"
	configPath string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "browseragent",
		Short: "browseragent - an autonomous browser-driving agent",
		Long: `browseragent drives a real Chrome/Chromium tab over the DevTools Protocol
on an LLM's behalf: observe the page, act on it, repeat until the task is
done or a research question is answered by reading several sources at once.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "browseragent.yaml", "Path to config file")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResearchCmd(),
		buildServeCmd(),
	)
	return rootCmd
}
