package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/config"
	"github.com/aristath/parallax/internal/logging"
)

var (
	projectConfig string
	logLevel      string
	logFormat     string
)

var rootCmd = &cobra.Command{
	Use:   "parallax",
	Short: "Run coding agents in parallel over a task graph",
	Long: `Parallax splits a feature's task list across several coding agents.

Each agent works through its own queue in an isolated git worktree. Tasks
start only after their dependencies completed and handed off their outputs,
tasks that touch overlapping files never run on two agents at once, and every
finished worktree is merged back into the base branch unless its changes
overlap another agent's, in which case a human decides.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectConfig, "config", config.ProjectPath, "Project configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log.format (console, json)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(pruneCmd)
}

// loadConfig reads the layered configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	global, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(global, projectConfig)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}
