package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove worktrees left behind by an interrupted session",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	m, err := newWorkspaces(cfg, logger)
	if err != nil {
		return err
	}

	n, err := m.PruneStale(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale worktree(s).\n", n)
	return nil
}
