package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/mcpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve session control as MCP tools over stdio",
	Long: `Run an MCP server on stdin/stdout so a coding assistant can start a
session, poll its report, and resolve merges that need a human. A session
that is still running when the server exits is aborted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown("mcp server stopped")
	a.serveMetrics(ctx)

	s := mcpserver.NewServer(a.orch, mcpserver.Options{
		Defaults: agentRequest(cfg, 0, nil, false),
		Logger:   logger,
	})
	logger.Info("mcp server ready", zap.String("version", mcpserver.Version))
	return mcpserver.Serve(s)
}
