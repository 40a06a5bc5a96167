package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/backend"
	"github.com/aristath/parallax/internal/config"
	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/metrics"
	"github.com/aristath/parallax/internal/orchestrator"
	"github.com/aristath/parallax/internal/persistence"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

const shutdownTimeout = 10 * time.Second

// app holds every long-lived component of a session-running command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *events.EventBus
	store   *persistence.SQLiteStore
	metrics *metrics.Metrics
	pm      *backend.ProcessManager
	orch    *orchestrator.Orchestrator

	closeOnce sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	workspaces, err := newWorkspaces(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewEventBus(),
		store:   store,
		metrics: metrics.New(),
		pm:      backend.NewProcessManager(),
	}
	a.metrics.CountDroppedEvents(a.bus.Dropped)

	executor := backend.NewCommand(backend.Config{
		Command:    cfg.Executor.Command,
		Args:       cfg.Executor.Args,
		Timeout:    cfg.Executor.Timeout,
		Acceptance: cfg.Executor.Acceptance,
	}, a.pm, a.bus, logger)

	a.orch, err = orchestrator.New(orchestrator.Options{
		Workspaces: workspaces,
		Backend:    executor,
		Bus:        a.bus,
		Logger:     logger,
		Archive:    store,
		Recorder:   a.metrics,
		Retry:      orchestrator.RetryFromConfig(cfg.Retry),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func newWorkspaces(cfg *config.Config, logger *zap.Logger) (*worktree.Manager, error) {
	repo, err := filepath.Abs(cfg.Repo.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}
	return worktree.NewManager(worktree.Config{
		RepoPath:     repo,
		BaseBranch:   cfg.Repo.BaseBranch,
		WorktreeDir:  cfg.Repo.WorktreeDir,
		BranchPrefix: cfg.Repo.BranchPrefix,
	}, worktree.NewGitCLI(repo, logger), logger), nil
}

func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	path := cfg.Store.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Repo.Path, path)
	}
	store, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening session archive %s: %w", path, err)
	}
	return store, nil
}

// shutdown aborts a session that is still running, kills executor processes,
// and closes the archive. Only the first call has an effect.
func (a *app) shutdown(reason string) {
	a.closeOnce.Do(func() { a.close(reason) })
}

func (a *app) close(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s := a.orch.Status(); s != nil && !s.Status.Terminal() {
		a.logger.Warn("aborting running session", zap.String("session_id", s.ID), zap.String("reason", reason))
		if err := a.pm.KillAll(); err != nil {
			a.logger.Warn("failed to kill executor processes", zap.Error(err))
		}
		if err := a.orch.Abort(ctx, reason); err != nil {
			a.logger.Error("abort failed", zap.Error(err))
		}
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close session archive", zap.Error(err))
	}
}

// serveMetrics exposes Prometheus metrics until ctx is done. An empty addr
// disables the exporter.
func (a *app) serveMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// agentRequest combines the configured agents with command-line overrides.
func agentRequest(cfg *config.Config, count int, roles []string, serialize bool) scheduler.AgentRequest {
	req := scheduler.AgentRequest{
		Count:     cfg.Agents.Count,
		Roles:     cfg.Agents.Roles,
		Serialize: cfg.Agents.Serialize || serialize,
	}
	if len(roles) > 0 {
		req.Roles = nil
		for _, name := range roles {
			req.Roles = append(req.Roles, roleSpec(cfg.Agents.Roles, name))
		}
		req.Count = len(roles)
	}
	if count > 0 {
		req.Count = count
	}
	return req
}

// roleSpec returns the configured role with that name, keeping its focus
// globs, or a bare role.
func roleSpec(configured []scheduler.RoleSpec, name string) scheduler.RoleSpec {
	for _, r := range configured {
		if r.Name == name {
			return r
		}
	}
	return scheduler.RoleSpec{Name: name}
}
