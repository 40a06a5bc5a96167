package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/config"
	"github.com/aristath/parallax/internal/logging"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/report"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/tasklist"
	"github.com/aristath/parallax/internal/tui"
)

const progressInterval = 30 * time.Second

var (
	runAgents       int
	runRoles        []string
	runSerialize    bool
	runNoTUI        bool
	runAbortOnStall bool
)

var runCmd = &cobra.Command{
	Use:   "run <tasks-file>",
	Short: "Plan a task list and run it to completion",
	Long: `Plan the task list, provision a worktree per agent, and run every task.

The dashboard shows each agent's queue and output. Pressing q detaches from
the dashboard while the session keeps running, and progress continues on
stderr. Ctrl+C aborts the session and discards every unmerged worktree.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVarP(&runAgents, "agents", "n", 0, "Number of agents (default agents.count)")
	runCmd.Flags().StringSliceVar(&runRoles, "role", nil, "Agent roles in order, e.g. --role backend,frontend")
	runCmd.Flags().BoolVar(&runSerialize, "serialize", false, "Queue extra ownership groups behind others instead of failing the plan")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "Print progress lines instead of the dashboard")
	runCmd.Flags().BoolVar(&runAbortOnStall, "abort-on-stall", false, "Abort when a failure leaves no task able to run")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	doc, err := tasklist.Load(args[0])
	if err != nil {
		return err
	}

	useTUI := !runNoTUI
	logger, closeLog, err := runLogger(cfg, useTUI)
	if err != nil {
		return err
	}
	defer closeLog()
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.shutdown("interrupted")
	a.serveMetrics(ctx)

	req := agentRequest(cfg, runAgents, runRoles, runSerialize)
	id, err := a.orch.Start(ctx, doc, req)
	if err != nil {
		return err
	}
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Session %s started for %q (%d tasks)\n", id, doc.Feature, len(doc.Tasks))

	if useTUI {
		if err := attach(ctx, a); err != nil {
			return err
		}
		if ctx.Err() == nil {
			fmt.Fprintln(out, "Detached from the dashboard. Progress continues below; Ctrl+C aborts.")
		}
	}

	final, err := follow(ctx, a, out)
	if err != nil {
		if ctx.Err() != nil {
			stop()
			fmt.Fprintln(out, "Interrupt received, aborting session...")
			a.shutdown("interrupted")
			final = a.orch.Status()
		} else {
			return err
		}
	}
	if final == nil {
		return registry.ErrNoSession
	}

	fmt.Fprint(cmd.OutOrStdout(), report.Build(final, time.Now()).Render())
	return outcome(final)
}

// runLogger writes to a file under the repository while the dashboard owns
// the terminal.
func runLogger(cfg *config.Config, toFile bool) (*zap.Logger, func(), error) {
	if !toFile {
		logger, err := newLogger(cfg)
		return logger, func() {}, err
	}
	path := filepath.Join(cfg.Repo.Path, ".parallax", "parallax.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: "json", Output: f})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, func() { f.Close() }, nil
}

// attach runs the dashboard until the user detaches or ctx is cancelled.
func attach(ctx context.Context, a *app) error {
	p := tea.NewProgram(tui.New(a.bus, a.orch.Status), tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		p.Quit()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		select {
		case err := <-errChan:
			if err != nil {
				a.logger.Warn("dashboard exit error", zap.Error(err))
			}
		case <-shutdownCtx.Done():
			a.logger.Warn("dashboard did not exit in time")
		}
		return nil
	}
}

// follow waits for the session to end, printing a progress line periodically.
func follow(ctx context.Context, a *app, out io.Writer) (*registry.Session, error) {
	done := make(chan struct{})
	var final *registry.Session
	var waitErr error
	go func() {
		defer close(done)
		final, waitErr = a.orch.Wait(ctx)
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	stallChecks := time.NewTicker(time.Second)
	defer stallChecks.Stop()
	notified := false

	for {
		select {
		case <-done:
			return final, waitErr
		case <-ticker.C:
			if s := a.orch.Status(); s != nil {
				fmt.Fprintln(out, progressLine(s, time.Now()))
			}
		case <-stallChecks.C:
			s := a.orch.Status()
			if s == nil || !s.Stalled() {
				notified = false
				continue
			}
			if !runAbortOnStall {
				if !notified {
					fmt.Fprintln(out, stallNotice(s))
					notified = true
				}
				continue
			}
			fmt.Fprintln(out, "Session stalled on failed work, aborting.")
			abortCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			err := a.orch.Abort(abortCtx, "stalled on failed tasks")
			cancel()
			if err != nil && !errors.Is(err, registry.ErrSessionTerminal) {
				return nil, err
			}
		}
	}
}

// stallNotice tells the user what a stalled session is waiting for.
func stallNotice(s *registry.Session) string {
	var waiting []string
	for _, t := range s.Tasks {
		if t.Status == scheduler.TaskFailed {
			waiting = append(waiting, "task "+t.ID)
		}
	}
	for _, ws := range s.AwaitingHuman() {
		waiting = append(waiting, "workspace "+ws.ID)
	}
	return fmt.Sprintf("Session stalled, waiting on %s. Press Ctrl+C to abort or rerun with --abort-on-stall.",
		strings.Join(waiting, ", "))
}

func progressLine(s *registry.Session, now time.Time) string {
	c := s.Counts()
	return fmt.Sprintf("[%s] %d/%d completed, %d active, %d blocked, %d failed",
		now.Sub(s.StartedAt).Truncate(time.Second),
		c[scheduler.TaskCompleted], len(s.Tasks), c[scheduler.TaskActive],
		c[scheduler.TaskBlocked], c[scheduler.TaskFailed])
}

// errSessionFailed makes the command exit non-zero when work did not land.
var errSessionFailed = errors.New("session did not complete every task")

func outcome(s *registry.Session) error {
	if s.Status == registry.SessionAborted {
		return fmt.Errorf("session %s aborted", s.ID)
	}
	if c := s.Counts(); c[scheduler.TaskFailed] > 0 || c[scheduler.TaskBlocked] > 0 {
		return errSessionFailed
	}
	return nil
}
