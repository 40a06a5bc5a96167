// Package orchestrator runs an orchestration session end to end. It plans the
// task list, starts one worker per agent, merges finished workspaces, and
// archives the session once every task is terminal.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/parallax/internal/backend"
	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/merge"
	"github.com/aristath/parallax/internal/registry"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/tasklist"
	"github.com/aristath/parallax/internal/worktree"
)

// ErrSessionActive is returned by Start while a previous session still runs.
var ErrSessionActive = errors.New("a session is already running")

// cleanupTimeout bounds workspace teardown and archiving after a session ends.
const cleanupTimeout = 30 * time.Second

// Workspaces is the isolation manager as seen by the orchestrator.
type Workspaces interface {
	merge.Isolation
	Provision(ctx context.Context, agentID, baseRef string) (*worktree.Workspace, error)
	Discard(ctx context.Context, workspaceID string) error
	PruneStale(ctx context.Context) (int, error)
}

// Archive stores finished sessions.
type Archive interface {
	SaveSession(ctx context.Context, s *registry.Session) error
}

// Recorder receives registry and merge instrumentation.
type Recorder interface {
	registry.Recorder
	merge.Recorder
}

// Options configures an Orchestrator. Workspaces and Backend are required.
type Options struct {
	Workspaces Workspaces
	Backend    backend.Backend
	Bus        *events.EventBus
	Logger     *zap.Logger
	Archive    Archive  // Optional
	Recorder   Recorder // Optional
	Retry      RetryConfig
	BaseRef    string // Reference workspaces branch from; empty means the integration branch
}

// Orchestrator drives one session at a time.
type Orchestrator struct {
	opts     Options
	logger   *zap.Logger
	reg      *registry.Registry
	merger   *merge.Coordinator
	locks    *scheduler.OwnershipLocks
	breakers *CircuitBreakerRegistry
	planner  *scheduler.Planner

	mu  sync.Mutex
	run *run
}

// run is the state of one started session.
type run struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	plan     *scheduler.Plan
	roles    map[string]scheduler.RoleSpec // agentID -> role
	finished map[string]bool               // Workspaces the worker already sent to merge
	final    *registry.Session
	err      error
}

func (r *run) lockKeys(taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if group, ok := r.plan.Groups[taskID]; ok {
		return []string{group}
	}
	return nil
}

// markFinished reports whether the workspace was not yet sent to merge.
func (r *run) markFinished(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished[workspaceID] {
		return false
	}
	r.finished[workspaceID] = true
	return true
}

func (r *run) clearFinished(workspaceID string) {
	r.mu.Lock()
	delete(r.finished, workspaceID)
	r.mu.Unlock()
}

func (r *run) ended() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Workspaces == nil {
		return nil, errors.New("orchestrator: workspaces are required")
	}
	if opts.Backend == nil {
		return nil, errors.New("orchestrator: backend is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry.InitialInterval == 0 {
		opts.Retry = DefaultRetryConfig()
	}

	regOpts := registry.Options{Bus: opts.Bus, Logger: opts.Logger}
	var mergeRec merge.Recorder
	if opts.Recorder != nil {
		regOpts.Recorder = opts.Recorder
		mergeRec = opts.Recorder
	}
	reg := registry.New(regOpts)

	return &Orchestrator{
		opts:     opts,
		logger:   opts.Logger,
		reg:      reg,
		merger:   merge.NewCoordinator(reg, opts.Workspaces, opts.Bus, opts.Logger, mergeRec),
		locks:    scheduler.NewOwnershipLocks(),
		breakers: NewCircuitBreakerRegistry(opts.Logger),
		planner:  scheduler.NewPlanner(opts.Logger),
	}, nil
}

// DryRun validates a task list and computes its plan without touching any
// workspace.
func DryRun(doc *tasklist.Document, req scheduler.AgentRequest, logger *zap.Logger) (*scheduler.Graph, *scheduler.Plan, error) {
	g, err := scheduler.Build(doc.Tasks)
	if err != nil {
		return nil, nil, err
	}
	plan, err := scheduler.NewPlanner(logger).Plan(g, req)
	if err != nil {
		return nil, nil, err
	}
	return g, plan, nil
}

// Start plans the task list and launches the session in the background.
// Planning errors are returned before any workspace is created. The session
// outlives ctx; stop it with Abort.
func (o *Orchestrator) Start(ctx context.Context, doc *tasklist.Document, req scheduler.AgentRequest) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.run != nil && !o.run.ended() {
		return "", ErrSessionActive
	}

	g, plan, err := DryRun(doc, req, o.logger)
	if err != nil {
		return "", err
	}

	if n, err := o.opts.Workspaces.PruneStale(ctx); err != nil {
		o.logger.Warn("failed to prune stale workspaces", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("pruned stale workspaces", zap.Int("count", n))
	}

	sessionID, err := o.reg.Initialize(doc.Feature, g, plan)
	if err != nil {
		return "", err
	}
	if err := o.reg.Start(); err != nil {
		return "", err
	}

	roles := make(map[string]scheduler.RoleSpec, len(plan.Agents))
	for i, ap := range plan.Agents {
		role := scheduler.RoleSpec{Name: ap.Role}
		if i < len(req.Roles) {
			role = req.Roles[i]
		}
		roles[ap.ID] = role
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
		plan:      plan,
		roles:     roles,
		finished:  make(map[string]bool),
	}
	o.run = r

	o.logger.Info("session started",
		zap.String("session_id", sessionID),
		zap.String("feature", doc.Feature),
		zap.Int("agents", len(plan.Agents)),
		zap.Int("critical_path_minutes", plan.CriticalPathMinutes),
	)
	go o.supervise(runCtx, r)
	return sessionID, nil
}

// supervise runs the agent workers, completes the session once it settles,
// and performs cleanup after it ends.
func (o *Orchestrator) supervise(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	logger := o.logger.With(zap.String("session_id", r.sessionID))

	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range o.reg.Snapshot().Agents {
		agentID := agent.ID
		g.Go(func() error {
			return o.runAgent(gctx, r, agentID)
		})
	}

	stalled := false
	for {
		s, err := o.reg.WaitFor(gctx, func(s *registry.Session) bool {
			return s.Status.Terminal() || settled(s) || s.Stalled() != stalled
		})
		if err != nil || s.Status.Terminal() {
			break
		}
		if settled(s) {
			if err := o.reg.Finish(); err != nil &&
				!errors.Is(err, registry.ErrInvalidTransition) && !errors.Is(err, registry.ErrSessionTerminal) {
				logger.Error("failed to complete session", zap.Error(err))
				r.setErr(err)
				break
			}
			continue
		}
		stalled = s.Stalled()
		if stalled {
			logger.Warn("session stalled until a human intervenes",
				zap.Strings("failed", failedTasks(s)),
				zap.Strings("awaiting_merge", awaitingWorkspaces(s)),
			)
		} else {
			logger.Info("session resumed")
		}
	}

	r.cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent worker failed", zap.Error(err))
		r.setErr(err)
	}
	if err := r.error(); err != nil {
		if abortErr := o.abort(err.Error()); abortErr != nil && !errors.Is(abortErr, registry.ErrSessionTerminal) {
			logger.Error("failed to abort session", zap.Error(abortErr))
		}
	}

	final := o.reg.Snapshot()
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for _, ws := range final.Workspaces {
		switch {
		case ws.Status == worktree.StatusDiscarded:
			err := o.opts.Workspaces.Discard(cleanupCtx, ws.ID)
			switch {
			case err == nil, errors.Is(err, worktree.ErrNotFound):
			case errors.Is(err, worktree.ErrAlreadyMerged):
				logger.Warn("discarded workspace was already integrated", zap.String("workspace_id", ws.ID))
			default:
				logger.Error("failed to discard workspace", zap.String("workspace_id", ws.ID), zap.Error(err))
			}
		case !ws.Status.Terminal():
			logger.Warn("workspace kept for inspection",
				zap.String("workspace_id", ws.ID),
				zap.String("agent_id", ws.AgentID),
				zap.String("path", ws.Path),
				zap.Stringer("status", ws.Status),
			)
		}
	}

	if o.opts.Archive != nil {
		if err := o.opts.Archive.SaveSession(cleanupCtx, final); err != nil {
			logger.Error("failed to archive session", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.final = final
	r.mu.Unlock()

	logger.Info("session ended", zap.Stringer("status", final.Status))
}

func (r *run) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *run) error() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// settled reports whether a running session has nothing left to do: every
// task is terminal and no finished workspace still waits to be merged.
func settled(s *registry.Session) bool {
	if s.Status != registry.SessionRunning || !s.AllTerminal() {
		return false
	}
	for _, ws := range s.Workspaces {
		switch ws.Status {
		case worktree.StatusReadyToMerge:
			return false
		case worktree.StatusActive:
			if s.QueueCompleted(ws.AgentID) {
				return false
			}
		}
	}
	return true
}

func failedTasks(s *registry.Session) []string {
	var ids []string
	for _, t := range s.Tasks {
		if t.Status == scheduler.TaskFailed {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func awaitingWorkspaces(s *registry.Session) []string {
	var ids []string
	for _, ws := range s.AwaitingHuman() {
		ids = append(ids, ws.ID)
	}
	return ids
}

func (o *Orchestrator) current() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run
}

// Status returns a snapshot of the current or last session, or nil.
func (o *Orchestrator) Status() *registry.Session {
	return o.reg.Snapshot()
}

// Plan returns the plan the current session runs on, updated by Replan.
func (o *Orchestrator) Plan() *scheduler.Plan {
	r := o.current()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan
}

// Wait blocks until the session ends and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context) (*registry.Session, error) {
	r := o.current()
	if r == nil {
		return nil, registry.ErrNoSession
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final, r.err
}

// Abort fails every unfinished task, stops the workers, and discards every
// workspace that was not merged. It returns once cleanup has finished.
// Aborting an aborted session is a no-op.
func (o *Orchestrator) Abort(ctx context.Context, reason string) error {
	r := o.current()
	if r == nil {
		return registry.ErrNoSession
	}
	if err := o.abort(reason); err != nil {
		return err
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort aborts the session between merges, so no workspace is integrated
// behind the registry's back.
func (o *Orchestrator) abort(reason string) error {
	return o.merger.Exclusive(func() error { return o.reg.Abort(reason) })
}

// ForceMerge merges a ready workspace without comparing it against other
// workspaces. confirm must equal the workspace ID.
func (o *Orchestrator) ForceMerge(ctx context.Context, workspaceID, confirm string) error {
	return o.merger.Merge(ctx, workspaceID, merge.Options{Force: true, Confirmation: confirm})
}

// RetryMerge retries the merge of a workspace after a human resolved a
// conflict. A reopened workspace is snapshotted again first.
func (o *Orchestrator) RetryMerge(ctx context.Context, workspaceID string) error {
	s := o.reg.Snapshot()
	if s == nil {
		return registry.ErrNoSession
	}
	ws, ok := s.Workspace(workspaceID)
	if !ok {
		return fmt.Errorf("workspace %q: %w", workspaceID, registry.ErrNotFound)
	}
	if ws.Status == worktree.StatusActive {
		if _, err := o.merger.MarkReadyToMerge(ctx, workspaceID); err != nil {
			return err
		}
	}
	return o.merger.Merge(ctx, workspaceID, merge.Options{})
}

// ReopenWorkspace returns a ready workspace to active so its changes can be
// reworked by hand. The worker does not merge it again on its own; call
// RetryMerge when done.
func (o *Orchestrator) ReopenWorkspace(workspaceID string) error {
	return o.merger.Reopen(workspaceID)
}

// ResetTask returns a failed task to pending. If its agent has failed, Replan
// moves it to an agent that can run it.
func (o *Orchestrator) ResetTask(taskID string) error {
	return o.reg.ResetTask(taskID)
}

// Replan recomputes the queues of every unfinished task over the agents that
// have not failed. Completed tasks stay where they are. It is refused while a
// task is active.
func (o *Orchestrator) Replan(ctx context.Context) (*scheduler.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := o.current()
	if r == nil {
		return nil, registry.ErrNoSession
	}
	s := o.reg.Snapshot()
	if s.Status != registry.SessionRunning {
		return nil, fmt.Errorf("session %s is %s: %w", s.ID, s.Status, registry.ErrSessionTerminal)
	}

	completed := make(map[string]bool)
	for _, t := range s.Tasks {
		switch t.Status {
		case scheduler.TaskActive:
			return nil, fmt.Errorf("task %s is active; replan after it finishes", t.ID)
		case scheduler.TaskCompleted:
			completed[t.ID] = true
		}
	}

	var specs []scheduler.TaskSpec
	for _, t := range s.Tasks {
		if completed[t.ID] {
			continue
		}
		spec := scheduler.TaskSpec{
			ID:               t.ID,
			Description:      t.Description,
			OwnerPatterns:    t.OwnerPatterns,
			EstimatedMinutes: t.EstimatedMinutes,
			Checks:           t.Checks,
		}
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				spec.DependsOn = append(spec.DependsOn, dep)
			}
		}
		specs = append(specs, spec)
	}

	var usable []*registry.Agent
	for _, a := range s.Agents {
		if a.Error == "" {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return nil, errors.New("no agent is left to take work")
	}

	queues := make(map[string][]string, len(usable))
	for _, a := range usable {
		queues[a.ID] = nil
	}

	r.mu.Lock()
	plan := r.plan
	req := scheduler.AgentRequest{Count: len(usable), Serialize: true}
	for _, a := range usable {
		req.Roles = append(req.Roles, r.roles[a.ID])
	}
	r.mu.Unlock()

	if len(specs) > 0 {
		g, err := scheduler.Build(specs)
		if err != nil {
			return nil, err
		}
		plan, err = o.planner.Plan(g, req)
		if err != nil {
			return nil, err
		}
		// The planner names agents by position; map them onto the survivors.
		ids := make(map[string]string, len(plan.Agents))
		for i := range plan.Agents {
			ids[plan.Agents[i].ID] = usable[i].ID
			plan.Agents[i].ID = usable[i].ID
			plan.Agents[i].Role = usable[i].Role
			queues[usable[i].ID] = plan.Agents[i].Queue
		}
		for taskID, agentID := range plan.Assignments {
			plan.Assignments[taskID] = ids[agentID]
		}
	}

	if err := o.reg.Replan(queues); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.plan = plan
	r.mu.Unlock()

	o.logger.Info("session replanned",
		zap.String("session_id", s.ID),
		zap.Int("tasks", len(specs)),
		zap.Int("agents", len(usable)),
	)
	return plan, nil
}
