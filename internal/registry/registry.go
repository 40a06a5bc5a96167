// Package registry is the single source of truth for task, agent, workspace,
// and handoff state during an orchestration session.
//
// Every mutation runs under one session-level lock and ends in a commit that
// publishes an immutable snapshot. Readers load the last commit without
// taking the lock, and waiters block on the commit's change channel.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/scheduler"
	"github.com/aristath/parallax/internal/worktree"
)

// Recorder receives instrumentation for committed transitions.
type Recorder interface {
	Transition(entity, to string)
	SetAgentsActive(n int)
}

type nopRecorder struct{}

func (nopRecorder) Transition(string, string) {}
func (nopRecorder) SetAgentsActive(int)       {}

// Options configures a Registry. Every field is optional.
type Options struct {
	Bus      *events.EventBus
	Logger   *zap.Logger
	Recorder Recorder
	Now      func() time.Time
}

type committed struct {
	session *Session      // nil before Initialize
	changed chan struct{} // closed when a newer commit replaces this one
}

type pendingEvent struct {
	topic string
	event events.Event
}

// Registry owns all mutable session state.
type Registry struct {
	mu         sync.Mutex // Serializes every mutation
	state      *Session   // Working copy, only touched under mu
	tasks      map[string]*scheduler.Task
	agents     map[string]*Agent
	workspaces map[string]*worktree.Workspace
	handoffs   map[string]*HandoffRecord // producer + "\x00" + consumer
	dependents map[string][]string
	outbox     []pendingEvent

	current atomic.Pointer[committed]

	bus      *events.EventBus
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		bus:      opts.Bus,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		now:      opts.Now,
	}
	r.current.Store(&committed{changed: make(chan struct{})})
	return r
}

// commit publishes the working copy as the new snapshot, wakes waiters, and
// then delivers the events queued during the mutation. Callers hold mu.
func (r *Registry) commit() {
	r.state.Version++
	next := &committed{session: r.state.clone(), changed: make(chan struct{})}
	prev := r.current.Swap(next)
	close(prev.changed)

	outbox := r.outbox
	r.outbox = nil
	if r.bus == nil {
		return
	}
	for _, pe := range outbox {
		r.bus.Publish(pe.topic, pe.event)
	}
}

func (r *Registry) emit(topic string, ev events.Event) {
	r.outbox = append(r.outbox, pendingEvent{topic: topic, event: ev})
}

// Initialize creates a session in planning status from a validated graph and
// its plan. A previous session must have ended.
func (r *Registry) Initialize(feature string, g *scheduler.Graph, plan *scheduler.Plan) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != nil && !r.state.Status.Terminal() {
		return "", fmt.Errorf("session %s is still %s", r.state.ID, r.state.Status)
	}

	s := &Session{
		ID:                  uuid.NewString(),
		Feature:             feature,
		Status:              SessionPlanning,
		CriticalPath:        append([]string(nil), plan.CriticalPath...),
		CriticalPathMinutes: plan.CriticalPathMinutes,
	}
	r.state = s

	r.tasks = make(map[string]*scheduler.Task, g.Len())
	r.dependents = make(map[string][]string, g.Len())
	for _, task := range g.Tasks() {
		task.AssignedAgent = plan.Assignments[task.ID]
		s.Tasks = append(s.Tasks, task)
		r.tasks[task.ID] = task
		r.dependents[task.ID] = g.Dependents(task.ID)
	}

	r.agents = make(map[string]*Agent, len(plan.Agents))
	for _, ap := range plan.Agents {
		agent := &Agent{ID: ap.ID, Role: ap.Role, Queue: append([]string(nil), ap.Queue...)}
		agent.Status, agent.CurrentTask = r.deriveAgent(agent)
		s.Agents = append(s.Agents, agent)
		r.agents[agent.ID] = agent
	}

	r.workspaces = make(map[string]*worktree.Workspace)
	r.handoffs = make(map[string]*HandoffRecord)

	r.emit(events.TopicSession, events.SessionStatusEvent{ID: s.ID, Feature: feature, To: SessionPlanning.String(), Timestamp: r.now()})
	r.emitProgress()
	r.commit()

	r.logger.Info("session initialized",
		zap.String("session_id", s.ID),
		zap.String("feature", feature),
		zap.Int("tasks", len(s.Tasks)),
		zap.Int("agents", len(s.Agents)),
	)
	return s.ID, nil
}

// Start moves the session from planning to running.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return ErrNoSession
	}
	if err := r.setSessionStatus(SessionRunning); err != nil {
		return err
	}
	r.state.StartedAt = r.now()
	r.commit()
	return nil
}

func (r *Registry) setSessionStatus(to SessionStatus) error {
	from := r.state.Status
	if !allowed(sessionTransitions, from, to) {
		return &InvalidTransitionError{Entity: "session", ID: r.state.ID, From: from.String(), To: to.String()}
	}
	r.state.Status = to
	if to.Terminal() {
		r.state.EndedAt = r.now()
	}
	r.recorder.Transition("session", to.String())
	r.emit(events.TopicSession, events.SessionStatusEvent{
		ID: r.state.ID, Feature: r.state.Feature, From: from.String(), To: to.String(), Timestamp: r.now(),
	})
	return nil
}

// requireRunning is called under mu by every task/workspace mutation.
func (r *Registry) requireRunning() error {
	switch {
	case r.state == nil:
		return ErrNoSession
	case r.state.Status.Terminal():
		return fmt.Errorf("session %s is %s: %w", r.state.ID, r.state.Status, ErrSessionTerminal)
	case r.state.Status == SessionPlanning:
		return fmt.Errorf("session %s: %w", r.state.ID, ErrNotStarted)
	}
	return nil
}

// TaskUpdate requests a task status change.
type TaskUpdate struct {
	TaskID  string
	To      scheduler.TaskStatus
	AgentID string // Caller; required for ready -> active and checked against ownership when set
	// ChecksPassed must be true to complete a task that declares acceptance checks.
	ChecksPassed bool
	Reason       string            // Blocking reason or failure message
	Artifacts    map[string]string // Outputs published to dependents on completion
}

// UpdateTaskStatus validates and applies one task transition, then
// re-evaluates dependents: completion releases handoffs, failure blocks them.
func (r *Registry) UpdateTaskStatus(u TaskUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	task, ok := r.tasks[u.TaskID]
	if !ok {
		return notFound("task", u.TaskID)
	}
	if err := r.validateTask(task, u); err != nil {
		return err
	}

	switch u.To {
	case scheduler.TaskCompleted:
		if len(u.Artifacts) > 0 && task.Artifacts == nil {
			task.Artifacts = make(map[string]string, len(u.Artifacts))
		}
		for k, v := range u.Artifacts {
			task.Artifacts[k] = v
		}
		r.setTaskStatus(task, scheduler.TaskCompleted, "")
		r.releaseDependents(task.ID)
	case scheduler.TaskFailed:
		reason := u.Reason
		if reason == "" {
			reason = "task failed"
		}
		r.setTaskStatus(task, scheduler.TaskFailed, reason)
		r.propagateFailure(task.ID, reason)
	case scheduler.TaskBlocked:
		reason := u.Reason
		if reason == "" {
			reason = "blocked"
		}
		r.setTaskStatus(task, scheduler.TaskBlocked, reason)
	default:
		r.setTaskStatus(task, u.To, u.Reason)
	}

	r.afterTaskChange()
	return nil
}

func (r *Registry) validateTask(task *scheduler.Task, u TaskUpdate) error {
	invalid := func(reason string) error {
		return &InvalidTransitionError{Entity: "task", ID: task.ID, From: task.Status.String(), To: u.To.String(), Reason: reason}
	}

	if !allowed(taskTransitions, task.Status, u.To) {
		return invalid("")
	}
	if u.AgentID != "" && u.AgentID != task.AssignedAgent {
		return invalid(fmt.Sprintf("task is owned by %s, not %s", task.AssignedAgent, u.AgentID))
	}

	switch u.To {
	case scheduler.TaskActive:
		if u.AgentID == "" {
			return invalid("only the owning agent may start a task")
		}
		agent, ok := r.agents[u.AgentID]
		if !ok {
			return invalid(fmt.Sprintf("unknown agent %s", u.AgentID))
		}
		if agent.Status == AgentDone {
			return invalid(fmt.Sprintf("agent %s is done", u.AgentID))
		}
		if dep := r.incompleteDependency(task); dep != "" {
			return invalid(fmt.Sprintf("dependency %s is %s", dep, r.tasks[dep].Status))
		}
		for _, h := range r.inbound(task.ID) {
			if h.Status != HandoffAcknowledged {
				return invalid(fmt.Sprintf("handoff from %s is %s", h.Producer, h.Status))
			}
		}
		for _, id := range agent.Queue {
			if other := r.tasks[id]; other.ID != task.ID && other.Status == scheduler.TaskActive {
				return invalid(fmt.Sprintf("agent %s is already working on %s", u.AgentID, other.ID))
			}
		}
	case scheduler.TaskCompleted:
		if len(task.Checks) > 0 && !u.ChecksPassed {
			return invalid("acceptance checks have not passed")
		}
	case scheduler.TaskReady:
		if dep := r.incompleteDependency(task); dep != "" {
			return invalid(fmt.Sprintf("dependency %s is %s", dep, r.tasks[dep].Status))
		}
	}
	return nil
}

func (r *Registry) incompleteDependency(task *scheduler.Task) string {
	for _, dep := range task.DependsOn {
		if r.tasks[dep].Status != scheduler.TaskCompleted {
			return dep
		}
	}
	return ""
}

// setTaskStatus applies an already validated transition. Callers hold mu.
func (r *Registry) setTaskStatus(task *scheduler.Task, to scheduler.TaskStatus, reason string) {
	from := task.Status
	task.Status = to
	switch to {
	case scheduler.TaskBlocked:
		task.BlockedReason = reason
	case scheduler.TaskFailed:
		task.Error = reason
		task.BlockedReason = ""
		task.BlockedByFailure = false
	default:
		task.BlockedReason = ""
		task.BlockedByFailure = false
		if to == scheduler.TaskPending {
			task.Error = ""
		}
	}

	r.recorder.Transition("task", to.String())
	r.emit(events.TopicTask, events.TaskStatusEvent{
		ID: task.ID, AgentID: task.AssignedAgent, From: from.String(), To: to.String(), Reason: reason, Timestamp: r.now(),
	})
	r.logger.Debug("task transition",
		zap.String("session_id", r.state.ID),
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AssignedAgent),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// RecordBlocking marks a waiting task blocked with a human-readable reason
// while a dependency has not delivered its handoff yet. Re-recording an
// already blocked task only updates the reason. A task whose dependencies are
// all completed is refused, since nothing would release it again.
func (r *Registry) RecordBlocking(taskID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	task, ok := r.tasks[taskID]
	if !ok {
		return notFound("task", taskID)
	}
	if reason == "" {
		reason = "blocked"
	}
	if r.incompleteDependency(task) == "" {
		return &InvalidTransitionError{
			Entity: "task", ID: taskID, From: task.Status.String(), To: scheduler.TaskBlocked.String(),
			Reason: "every dependency has completed",
		}
	}

	if task.Status == scheduler.TaskBlocked {
		if task.BlockedReason == reason {
			return nil
		}
		task.BlockedReason = reason
	} else {
		if !allowed(taskTransitions, task.Status, scheduler.TaskBlocked) {
			return &InvalidTransitionError{Entity: "task", ID: taskID, From: task.Status.String(), To: scheduler.TaskBlocked.String()}
		}
		r.setTaskStatus(task, scheduler.TaskBlocked, reason)
	}

	r.afterTaskChange()
	return nil
}

// ResetTask returns a failed task to pending so it can run again, and lifts
// failure blocks from dependents that have no other failed ancestor.
func (r *Registry) ResetTask(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	task, ok := r.tasks[taskID]
	if !ok {
		return notFound("task", taskID)
	}
	if task.Status != scheduler.TaskFailed {
		return &InvalidTransitionError{Entity: "task", ID: taskID, From: task.Status.String(), To: scheduler.TaskPending.String(), Reason: "only failed tasks can be reset"}
	}

	r.setTaskStatus(task, scheduler.TaskPending, "")
	r.liftFailureBlocks(taskID)
	r.evaluateReadiness()
	r.afterTaskChange()
	return nil
}

// afterTaskChange re-derives agents and commits. Callers hold mu.
func (r *Registry) afterTaskChange() {
	r.recomputeAgents()
	r.emitProgress()
	r.commit()
}

func (r *Registry) emitProgress() {
	counts := make(map[scheduler.TaskStatus]int)
	for _, t := range r.state.Tasks {
		counts[t.Status]++
	}
	r.emit(events.TopicSession, events.ProgressEvent{
		SessionID: r.state.ID,
		Total:     len(r.state.Tasks),
		Pending:   counts[scheduler.TaskPending],
		Ready:     counts[scheduler.TaskReady],
		Active:    counts[scheduler.TaskActive],
		Blocked:   counts[scheduler.TaskBlocked],
		Completed: counts[scheduler.TaskCompleted],
		Failed:    counts[scheduler.TaskFailed],
		Timestamp: r.now(),
	})
}

// deriveAgent computes an agent's status from its queue.
func (r *Registry) deriveAgent(agent *Agent) (AgentStatus, string) {
	if agent.Error != "" || (r.state != nil && r.state.Status == SessionAborted) {
		return AgentDone, ""
	}
	waitingOnFailure := false
	for _, id := range agent.Queue {
		task := r.tasks[id]
		switch {
		case task.Status == scheduler.TaskActive:
			return AgentActive, id
		case task.Status.Terminal():
			continue
		case task.BlockedByFailure:
			waitingOnFailure = true
			continue
		case task.Status == scheduler.TaskReady:
			return AgentIdle, ""
		default:
			return AgentBlocked, ""
		}
	}
	if waitingOnFailure {
		return AgentBlocked, ""
	}
	return AgentDone, ""
}

func (r *Registry) recomputeAgents() {
	active := 0
	for _, agent := range r.state.Agents {
		status, current := r.deriveAgent(agent)
		agent.CurrentTask = current
		if status != agent.Status {
			if !allowed(agentTransitions, agent.Status, status) {
				r.logger.Error("unexpected agent transition",
					zap.String("agent_id", agent.ID),
					zap.Stringer("from", agent.Status),
					zap.Stringer("to", status),
				)
			}
			from := agent.Status
			agent.Status = status
			r.recorder.Transition("agent", status.String())
			r.emit(events.TopicAgent, events.AgentStatusEvent{
				ID: agent.ID, From: from.String(), To: status.String(), CurrentTask: current, Timestamp: r.now(),
			})
		}
		if agent.Status == AgentActive {
			active++
		}
	}
	r.recorder.SetAgentsActive(active)
}

// MarkAgentFailed stops an agent, for example when its workspace cannot be
// provisioned. Its unfinished tasks fail and their dependents are blocked.
func (r *Registry) MarkAgentFailed(agentID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return notFound("agent", agentID)
	}
	msg := "agent failed"
	if cause != nil {
		msg = cause.Error()
	}
	agent.Error = msg

	reason := fmt.Sprintf("agent %s failed: %s", agentID, msg)
	for _, id := range agent.Queue {
		task := r.tasks[id]
		if task.Status.Terminal() {
			continue
		}
		r.setTaskStatus(task, scheduler.TaskFailed, reason)
		r.propagateFailure(id, reason)
	}

	r.logger.Warn("agent failed", zap.String("session_id", r.state.ID), zap.String("agent_id", agentID), zap.String("error", msg))
	r.afterTaskChange()
	return nil
}

// Replan replaces agent queues for unfinished work. Keys must be agents that
// have not failed; every task that is not completed must appear exactly once,
// and active tasks must stay with their current agent. Completed tasks keep
// their assignment.
func (r *Registry) Replan(queues map[string][]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}

	assigned := make(map[string]string)
	for agentID, queue := range queues {
		agent, ok := r.agents[agentID]
		if !ok {
			return notFound("agent", agentID)
		}
		if agent.Error != "" {
			return fmt.Errorf("agent %s failed and cannot take work: %s", agentID, agent.Error)
		}
		for _, id := range queue {
			task, ok := r.tasks[id]
			if !ok {
				return notFound("task", id)
			}
			if task.Status == scheduler.TaskCompleted {
				continue
			}
			if prev, dup := assigned[id]; dup {
				return fmt.Errorf("task %s queued for both %s and %s", id, prev, agentID)
			}
			if task.Status == scheduler.TaskActive && task.AssignedAgent != agentID {
				return fmt.Errorf("task %s is active on %s and cannot move to %s", id, task.AssignedAgent, agentID)
			}
			assigned[id] = agentID
		}
	}
	for _, task := range r.state.Tasks {
		if task.Status != scheduler.TaskCompleted {
			if _, ok := assigned[task.ID]; !ok {
				return fmt.Errorf("task %s is missing from the new plan", task.ID)
			}
		}
	}

	for _, agent := range r.state.Agents {
		var queue []string
		for _, id := range agent.Queue {
			if r.tasks[id].Status == scheduler.TaskCompleted {
				queue = append(queue, id)
			}
		}
		for _, id := range queues[agent.ID] {
			if assigned[id] == agent.ID {
				queue = append(queue, id)
			}
		}
		agent.Queue = queue
	}
	for id, agentID := range assigned {
		r.tasks[id].AssignedAgent = agentID
	}

	r.logger.Info("session replanned", zap.String("session_id", r.state.ID), zap.Int("tasks", len(assigned)))
	r.evaluateReadiness()
	r.afterTaskChange()
	return nil
}

// Abort fails every unfinished task, stops every agent, and discards every
// workspace that was not merged. Aborting an aborted session is a no-op.
func (r *Registry) Abort(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return ErrNoSession
	}
	switch r.state.Status {
	case SessionAborted:
		return nil
	case SessionCompleted:
		return fmt.Errorf("session %s is completed: %w", r.state.ID, ErrSessionTerminal)
	}
	if reason == "" {
		reason = "aborted"
	}

	for _, task := range r.state.Tasks {
		if !task.Status.Terminal() {
			r.setTaskStatus(task, scheduler.TaskFailed, "session aborted: "+reason)
		}
	}
	for _, ws := range r.state.Workspaces {
		if !ws.Status.Terminal() {
			r.setWorkspaceStatus(ws, worktree.StatusDiscarded)
		}
	}
	if err := r.setSessionStatus(SessionAborted); err != nil {
		return err
	}

	r.logger.Warn("session aborted", zap.String("session_id", r.state.ID), zap.String("reason", reason))
	r.afterTaskChange()
	return nil
}

// Finish completes a running session once every task is terminal.
func (r *Registry) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	for _, task := range r.state.Tasks {
		if !task.Status.Terminal() {
			return &InvalidTransitionError{
				Entity: "session", ID: r.state.ID,
				From: r.state.Status.String(), To: SessionCompleted.String(),
				Reason: fmt.Sprintf("task %s is %s", task.ID, task.Status),
			}
		}
	}
	if err := r.setSessionStatus(SessionCompleted); err != nil {
		return err
	}
	r.commit()
	return nil
}
