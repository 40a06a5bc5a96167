package registry

import (
	"fmt"

	"github.com/aristath/parallax/internal/events"
	"github.com/aristath/parallax/internal/scheduler"
)

func handoffKey(producer, consumer string) string {
	return producer + "\x00" + consumer
}

// inbound returns the handoff records addressed to consumer, in creation order.
func (r *Registry) inbound(consumer string) []*HandoffRecord {
	var out []*HandoffRecord
	for _, h := range r.state.Handoffs {
		if h.Consumer == consumer {
			out = append(out, h)
		}
	}
	return out
}

// releaseDependents runs after producer completes. Every dependent whose
// dependencies are now all completed gets one pending handoff per inbound
// edge and becomes ready.
func (r *Registry) releaseDependents(producer string) {
	for _, id := range r.dependents[producer] {
		r.release(r.tasks[id])
	}
}

// evaluateReadiness releases every waiting task whose dependencies are all
// completed. Used after a reset or replan changes the picture wholesale.
func (r *Registry) evaluateReadiness() {
	for _, task := range r.state.Tasks {
		r.release(task)
	}
}

func (r *Registry) release(task *scheduler.Task) {
	if task.Status != scheduler.TaskPending && task.Status != scheduler.TaskBlocked {
		return
	}
	if task.BlockedByFailure || r.incompleteDependency(task) != "" {
		return
	}
	for _, dep := range task.DependsOn {
		r.upsertHandoff(r.tasks[dep], task.ID)
	}
	r.setTaskStatus(task, scheduler.TaskReady, "")
}

func (r *Registry) upsertHandoff(producer *scheduler.Task, consumer string) {
	now := r.now()
	artifacts := make(map[string]string, len(producer.Artifacts))
	for k, v := range producer.Artifacts {
		artifacts[k] = v
	}

	key := handoffKey(producer.ID, consumer)
	h, exists := r.handoffs[key]
	if !exists {
		h = &HandoffRecord{Producer: producer.ID, Consumer: consumer, CreatedAt: now}
		r.handoffs[key] = h
		r.state.Handoffs = append(r.state.Handoffs, h)
	}
	h.Artifacts = artifacts
	h.Status = HandoffPending
	h.UpdatedAt = now

	r.recorder.Transition("handoff", HandoffPending.String())
	r.emitHandoff(h)
}

func (r *Registry) emitHandoff(h *HandoffRecord) {
	artifacts := make(map[string]string, len(h.Artifacts))
	for k, v := range h.Artifacts {
		artifacts[k] = v
	}
	r.emit(events.TopicHandoff, events.HandoffEvent{
		Producer: h.Producer, Consumer: h.Consumer, Status: h.Status.String(), Artifacts: artifacts, Timestamp: r.now(),
	})
}

func (r *Registry) setHandoffStatus(h *HandoffRecord, to HandoffStatus) error {
	if h.Status == to {
		return nil
	}
	if !allowed(handoffTransitions, h.Status, to) {
		return &InvalidTransitionError{
			Entity: "handoff", ID: h.Producer + "->" + h.Consumer, From: h.Status.String(), To: to.String(),
		}
	}
	h.Status = to
	h.UpdatedAt = r.now()
	r.recorder.Transition("handoff", to.String())
	r.emitHandoff(h)
	return nil
}

func (r *Registry) consumerTask(consumer, agentID string) (*scheduler.Task, error) {
	task, ok := r.tasks[consumer]
	if !ok {
		return nil, notFound("task", consumer)
	}
	if agentID != task.AssignedAgent {
		return nil, fmt.Errorf("task %s is owned by %s, not %s: %w", consumer, task.AssignedAgent, agentID, ErrInvalidTransition)
	}
	return task, nil
}

// TakeHandoffs delivers the inbound handoffs of consumer to its owning agent
// and returns copies of them. Pending records become delivered.
func (r *Registry) TakeHandoffs(consumer, agentID string) ([]*HandoffRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return nil, err
	}
	if _, err := r.consumerTask(consumer, agentID); err != nil {
		return nil, err
	}

	changed := false
	var out []*HandoffRecord
	for _, h := range r.inbound(consumer) {
		if h.Status == HandoffPending {
			if err := r.setHandoffStatus(h, HandoffDelivered); err != nil {
				return nil, err
			}
			changed = true
		}
		out = append(out, h.clone())
	}
	if changed {
		r.commit()
	}
	return out, nil
}

// AcknowledgeHandoffs marks every inbound handoff of consumer acknowledged.
// A task cannot become active until this has happened.
func (r *Registry) AcknowledgeHandoffs(consumer, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRunning(); err != nil {
		return err
	}
	if _, err := r.consumerTask(consumer, agentID); err != nil {
		return err
	}

	changed := false
	for _, h := range r.inbound(consumer) {
		if h.Status != HandoffAcknowledged {
			if err := r.setHandoffStatus(h, HandoffAcknowledged); err != nil {
				return err
			}
			changed = true
		}
	}
	if changed {
		r.commit()
	}
	return nil
}

// propagateFailure blocks every unfinished transitive dependent of failedID.
func (r *Registry) propagateFailure(failedID, cause string) {
	reason := fmt.Sprintf("dependency %s failed: %s", failedID, cause)
	seen := map[string]bool{failedID: true}
	queue := append([]string(nil), r.dependents[failedID]...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, r.dependents[id]...)

		task := r.tasks[id]
		switch {
		case task.Status.Terminal():
			continue
		case task.Status == scheduler.TaskBlocked:
			task.BlockedReason = reason
		case allowed(taskTransitions, task.Status, scheduler.TaskBlocked):
			r.setTaskStatus(task, scheduler.TaskBlocked, reason)
		default:
			continue
		}
		task.BlockedByFailure = true
	}
}

// liftFailureBlocks returns dependents of a reset task to pending when no
// other failed task remains upstream of them.
func (r *Registry) liftFailureBlocks(resetID string) {
	seen := map[string]bool{resetID: true}
	queue := append([]string(nil), r.dependents[resetID]...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, r.dependents[id]...)

		task := r.tasks[id]
		if !task.BlockedByFailure {
			continue
		}
		if failed := r.failedAncestor(task); failed != "" {
			task.BlockedReason = fmt.Sprintf("dependency %s failed: %s", failed, r.tasks[failed].Error)
			continue
		}
		r.setTaskStatus(task, scheduler.TaskPending, "")
	}
}

func (r *Registry) failedAncestor(task *scheduler.Task) string {
	seen := make(map[string]bool)
	stack := append([]string(nil), task.DependsOn...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		dep := r.tasks[id]
		if dep.Status == scheduler.TaskFailed {
			return id
		}
		stack = append(stack, dep.DependsOn...)
	}
	return ""
}
