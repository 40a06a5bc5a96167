package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// DefaultRole labels agents created beyond the declared role list.
const DefaultRole = "general"

// RoleSpec is a specialization hint: tasks whose owner patterns overlap Focus
// prefer agents with this role.
type RoleSpec struct {
	Name  string   `yaml:"name" json:"name" koanf:"name"`
	Focus []string `yaml:"focus,omitempty" json:"focus,omitempty" koanf:"focus"`
}

// AgentRequest asks the planner for a number of agents, a list of roles, or both.
// When Count exceeds len(Roles) the remaining agents get DefaultRole.
type AgentRequest struct {
	Count int
	Roles []RoleSpec
	// Serialize accepts fewer agents than ownership groups; the extra groups
	// are queued behind others instead of failing the plan.
	Serialize bool
}

// AgentPlan is the queue computed for one agent.
type AgentPlan struct {
	ID               string
	Role             string
	Queue            []string // Task IDs in execution order
	EstimatedMinutes int      // Sum of queued estimates
}

// Slot is the projected start and end of a task, in minutes from session start.
type Slot struct {
	Start int
	End   int
}

// Plan is the planner's output.
type Plan struct {
	Agents              []AgentPlan
	Assignments         map[string]string // taskID -> agentID
	Groups              map[string]string // taskID -> ownership group ID (only tasks with owner patterns)
	Order               []string          // Topological order
	Schedule            map[string]Slot
	CriticalPath        []string
	CriticalPathMinutes int // Timeline floor and wall-clock estimate
	MakespanMinutes     int // Finish time of the simulated schedule
}

// Agent returns the plan for the given agent ID.
func (p *Plan) Agent(agentID string) (AgentPlan, bool) {
	for _, a := range p.Agents {
		if a.ID == agentID {
			return a, true
		}
	}
	return AgentPlan{}, false
}

// Planner partitions a graph into per-agent task queues.
type Planner struct {
	logger *zap.Logger
}

// NewPlanner creates a planner. A nil logger disables logging.
func NewPlanner(logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{logger: logger}
}

type agentState struct {
	plan   AgentPlan
	focus  []string
	freeAt int
}

// Plan assigns every task to exactly one agent.
//
// Tasks are list-scheduled in the order they become ready in a simulated
// timeline; each goes to the agent with the least remaining work at that
// moment, ties broken by role affinity and then agent order. Tasks whose owner
// patterns overlap share an ownership group, and a group is pinned to the
// first agent that receives one of its tasks, so overlapping tasks are never
// held by two agents.
func (p *Planner) Plan(g *Graph, req AgentRequest) (*Plan, error) {
	count := req.Count
	if count <= 0 {
		count = len(req.Roles)
	}
	if count <= 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}

	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	criticalPath, criticalMinutes, err := g.CriticalPath()
	if err != nil {
		return nil, err
	}

	groups := ownershipGroups(g)
	if required := countGroups(groups); required > count && !req.Serialize {
		return nil, &InsufficientAgentsError{Required: required, Requested: count}
	}

	agents := make([]*agentState, count)
	for i := range agents {
		role := RoleSpec{Name: DefaultRole}
		if i < len(req.Roles) {
			role = req.Roles[i]
		}
		agents[i] = &agentState{
			plan:  AgentPlan{ID: fmt.Sprintf("agent-%d", i+1), Role: role.Name},
			focus: role.Focus,
		}
	}

	plan := &Plan{
		Assignments:         make(map[string]string, g.Len()),
		Groups:              groups,
		Order:               order,
		Schedule:            make(map[string]Slot, g.Len()),
		CriticalPath:        criticalPath,
		CriticalPathMinutes: criticalMinutes,
	}

	tail := bottomLevels(g, order)
	pinned := make(map[string]*agentState)
	scheduled := make(map[string]bool, g.Len())

	for len(scheduled) < g.Len() {
		// Pick the task that becomes ready earliest; prefer longer tails, then input order.
		var next *Task
		nextReady := 0
		for _, id := range g.ids {
			if scheduled[id] {
				continue
			}
			task := g.tasks[id]
			readyAt, ok := readyTime(task, plan.Schedule, scheduled)
			if !ok {
				continue
			}
			if next == nil || readyAt < nextReady ||
				(readyAt == nextReady && tail[id] > tail[next.ID]) {
				next, nextReady = task, readyAt
			}
		}
		if next == nil {
			return nil, fmt.Errorf("planner made no progress with %d tasks unscheduled", g.Len()-len(scheduled))
		}

		var chosen *agentState
		groupID, grouped := groups[next.ID]
		if grouped {
			chosen = pinned[groupID]
		}
		if chosen == nil {
			chosen = pickAgent(agents, next, nextReady)
			if grouped {
				pinned[groupID] = chosen
			}
		}

		start := nextReady
		if chosen.freeAt > start {
			start = chosen.freeAt
		}
		end := start + next.duration()
		chosen.freeAt = end
		chosen.plan.Queue = append(chosen.plan.Queue, next.ID)
		chosen.plan.EstimatedMinutes += next.duration()

		plan.Schedule[next.ID] = Slot{Start: start, End: end}
		plan.Assignments[next.ID] = chosen.plan.ID
		if end > plan.MakespanMinutes {
			plan.MakespanMinutes = end
		}
		scheduled[next.ID] = true
	}

	for _, a := range agents {
		plan.Agents = append(plan.Agents, a.plan)
	}

	p.logger.Debug("plan computed",
		zap.Int("tasks", g.Len()),
		zap.Int("agents", count),
		zap.Int("ownership_groups", countGroups(groups)),
		zap.Int("critical_path_minutes", plan.CriticalPathMinutes),
		zap.Int("makespan_minutes", plan.MakespanMinutes),
	)

	return plan, nil
}

// readyTime returns when all dependencies of task finish, or false if any is unscheduled.
func readyTime(task *Task, schedule map[string]Slot, scheduled map[string]bool) (int, bool) {
	at := 0
	for _, depID := range task.DependsOn {
		if !scheduled[depID] {
			return 0, false
		}
		if end := schedule[depID].End; end > at {
			at = end
		}
	}
	return at, true
}

// pickAgent chooses the agent with the least remaining work at time now,
// preferring role affinity, then declaration order.
func pickAgent(agents []*agentState, task *Task, now int) *agentState {
	var best *agentState
	bestRemaining, bestAffinity := 0, false
	for _, a := range agents {
		remaining := a.freeAt - now
		if remaining < 0 {
			remaining = 0
		}
		affinity := len(a.focus) > 0 && AnyOverlap(task.OwnerPatterns, a.focus)
		if best == nil || remaining < bestRemaining ||
			(remaining == bestRemaining && affinity && !bestAffinity) {
			best, bestRemaining, bestAffinity = a, remaining, affinity
		}
	}
	return best
}

// bottomLevels computes, for each task, the longest estimated chain from it to a sink.
func bottomLevels(g *Graph, order []string) map[string]int {
	levels := make(map[string]int, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		longest := 0
		for _, dep := range g.dependents[id] {
			if levels[dep] > longest {
				longest = levels[dep]
			}
		}
		levels[id] = longest + g.tasks[id].duration()
	}
	return levels
}

// ownershipGroups unions tasks whose owner patterns overlap. The group ID is
// the ID of the earliest task in input order. Tasks without patterns are
// unconstrained and belong to no group.
func ownershipGroups(g *Graph) map[string]string {
	parent := make(map[string]string)
	var find func(string) string
	find = func(id string) string {
		for parent[id] != id {
			parent[id] = parent[parent[id]]
			id = parent[id]
		}
		return id
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if g.index[ra] < g.index[rb] {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	var owned []string
	for _, id := range g.ids {
		if len(g.tasks[id].OwnerPatterns) > 0 {
			parent[id] = id
			owned = append(owned, id)
		}
	}
	for i := 0; i < len(owned); i++ {
		for j := i + 1; j < len(owned); j++ {
			if AnyOverlap(g.tasks[owned[i]].OwnerPatterns, g.tasks[owned[j]].OwnerPatterns) {
				union(owned[i], owned[j])
			}
		}
	}

	groups := make(map[string]string, len(owned))
	for _, id := range owned {
		groups[id] = find(id)
	}
	return groups
}

func countGroups(groups map[string]string) int {
	seen := make(map[string]bool)
	for _, g := range groups {
		seen[g] = true
	}
	return len(seen)
}

// GroupIDs returns the distinct ownership groups in a plan, sorted.
func (p *Plan) GroupIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, g := range p.Groups {
		if !seen[g] {
			seen[g] = true
			ids = append(ids, g)
		}
	}
	sort.Strings(ids)
	return ids
}
