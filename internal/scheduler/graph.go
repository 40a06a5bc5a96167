package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is a validated, immutable dependency graph of tasks.
// It is built once from the task list and never mutated; live status is owned
// by the registry.
type Graph struct {
	tasks      map[string]*Task    // All tasks indexed by ID
	ids        []string            // Input order
	index      map[string]int      // ID -> input position
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// Build turns a flat task list into a validated graph.
// Tasks with no dependencies start ready; all others start pending.
// A dependency cycle is reported as *CycleDetectedError.
func Build(specs []TaskSpec) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[string]*Task, len(specs)),
		ids:        make([]string, 0, len(specs)),
		index:      make(map[string]int, len(specs)),
		dependents: make(map[string][]string),
	}

	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: task at position %d has no id", ErrInvalidTaskList, len(g.ids))
		}
		if _, exists := g.tasks[id]; exists {
			return nil, fmt.Errorf("%w: task with ID %q already exists", ErrInvalidTaskList, id)
		}
		spec.ID = id
		g.index[id] = len(g.ids)
		g.ids = append(g.ids, id)
		g.tasks[id] = newTask(spec)
	}

	for _, id := range g.ids {
		task := g.tasks[id]
		seen := make(map[string]bool, len(task.DependsOn))
		deps := task.DependsOn[:0]
		for _, depID := range task.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on non-existent task %q", ErrInvalidTaskList, id, depID)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			deps = append(deps, depID)
			g.dependents[depID] = append(g.dependents[depID], id)
		}
		task.DependsOn = deps
	}

	if path := g.findCycle(); path != nil {
		return nil, &CycleDetectedError{Path: path}
	}

	return g, nil
}

// findCycle runs an iterative depth-first traversal along depends_on edges,
// tracking the recursion stack explicitly. The first back-edge found is
// returned as a closed path, nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	type frame struct {
		id   string
		next int // next dependency index to explore
	}

	color := make(map[string]int, len(g.ids))
	for _, root := range g.ids {
		if color[root] != white {
			continue
		}

		stack := []frame{{id: root}}
		color[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.tasks[top.id].DependsOn

			if top.next >= len(deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}

			depID := deps[top.next]
			top.next++

			switch color[depID] {
			case white:
				color[depID] = gray
				stack = append(stack, frame{id: depID})
			case gray:
				// Back-edge: unwind the stack from the first occurrence of depID.
				var path []string
				for i := range stack {
					if stack[i].id == depID || len(path) > 0 {
						path = append(path, stack[i].id)
					}
				}
				return append(path, depID)
			}
		}
	}

	return nil
}

// Order returns task IDs in a valid topological order (dependencies first).
func (g *Graph) Order() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.ids {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("topological sort: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}

	return order, nil
}

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of all tasks in input order.
func (g *Graph) Tasks() []*Task {
	tasks := make([]*Task, 0, len(g.ids))
	for _, id := range g.ids {
		tasks = append(tasks, g.tasks[id].Clone())
	}
	return tasks
}

// IDs returns task IDs in input order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.ids)
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	return append([]string(nil), g.dependents[taskID]...)
}

// Ready returns the IDs of tasks that are ready before any work starts,
// which is exactly the set of tasks without dependencies.
func (g *Graph) Ready() []string {
	var ready []string
	for _, id := range g.ids {
		if g.tasks[id].Status == TaskReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// CriticalPath returns the longest dependency chain by estimated duration
// and its total length in minutes.
func (g *Graph) CriticalPath() ([]string, int, error) {
	order, err := g.Order()
	if err != nil {
		return nil, 0, err
	}

	finish := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		task := g.tasks[id]
		start := 0
		// Iterate deps in input order so ties resolve deterministically.
		deps := append([]string(nil), task.DependsOn...)
		sort.SliceStable(deps, func(i, j int) bool { return g.index[deps[i]] < g.index[deps[j]] })
		for _, depID := range deps {
			if _, chained := prev[id]; !chained || finish[depID] > start {
				start = finish[depID]
				prev[id] = depID
			}
		}
		finish[id] = start + task.duration()
	}

	// Walk in topological order so that on ties the chain ends at the latest task.
	var end string
	best := -1
	for _, id := range order {
		if finish[id] >= best {
			best = finish[id]
			end = id
		}
	}
	if end == "" {
		return nil, 0, nil
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, best, nil
}
