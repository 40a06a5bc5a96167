package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuild tests graph validation with various task lists.
func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		specs     []TaskSpec
		wantErr   error
		wantCycle []string
	}{
		{
			name: "valid linear chain",
			specs: []TaskSpec{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
		},
		{
			name: "valid diamond",
			specs: []TaskSpec{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"A"}},
				{ID: "D", DependsOn: []string{"B", "C"}},
			},
		},
		{
			name: "direct cycle",
			specs: []TaskSpec{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantErr:   ErrCycleDetected,
			wantCycle: []string{"A", "B", "A"},
		},
		{
			name: "transitive cycle",
			specs: []TaskSpec{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"C"}},
				{ID: "C", DependsOn: []string{"A"}},
			},
			wantErr:   ErrCycleDetected,
			wantCycle: []string{"A", "B", "C", "A"},
		},
		{
			name:      "self-loop",
			specs:     []TaskSpec{{ID: "A", DependsOn: []string{"A"}}},
			wantErr:   ErrCycleDetected,
			wantCycle: []string{"A", "A"},
		},
		{
			name: "cycle behind an acyclic prefix",
			specs: []TaskSpec{
				{ID: "root"},
				{ID: "X", DependsOn: []string{"root", "Y"}},
				{ID: "Y", DependsOn: []string{"X"}},
			},
			wantErr:   ErrCycleDetected,
			wantCycle: []string{"X", "Y", "X"},
		},
		{
			name:    "missing dependency",
			specs:   []TaskSpec{{ID: "A", DependsOn: []string{"ghost"}}},
			wantErr: ErrInvalidTaskList,
		},
		{
			name:    "duplicate id",
			specs:   []TaskSpec{{ID: "A"}, {ID: "A"}},
			wantErr: ErrInvalidTaskList,
		},
		{
			name:    "empty id",
			specs:   []TaskSpec{{ID: "  "}},
			wantErr: ErrInvalidTaskList,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.specs)
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.NotNil(t, g)
				return
			}

			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			if tt.wantCycle != nil {
				var cycleErr *CycleDetectedError
				require.True(t, errors.As(err, &cycleErr))
				assert.Equal(t, tt.wantCycle, cycleErr.Path)
			}
		})
	}
}

func TestBuild_InitialReadySet(t *testing.T) {
	g, err := Build([]TaskSpec{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C"},
		{ID: "D", DependsOn: []string{"B", "C"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, g.Ready())
	for _, task := range g.Tasks() {
		if len(task.DependsOn) == 0 {
			assert.Equal(t, TaskReady, task.Status, task.ID)
		} else {
			assert.Equal(t, TaskPending, task.Status, task.ID)
		}
	}
}

func TestBuild_DeduplicatesDependencies(t *testing.T) {
	g, err := Build([]TaskSpec{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A", "A"}},
	})
	require.NoError(t, err)

	b, ok := g.Get("B")
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, b.DependsOn)
	assert.Equal(t, []string{"B"}, g.Dependents("A"))
}

func TestGraphOrder(t *testing.T) {
	g, err := Build([]TaskSpec{
		{ID: "D", DependsOn: []string{"B", "C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "A"},
	})
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for _, task := range g.Tasks() {
		for _, dep := range task.DependsOn {
			assert.Less(t, pos[dep], pos[task.ID], "%s must come before %s", dep, task.ID)
		}
	}
}

func TestGraphGetReturnsCopy(t *testing.T) {
	g, err := Build([]TaskSpec{{ID: "A", OwnerPatterns: []string{"src/*"}}})
	require.NoError(t, err)

	a, _ := g.Get("A")
	a.OwnerPatterns[0] = "mutated"
	a.Status = TaskFailed

	again, _ := g.Get("A")
	assert.Equal(t, "src/*", again.OwnerPatterns[0])
	assert.Equal(t, TaskReady, again.Status)
}

func TestCriticalPath(t *testing.T) {
	tests := []struct {
		name        string
		specs       []TaskSpec
		wantPath    []string
		wantMinutes int
	}{
		{
			name: "fan out takes longest branch",
			specs: []TaskSpec{
				{ID: "A", EstimatedMinutes: 10},
				{ID: "B", DependsOn: []string{"A"}, EstimatedMinutes: 20},
				{ID: "C", DependsOn: []string{"A"}, EstimatedMinutes: 30},
			},
			wantPath:    []string{"A", "C"},
			wantMinutes: 40,
		},
		{
			name: "independent tasks",
			specs: []TaskSpec{
				{ID: "A", EstimatedMinutes: 5},
				{ID: "B", EstimatedMinutes: 7},
			},
			wantPath:    []string{"B"},
			wantMinutes: 7,
		},
		{
			name: "zero estimates still chain",
			specs: []TaskSpec{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantPath:    []string{"A", "B"},
			wantMinutes: 0,
		},
		{
			name: "diamond",
			specs: []TaskSpec{
				{ID: "A", EstimatedMinutes: 1},
				{ID: "B", DependsOn: []string{"A"}, EstimatedMinutes: 5},
				{ID: "C", DependsOn: []string{"A"}, EstimatedMinutes: 2},
				{ID: "D", DependsOn: []string{"B", "C"}, EstimatedMinutes: 3},
			},
			wantPath:    []string{"A", "B", "D"},
			wantMinutes: 9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.specs)
			require.NoError(t, err)

			path, minutes, err := g.CriticalPath()
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantMinutes, minutes)
		})
	}
}

func TestTaskStatusRoundTrip(t *testing.T) {
	for _, s := range []TaskStatus{TaskPending, TaskReady, TaskActive, TaskBlocked, TaskCompleted, TaskFailed} {
		parsed, err := ParseTaskStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseTaskStatus("running")
	assert.Error(t, err)
}
