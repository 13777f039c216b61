package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, status TaskStatus, deps ...string) *Task {
	return &Task{
		ID:        id,
		OutcomeID: "out-1",
		Status:    status,
		Phase:     PhaseExecution,
		DependsOn: NewDependencyList(deps...),
		Priority:  100,
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func TestValidateDependencies(t *testing.T) {
	snapshot := map[string]*Task{
		"a":     task("a", TaskPending),
		"b":     task("b", TaskPending),
		"other": {ID: "other", OutcomeID: "out-2"},
	}
	lookup := func(id string) (*Task, bool) {
		tk, ok := snapshot[id]
		return tk, ok
	}

	tests := []struct {
		name     string
		taskID   string
		deps     []string
		problems int
		contains []string
	}{
		{name: "valid batch", taskID: "b", deps: []string{"a"}},
		{name: "new task without id", taskID: "", deps: []string{"a", "b"}},
		{name: "self dependency", taskID: "a", deps: []string{"a"}, problems: 1, contains: []string{"cannot depend on itself"}},
		{name: "missing dependency", taskID: "a", deps: []string{"ghost"}, problems: 1, contains: []string{`"ghost" does not exist`}},
		{name: "cross outcome", taskID: "a", deps: []string{"other"}, problems: 1, contains: []string{`belongs to outcome "out-2"`}},
		{
			name:     "all problems reported together",
			taskID:   "a",
			deps:     []string{"a", "ghost", "other", "b", "b", ""},
			problems: 5,
			contains: []string{"itself", "does not exist", "belongs to outcome", "more than once", "must not be empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := ValidateDependencies("out-1", tt.taskID, tt.deps, lookup)
			require.Len(t, problems, tt.problems, "problems: %v", problems)
			for i, want := range tt.contains {
				assert.Contains(t, problems[i], want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	assert.NoError(t, NewValidationError("a", nil))

	err := NewValidationError("a", []string{"one", "two"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDependencies)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"one", "two"}, verr.Problems)
	assert.Contains(t, err.Error(), "one; two")
}

func TestDetectCycles(t *testing.T) {
	// c -> b -> a
	g := NewGraph([]*Task{
		task("a", TaskPending),
		task("b", TaskPending, "a"),
		task("c", TaskPending, "b"),
		task("d", TaskPending),
	})

	t.Run("transitive cycle is flagged", func(t *testing.T) {
		rejected := g.DetectCycles("a", []string{"c"})
		require.Len(t, rejected, 1)
		assert.Equal(t, "c", rejected[0].DependencyID)
		assert.Equal(t, []string{"a", "c", "b", "a"}, rejected[0].Path)
		assert.Contains(t, rejected[0].String(), "a -> c -> b -> a")
	})

	t.Run("direct cycle is flagged", func(t *testing.T) {
		rejected := g.DetectCycles("a", []string{"b"})
		require.Len(t, rejected, 1)
		assert.Equal(t, "b", rejected[0].DependencyID)
	})

	t.Run("self edge is flagged", func(t *testing.T) {
		rejected := g.DetectCycles("a", []string{"a"})
		require.Len(t, rejected, 1)
		assert.Equal(t, []string{"a", "a"}, rejected[0].Path)
	})

	t.Run("batch reports only offending edges", func(t *testing.T) {
		rejected := g.DetectCycles("a", []string{"d", "c", "b"})
		require.Len(t, rejected, 2)
		assert.Equal(t, "c", rejected[0].DependencyID)
		assert.Equal(t, "b", rejected[1].DependencyID)
	})

	t.Run("acyclic edge passes", func(t *testing.T) {
		assert.Empty(t, g.DetectCycles("c", []string{"d", "a"}))
	})

	t.Run("dangling candidate is not a cycle", func(t *testing.T) {
		assert.Empty(t, g.DetectCycles("a", []string{"ghost"}))
	})

	t.Run("graph is not mutated", func(t *testing.T) {
		g.DetectCycles("a", []string{"c"})
		tk, _ := g.Get("a")
		assert.Empty(t, tk.DependsOn)
	})
}

func TestBlockingAndClaimable(t *testing.T) {
	now := time.Now()
	tasks := []*Task{
		task("done", TaskCompleted),
		task("wip", TaskRunning),
		task("free", TaskPending, "done"),
		task("blocked", TaskPending, "done", "wip"),
		task("dangling", TaskPending, "deleted"),
		task("urgent", TaskPending),
		task("claimed", TaskClaimed),
	}
	tasks[5].Priority = 1
	tasks[2].Score = 0.5
	tasks[4].Score = 0.9
	for i, tk := range tasks {
		tk.CreatedAt = now.Add(time.Duration(i) * time.Second)
	}

	g := NewGraph(tasks)

	assert.Equal(t, []string{"wip"}, ids(g.BlockingTasks("blocked")))
	assert.True(t, g.IsBlocked("blocked"))
	assert.False(t, g.IsBlocked("free"))
	assert.False(t, g.IsBlocked("dangling"), "dangling ids do not block")
	assert.Nil(t, g.BlockingTasks("missing"))

	claimable := g.Claimable(CapabilityComplete)
	assert.Equal(t, []string{"urgent", "dangling", "free"}, ids(claimable))
	assert.Equal(t, []string{"blocked"}, ids(g.Blocked()))
}

func TestClaimableAfterDependencyCompletes(t *testing.T) {
	dep := task("dep", TaskRunning)
	child := task("child", TaskPending, "dep")

	g := NewGraph([]*Task{dep, child})
	assert.Empty(t, g.Claimable(CapabilityComplete))

	dep.Status = TaskCompleted
	g = NewGraph([]*Task{dep, child})
	assert.Equal(t, []string{"child"}, ids(g.Claimable(CapabilityComplete)))
}

func TestCapabilityGate(t *testing.T) {
	capTask := task("cap", TaskPending)
	capTask.Phase = PhaseCapability
	capTask.CapabilityType = CapabilitySkill
	exec := task("exec", TaskPending)

	g := NewGraph([]*Task{capTask, exec})

	assert.Equal(t, []string{"cap"}, ids(g.Claimable(CapabilityNotStarted)))
	assert.ElementsMatch(t, []string{"cap", "exec"}, ids(g.Claimable(CapabilityInProgress)))
	assert.True(t, IsGated(exec, CapabilityNotStarted))
	assert.False(t, IsGated(capTask, CapabilityNotStarted))
}

func TestSortByClaimOrder(t *testing.T) {
	base := time.Now()
	tasks := []*Task{
		{ID: "low-score", Priority: 1, Score: 0.1, CreatedAt: base},
		{ID: "late", Priority: 1, Score: 0.9, CreatedAt: base.Add(time.Minute)},
		{ID: "early", Priority: 1, Score: 0.9, CreatedAt: base},
		{ID: "lazy", Priority: 5, Score: 10},
	}
	SortByClaimOrder(tasks)
	assert.Equal(t, []string{"early", "late", "low-score", "lazy"}, ids(tasks))
}

func TestDependencyChainAndDependents(t *testing.T) {
	// d -> c -> b -> a, e -> a, c -> deleted
	g := NewGraph([]*Task{
		task("a", TaskCompleted),
		task("b", TaskPending, "a"),
		task("c", TaskPending, "b", "deleted"),
		task("d", TaskPending, "c"),
		task("e", TaskPending, "a"),
	})

	assert.Equal(t, []string{"c", "b", "a"}, g.DependencyChain("d"))
	assert.Equal(t, []string{"b", "a"}, g.DependencyChain("c"), "dangling ids are skipped")
	assert.Empty(t, g.DependencyChain("a"))

	assert.Equal(t, []string{"b", "e", "c", "d"}, g.Dependents("a"))
	assert.Empty(t, g.Dependents("d"))
	assert.Empty(t, g.Dependents("deleted"))
}

func TestUnblocks(t *testing.T) {
	g := NewGraph([]*Task{
		task("a", TaskRunning),
		task("b", TaskRunning),
		task("only-a", TaskPending, "a"),
		task("a-and-b", TaskPending, "a", "b"),
		task("done", TaskCompleted, "a"),
	})

	assert.Equal(t, []string{"only-a"}, g.Unblocks("a"))
}

func TestExecutionOrder(t *testing.T) {
	t.Run("respects dependencies", func(t *testing.T) {
		g := NewGraph([]*Task{
			task("c", TaskPending, "b"),
			task("b", TaskPending, "a"),
			task("a", TaskPending),
			task("solo", TaskPending, "gone"),
		})
		order, err := g.ExecutionOrder()
		require.NoError(t, err)
		require.Len(t, order, 4)

		pos := make(map[string]int)
		for i, id := range order {
			pos[id] = i
		}
		assert.Less(t, pos["a"], pos["b"])
		assert.Less(t, pos["b"], pos["c"])
		assert.Contains(t, pos, "solo")
	})

	t.Run("cycle is an error", func(t *testing.T) {
		g := NewGraph([]*Task{
			task("a", TaskPending, "b"),
			task("b", TaskPending, "a"),
		})
		_, err := g.ExecutionOrder()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})
}

func TestDependencyList(t *testing.T) {
	l := NewDependencyList("a", "", "b", "a")
	assert.Equal(t, DependencyList{"a", "b"}, l)
	assert.True(t, l.Contains("b"))

	appended := l.Append("c", "a")
	assert.Equal(t, DependencyList{"a", "b", "c"}, appended)
	assert.Equal(t, DependencyList{"a", "b"}, l, "append does not mutate")

	assert.Equal(t, DependencyList{"a", "c"}, appended.Without("b"))
	assert.Equal(t, DependencyList{}, DependencyList(nil).Clone())
}
