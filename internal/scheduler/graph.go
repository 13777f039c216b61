package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is a read-only dependency view over one outcome's task snapshot.
// It is built fresh for every query and never cached across calls.
type Graph struct {
	tasks      map[string]*Task
	order      []string            // snapshot order, for deterministic output
	dependents map[string][]string // taskID -> tasks that list it in DependsOn
}

// NewGraph indexes a task snapshot.
func NewGraph(tasks []*Task) *Graph {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, task := range tasks {
		if task == nil {
			continue
		}
		if _, dup := g.tasks[task.ID]; !dup {
			g.order = append(g.order, task.ID)
		}
		g.tasks[task.ID] = task
	}
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}
	return g
}

// Get returns the task with the given id.
func (g *Graph) Get(taskID string) (*Task, bool) {
	task, ok := g.tasks[taskID]
	return task, ok
}

// Len returns the number of tasks in the snapshot.
func (g *Graph) Len() int {
	return len(g.order)
}

// TaskLookup resolves a task id outside of any single outcome snapshot.
type TaskLookup func(taskID string) (*Task, bool)

// ValidateDependencies checks a candidate dependency batch for taskID within
// outcomeID. Every problem is reported; an empty result means the batch is valid.
// taskID may be empty when validating dependencies for a task not yet created.
func ValidateDependencies(outcomeID, taskID string, ids []string, lookup TaskLookup) []string {
	var problems []string
	seen := make(map[string]bool, len(ids))

	for _, depID := range ids {
		if strings.TrimSpace(depID) == "" {
			problems = append(problems, "dependency id must not be empty")
			continue
		}
		if seen[depID] {
			problems = append(problems, fmt.Sprintf("dependency %q is listed more than once", depID))
			continue
		}
		seen[depID] = true

		if taskID != "" && depID == taskID {
			problems = append(problems, fmt.Sprintf("task %q cannot depend on itself", depID))
			continue
		}

		dep, ok := lookup(depID)
		if !ok {
			problems = append(problems, fmt.Sprintf("dependency %q does not exist", depID))
			continue
		}
		if dep.OutcomeID != outcomeID {
			problems = append(problems, fmt.Sprintf("dependency %q belongs to outcome %q, not %q", depID, dep.OutcomeID, outcomeID))
		}
	}

	return problems
}

// CycleRejection names a candidate dependency that would close a cycle.
type CycleRejection struct {
	DependencyID string
	Path         []string // taskID -> ... -> taskID
}

func (r CycleRejection) String() string {
	return fmt.Sprintf("dependency %q would create cycle %s", r.DependencyID, strings.Join(r.Path, " -> "))
}

// DetectCycles evaluates each prospective edge taskID -> candidate on its own
// against the current graph and returns the candidates that would create a cycle.
// Valid candidates in the same batch are not affected by rejected ones.
func (g *Graph) DetectCycles(taskID string, candidates []string) []CycleRejection {
	var rejected []CycleRejection

	for _, candidate := range candidates {
		if candidate == taskID {
			rejected = append(rejected, CycleRejection{
				DependencyID: candidate,
				Path:         []string{taskID, taskID},
			})
			continue
		}
		if path := g.cyclePath(taskID, candidate); path != nil {
			rejected = append(rejected, CycleRejection{DependencyID: candidate, Path: path})
		}
	}

	return rejected
}

// cyclePath injects taskID -> newDep into a copy of the adjacency map and runs
// a depth-first search from taskID. A node met again while still on the
// recursion stack closes a cycle; the stack at that point is the witness.
func (g *Graph) cyclePath(taskID, newDep string) []string {
	adjacency := make(map[string][]string, len(g.tasks)+1)
	for id, task := range g.tasks {
		adjacency[id] = task.DependsOn.Strings()
	}
	if !DependencyList(adjacency[taskID]).Contains(newDep) {
		adjacency[taskID] = append(adjacency[taskID], newDep)
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range adjacency[id] {
			if onStack[next] {
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				found = append(append([]string(nil), stack[start:]...), next)
				return true
			}
			if !visited[next] && visit(next) {
				return true
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	if visit(taskID) {
		return found
	}
	return nil
}

// BlockingTasks returns the dependencies of taskID that are not completed.
// Dangling dependency ids are skipped.
func (g *Graph) BlockingTasks(taskID string) []*Task {
	task, ok := g.tasks[taskID]
	if !ok {
		return nil
	}

	var blocking []*Task
	for _, depID := range task.DependsOn {
		dep, ok := g.tasks[depID]
		if !ok {
			continue
		}
		if dep.Status != TaskCompleted {
			blocking = append(blocking, dep)
		}
	}
	return blocking
}

// IsBlocked reports whether any dependency of taskID is not completed.
func (g *Graph) IsBlocked(taskID string) bool {
	return len(g.BlockingTasks(taskID)) > 0
}

// IsGated reports whether the capability gate holds task back.
func IsGated(task *Task, readiness CapabilityReadiness) bool {
	return task.Phase != PhaseCapability && readiness == CapabilityNotStarted
}

// Claimable returns pending tasks that are neither dependency-blocked nor
// capability-gated, in claim order.
func (g *Graph) Claimable(readiness CapabilityReadiness) []*Task {
	var claimable []*Task
	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status != TaskPending {
			continue
		}
		if IsGated(task, readiness) || g.IsBlocked(id) {
			continue
		}
		claimable = append(claimable, task)
	}
	SortByClaimOrder(claimable)
	return claimable
}

// Blocked returns pending tasks held back by at least one incomplete dependency.
func (g *Graph) Blocked() []*Task {
	var blocked []*Task
	for _, id := range g.order {
		if g.tasks[id].Status == TaskPending && g.IsBlocked(id) {
			blocked = append(blocked, g.tasks[id])
		}
	}
	return blocked
}

// SortByClaimOrder sorts tasks by priority ascending, then score descending.
// Creation time and id break remaining ties so the order is stable.
func SortByClaimOrder(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// DependencyChain returns every task taskID transitively depends on, nearest
// first, by breadth-first traversal. Dangling ids are skipped.
func (g *Graph) DependencyChain(taskID string) []string {
	return g.walk(taskID, func(id string) []string {
		if task, ok := g.tasks[id]; ok {
			return task.DependsOn
		}
		return nil
	})
}

// Dependents returns every task that transitively depends on taskID, nearest
// first, by breadth-first traversal.
func (g *Graph) Dependents(taskID string) []string {
	return g.walk(taskID, func(id string) []string {
		return g.dependents[id]
	})
}

// Unblocks returns the direct dependents of taskID whose only incomplete
// dependency is taskID, i.e. what completing taskID would make claimable.
func (g *Graph) Unblocks(taskID string) []string {
	var out []string
	for _, id := range g.dependents[taskID] {
		dependent := g.tasks[id]
		if dependent.Status != TaskPending {
			continue
		}
		blocking := g.BlockingTasks(id)
		if len(blocking) == 1 && blocking[0].ID == taskID {
			out = append(out, id)
		}
	}
	return out
}

func (g *Graph) walk(start string, next func(id string) []string) []string {
	visited := map[string]bool{start: true}
	queue := []string{start}
	var out []string

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range next(id) {
			if visited[n] {
				continue
			}
			visited[n] = true
			if _, ok := g.tasks[n]; !ok {
				continue
			}
			out = append(out, n)
			queue = append(queue, n)
		}
	}
	return out
}

// ExecutionOrder returns task ids in a topological order using gammazero/toposort.
// Dependencies outside the snapshot are ignored. A cycle is reported as an error.
func (g *Graph) ExecutionOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.order {
		task := g.tasks[id]
		linked := false
		for _, depID := range task.DependsOn {
			if _, ok := g.tasks[depID]; !ok {
				continue
			}
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.order) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.order)-len(order))
	}
	return order, nil
}
