// Package taskstore provides the derived-query facade over store.DataStore:
// readiness scanning, dependency-graph construction, parallel-batch
// scheduling, bottleneck detection, and plan validation. None of it holds
// its own state — every call reloads from the DataStore.
package taskstore

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

// TaskStore is a thin facade over store.DataStore plus the derived queries
// SPEC names: getReadyTasks, buildTaskGraph, getParallelBatches,
// detectBottlenecks, validatePlan.
type TaskStore struct {
	ds     store.DataStore
	logger *zap.Logger
}

// New wraps ds with the derived-query facade.
func New(ds store.DataStore, logger *zap.Logger) *TaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskStore{ds: ds, logger: logger.With(zap.String("component", "taskstore"))}
}

// TaskGraph is a snapshot of all tasks and their dependency edges.
type TaskGraph struct {
	Nodes []*store.Task
	// Edges maps a task id to the ids of the tasks it depends on.
	Edges map[string][]string
}

// GetReadyTasks scans pending/pending_retry/ready tasks whose dependencies
// are all completed and whose blockers list is empty, upgrading pending and
// pending_retry to ready as a side effect, and returns the resulting ready set.
func (s *TaskStore) GetReadyTasks(ctx context.Context) ([]*store.Task, error) {
	candidates, err := s.ds.ListTasks(ctx, store.TaskFilter{Status: []store.TaskStatus{
		store.TaskStatusPending, store.TaskStatusPendingRetry, store.TaskStatusReady,
	}})
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool)
	all, err := s.ds.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Status == store.TaskStatusCompleted {
			completed[t.ID] = true
		}
	}

	var ready []*store.Task
	for _, t := range candidates {
		if !isSatisfied(t, completed) {
			continue
		}
		if t.Status != store.TaskStatusReady {
			updated, err := s.ds.UpdateTask(ctx, t.ID, func(mut *store.Task) error {
				mut.Status = store.TaskStatusReady
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("taskstore: promote %s to ready: %w", t.ID, err)
			}
			ready = append(ready, updated)
			continue
		}
		ready = append(ready, t)
	}
	return ready, nil
}

func isSatisfied(t *store.Task, completed map[string]bool) bool {
	if len(t.Blockers) > 0 {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// BuildTaskGraph returns every task and its dependency edges. Cycles are
// not detected here; see ValidatePlan for ingest-time cycle checking.
func (s *TaskStore) BuildTaskGraph(ctx context.Context) (*TaskGraph, error) {
	tasks, err := s.ds.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		edges[t.ID] = append([]string(nil), t.Dependencies...)
	}
	return &TaskGraph{Nodes: tasks, Edges: edges}, nil
}

// GetParallelBatches computes a Kahn-style topological layering over tasks
// eligible for scheduling (failed, in_progress, and claimed tasks are
// excluded — they're either done contributing to the graph or already
// spoken for). Layer i contains every eligible task whose dependencies are
// all either already completed or resolved by an earlier layer. Leftover
// tasks that never become eligible (a cycle, or a dependency on a
// permanently blocked task) are silently excluded — see ValidatePlan for
// callers that need to know about residue.
func (s *TaskStore) GetParallelBatches(ctx context.Context) ([][]*store.Task, error) {
	all, err := s.ds.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool)
	eligible := make(map[string]*store.Task)
	for _, t := range all {
		switch t.Status {
		case store.TaskStatusCompleted:
			completed[t.ID] = true
		case store.TaskStatusFailed, store.TaskStatusInProgress, store.TaskStatusClaimed:
			// excluded from layering entirely
		default:
			eligible[t.ID] = t
		}
	}

	var batches [][]*store.Task
	resolved := make(map[string]bool, len(completed))
	for id := range completed {
		resolved[id] = true
	}

	for len(eligible) > 0 {
		var layer []*store.Task
		for _, t := range eligible {
			ready := true
			for _, dep := range t.Dependencies {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t)
			}
		}
		if len(layer) == 0 {
			break // remaining tasks imply a cycle or permanent block
		}
		sortByIDForDeterminism(layer)
		batches = append(batches, layer)
		for _, t := range layer {
			resolved[t.ID] = true
			delete(eligible, t.ID)
		}
	}
	return batches, nil
}

func sortByIDForDeterminism(tasks []*store.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

// BottleneckStat reports how many other tasks directly depend on a task.
type BottleneckStat struct {
	Task         *store.Task
	DependentsOf int
}

// DetectBottlenecks returns tasks named in the dependency list of at least
// minDependents other tasks, sorted by dependent count descending.
func (s *TaskStore) DetectBottlenecks(ctx context.Context, minDependents int) ([]BottleneckStat, error) {
	all, err := s.ds.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Task, len(all))
	counts := make(map[string]int, len(all))
	for _, t := range all {
		byID[t.ID] = t
		for _, dep := range t.Dependencies {
			counts[dep]++
		}
	}

	var out []BottleneckStat
	for id, count := range counts {
		if count < minDependents {
			continue
		}
		t, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, BottleneckStat{Task: t, DependentsOf: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DependentsOf != out[j].DependentsOf {
			return out[i].DependentsOf > out[j].DependentsOf
		}
		return out[i].Task.ID < out[j].Task.ID
	})
	return out, nil
}
