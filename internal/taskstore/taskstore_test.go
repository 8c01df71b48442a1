package taskstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

func newTestTaskStore(t *testing.T) (*TaskStore, store.DataStore) {
	t.Helper()
	ds, err := store.NewFileDataStore(store.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return New(ds, zap.NewNop()), ds
}

func TestTaskStore_GetReadyTasks_EmptyStore(t *testing.T) {
	ts, _ := newTestTaskStore(t)
	ready, err := ts.GetReadyTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestTaskStore_GetReadyTasks_PromotesPendingWithSatisfiedDeps(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	t1 := &store.Task{Title: "t1"}
	require.NoError(t, ds.CreateTask(ctx, t1))
	t2 := &store.Task{Title: "t2", Dependencies: []string{t1.ID}}
	require.NoError(t, ds.CreateTask(ctx, t2))

	ready, err := ts.GetReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, t1.ID, ready[0].ID)
	assert.Equal(t, store.TaskStatusReady, ready[0].Status)

	_, err = ds.UpdateTask(ctx, t1.ID, func(mut *store.Task) error {
		mut.Status = store.TaskStatusCompleted
		return nil
	})
	require.NoError(t, err)

	ready, err = ts.GetReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, t2.ID, ready[0].ID)
}

func TestTaskStore_GetReadyTasks_BlockedTaskExcluded(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	blocked := &store.Task{Title: "blocked", Blockers: []string{"waiting on design review"}}
	require.NoError(t, ds.CreateTask(ctx, blocked))

	ready, err := ts.GetReadyTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestTaskStore_GetParallelBatches_ChainOrdersByLayer(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	t1 := &store.Task{Title: "t1"}
	require.NoError(t, ds.CreateTask(ctx, t1))
	t2 := &store.Task{Title: "t2", Dependencies: []string{t1.ID}}
	require.NoError(t, ds.CreateTask(ctx, t2))
	t3 := &store.Task{Title: "t3", Dependencies: []string{t2.ID}}
	require.NoError(t, ds.CreateTask(ctx, t3))

	batches, err := ts.GetParallelBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, t1.ID, batches[0][0].ID)
	assert.Equal(t, t2.ID, batches[1][0].ID)
	assert.Equal(t, t3.ID, batches[2][0].ID)
}

func TestTaskStore_GetParallelBatches_ExcludesCycleParticipants(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	a := &store.Task{ID: "bd-a", Title: "a", Dependencies: []string{"bd-b"}}
	b := &store.Task{ID: "bd-b", Title: "b", Dependencies: []string{"bd-a"}}
	standalone := &store.Task{Title: "standalone"}
	require.NoError(t, ds.CreateTask(ctx, a))
	require.NoError(t, ds.CreateTask(ctx, b))
	require.NoError(t, ds.CreateTask(ctx, standalone))

	batches, err := ts.GetParallelBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, standalone.ID, batches[0][0].ID)
}

func TestTaskStore_GetParallelBatches_EmptyStore(t *testing.T) {
	ts, _ := newTestTaskStore(t)
	batches, err := ts.GetParallelBatches(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestTaskStore_DetectBottlenecks(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	shared := &store.Task{Title: "shared"}
	require.NoError(t, ds.CreateTask(ctx, shared))
	for i := 0; i < 3; i++ {
		dependent := &store.Task{Title: "dependent", Dependencies: []string{shared.ID}}
		require.NoError(t, ds.CreateTask(ctx, dependent))
	}

	bottlenecks, err := ts.DetectBottlenecks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, bottlenecks, 1)
	assert.Equal(t, shared.ID, bottlenecks[0].Task.ID)
	assert.Equal(t, 3, bottlenecks[0].DependentsOf)

	none, err := ts.DetectBottlenecks(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTaskStore_BuildTaskGraph(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	t1 := &store.Task{Title: "t1"}
	require.NoError(t, ds.CreateTask(ctx, t1))
	t2 := &store.Task{Title: "t2", Dependencies: []string{t1.ID}}
	require.NoError(t, ds.CreateTask(ctx, t2))

	graph, err := ts.BuildTaskGraph(ctx)
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 2)
	assert.Equal(t, []string{t1.ID}, graph.Edges[t2.ID])
}
