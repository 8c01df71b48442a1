package taskstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStore_IngestPlan_CreatesTasksWithRewrittenDeps(t *testing.T) {
	ts, ds := newTestTaskStore(t)
	ctx := context.Background()

	plan := &Plan{
		ID:    "plan-1",
		Title: "ship feature",
		Items: []PlanItem{
			{ID: "item-1", Title: "design", Priority: "high", Skills: []string{"design"}},
			{ID: "item-2", Title: "implement", Priority: "medium", Dependencies: []string{"item-1"}},
		},
	}

	tasks, err := ts.IngestPlan(ctx, plan)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byPlanItem := make(map[string]string)
	for _, task := range tasks {
		byPlanItem[task.Metadata["planItemId"]] = task.ID
		assert.Equal(t, "plan-1", task.Metadata["planId"])
	}

	implement, err := ds.GetTask(ctx, byPlanItem["item-2"])
	require.NoError(t, err)
	require.Len(t, implement.Dependencies, 1)
	assert.Equal(t, byPlanItem["item-1"], implement.Dependencies[0])
}

func TestTaskStore_IngestPlan_RefusesCyclicPlan(t *testing.T) {
	ts, _ := newTestTaskStore(t)
	ctx := context.Background()

	plan := &Plan{
		ID: "plan-cyclic",
		Items: []PlanItem{
			{ID: "item-1", Title: "a", Dependencies: []string{"item-2"}},
			{ID: "item-2", Title: "b", Dependencies: []string{"item-1"}},
		},
	}

	tasks, err := ts.IngestPlan(ctx, plan)
	assert.Error(t, err)
	assert.Nil(t, tasks)
}
