package taskstore

import (
	"context"
	"fmt"

	"github.com/jetpackd/jetpackd/internal/store"
)

// IngestPlan validates plan (cycle/residue check) and materializes its items
// into tasks, one per item, recording metadata.planId/planItemId back onto
// each. Item dependencies (sibling item ids) are rewritten to the newly
// assigned task ids. Ingest is refused wholesale if validation finds any
// residue — no partial materialization.
func (s *TaskStore) IngestPlan(ctx context.Context, plan *Plan) ([]*store.Task, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	// Two passes: first assign every item a task id without creating it (so
	// forward references in dependencies resolve), then create tasks with
	// dependencies already rewritten.
	itemToTaskID := make(map[string]string, len(plan.Items))
	for _, item := range plan.Items {
		itemToTaskID[item.ID] = store.NewTaskID()
	}

	tasks := make([]*store.Task, 0, len(plan.Items))
	for _, item := range plan.Items {
		deps := make([]string, 0, len(item.Dependencies))
		for _, dep := range item.Dependencies {
			if taskID, ok := itemToTaskID[dep]; ok {
				deps = append(deps, taskID)
			}
		}
		task := &store.Task{
			ID:               itemToTaskID[item.ID],
			Title:            item.Title,
			Description:      item.Description,
			Priority:         store.Priority(item.Priority),
			RequiredSkills:   item.Skills,
			Dependencies:     deps,
			EstimatedMinutes: item.EstimatedMinutes,
			Metadata: map[string]string{
				"planId":     plan.ID,
				"planItemId": item.ID,
			},
		}
		if err := s.ds.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("taskstore: ingest plan %s item %s: %w", plan.ID, item.ID, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
