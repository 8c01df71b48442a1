package taskstore

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is the external input contract for a batch of work: a set of items
// with inter-item dependencies, ingested into the task store as one task
// per item.
type Plan struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    PlanStatus `json:"status"`
	Items     []PlanItem `json:"items"`
	CreatedAt string     `json:"createdAt,omitempty"`
	UpdatedAt string     `json:"updatedAt,omitempty"`
}

// PlanStatus is the lifecycle state of a Plan document.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusApproved  PlanStatus = "approved"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// PlanItem is one task-to-be within a Plan. Dependencies reference sibling
// item ids, not task ids — those are only assigned at ingest.
type PlanItem struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Status           string   `json:"status"`
	Priority         string   `json:"priority"`
	Skills           []string `json:"skills"`
	Dependencies     []string `json:"dependencies"`
	EstimatedMinutes int      `json:"estimatedMinutes,omitempty"`
	Description      string   `json:"description,omitempty"`
}

// PlanValidationError names every plan item left over once Kahn layering
// terminates: items forming a cycle, or depending (transitively) on one.
type PlanValidationError struct {
	PlanID       string
	ResidueItems []string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("taskstore: plan %s has unresolvable items (dependency cycle): %s",
		e.PlanID, strings.Join(e.ResidueItems, ", "))
}

// ValidatePlan builds an id-keyed adjacency map over plan.Items and attempts
// the same Kahn layering GetParallelBatches runs over live tasks. Any item
// left over once no further layer can be formed is reported as residue; a
// nil return means the plan is a DAG and safe to ingest.
func ValidatePlan(plan *Plan) error {
	if plan == nil || len(plan.Items) == 0 {
		return nil
	}

	byID := make(map[string]PlanItem, len(plan.Items))
	for _, item := range plan.Items {
		byID[item.ID] = item
	}

	remaining := make(map[string]PlanItem, len(byID))
	for id, item := range byID {
		remaining[id] = item
	}
	resolved := make(map[string]bool, len(byID))

	for len(remaining) > 0 {
		var layer []string
		for id, item := range remaining {
			ready := true
			for _, dep := range item.Dependencies {
				if _, known := byID[dep]; known && !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			break
		}
		for _, id := range layer {
			resolved[id] = true
			delete(remaining, id)
		}
	}

	if len(remaining) == 0 {
		return nil
	}
	residue := make([]string, 0, len(remaining))
	for id := range remaining {
		residue = append(residue, id)
	}
	sort.Strings(residue)
	return &PlanValidationError{PlanID: plan.ID, ResidueItems: residue}
}
