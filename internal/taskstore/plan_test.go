package taskstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePlan_DAGPasses(t *testing.T) {
	plan := &Plan{
		ID: "plan-1",
		Items: []PlanItem{
			{ID: "item-1", Title: "a"},
			{ID: "item-2", Title: "b", Dependencies: []string{"item-1"}},
		},
	}
	assert.NoError(t, ValidatePlan(plan))
}

func TestValidatePlan_CycleReportsResidue(t *testing.T) {
	plan := &Plan{
		ID: "plan-2",
		Items: []PlanItem{
			{ID: "item-1", Title: "a", Dependencies: []string{"item-2"}},
			{ID: "item-2", Title: "b", Dependencies: []string{"item-1"}},
		},
	}
	err := ValidatePlan(plan)
	require.Error(t, err)
	var verr *PlanValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"item-1", "item-2"}, verr.ResidueItems)
}

func TestValidatePlan_EmptyOrNilIsValid(t *testing.T) {
	assert.NoError(t, ValidatePlan(nil))
	assert.NoError(t, ValidatePlan(&Plan{ID: "plan-3"}))
}
