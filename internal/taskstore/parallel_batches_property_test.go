package taskstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jetpackd/jetpackd/internal/store"
)

// TestProperty_ParallelBatchesRespectDependencyOrder checks that for a
// linear dependency chain of arbitrary length, GetParallelBatches always
// places task i strictly after every task it depends on: chain[i] never
// appears in a batch at or before chain[i-1]'s.
func TestProperty_ParallelBatchesRespectDependencyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("a dependency never lands in a later or equal batch than its dependent", prop.ForAll(
		func(chainLength int) bool {
			ts, ds := newTestTaskStore(t)
			ctx := context.Background()

			chain := make([]*store.Task, chainLength)
			for i := 0; i < chainLength; i++ {
				task := &store.Task{Title: fmt.Sprintf("t%d", i)}
				if i > 0 {
					task.Dependencies = []string{chain[i-1].ID}
				}
				if err := ds.CreateTask(ctx, task); err != nil {
					t.Logf("create task failed: %v", err)
					return false
				}
				chain[i] = task
			}

			batches, err := ts.GetParallelBatches(ctx)
			if err != nil {
				t.Logf("GetParallelBatches failed: %v", err)
				return false
			}

			layerOf := make(map[string]int, chainLength)
			for layer, tasks := range batches {
				for _, task := range tasks {
					layerOf[task.ID] = layer
				}
			}

			for i, task := range chain {
				layer, ok := layerOf[task.ID]
				if !ok {
					t.Logf("task %s missing from any batch", task.ID)
					return false
				}
				if i > 0 {
					depLayer := layerOf[chain[i-1].ID]
					if depLayer >= layer {
						t.Logf("dependency %s at layer %d did not precede dependent %s at layer %d",
							chain[i-1].ID, depLayer, task.ID, layer)
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(2, 12),
	))

	properties.TestingRun(t)
}
