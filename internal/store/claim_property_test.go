package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_ClaimTaskExactlyOneWinner checks claim-race exclusivity
// across a range of contending agent counts: however many goroutines race
// to claim the same task, exactly one sees Claimed==true.
func TestProperty_ClaimTaskExactlyOneWinner(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one of N concurrent claimants wins", prop.ForAll(
		func(agents int) bool {
			s := newTestStore(t)
			ctx := context.Background()

			task := &Task{Title: "contested"}
			if err := s.CreateTask(ctx, task); err != nil {
				t.Logf("create task failed: %v", err)
				return false
			}

			results := make(chan bool, agents)
			for i := 0; i < agents; i++ {
				go func(n int) {
					res, err := s.ClaimTask(ctx, task.ID, fmt.Sprintf("agent-%d", n))
					if err != nil {
						results <- false
						return
					}
					results <- res.Claimed
				}(i)
			}

			wins := 0
			for i := 0; i < agents; i++ {
				if <-results {
					wins++
				}
			}
			if wins != 1 {
				t.Logf("expected exactly 1 winner among %d agents, got %d", agents, wins)
				return false
			}

			got, err := s.GetTask(ctx, task.ID)
			if err != nil || got.Status != TaskStatusClaimed || got.AssignedAgent == "" {
				t.Logf("task left in unexpected state: %+v, err=%v", got, err)
				return false
			}
			return true
		},
		gen.IntRange(2, 30),
	))

	properties.TestingRun(t)
}
