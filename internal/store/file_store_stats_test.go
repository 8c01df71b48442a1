package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDataStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := &Task{Title: "pending"}
	require.NoError(t, s.CreateTask(ctx, pending))
	done := &Task{Title: "done"}
	require.NoError(t, s.CreateTask(ctx, done))
	_, err := s.UpdateTask(ctx, done.ID, func(t *Task) error {
		t.Status = TaskStatusCompleted
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.RegisterAgent(ctx, &Agent{ID: "agent-1"}))

	_, err = s.AcquireLease(ctx, "src/a.go", "agent-1", time.Minute)
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "src/b.go", "agent-1", -time.Minute)
	require.NoError(t, err)

	needsAck := &Message{Type: MessageTypeCoordinationRequest, From: "agent-1", AckRequired: true}
	require.NoError(t, s.PublishMessage(ctx, needsAck))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.TasksByStatus[TaskStatusPending])
	assert.Equal(t, 1, stats.TasksByStatus[TaskStatusCompleted])
	assert.Equal(t, 1, stats.TotalAgents)
	assert.Equal(t, 1, stats.AgentsByStatus[AgentStatusIdle])
	assert.Equal(t, 1, stats.ActiveLeases)
	assert.Equal(t, 1, stats.UnackedMessages)
}
