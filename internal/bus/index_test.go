package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenIndex(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndex_IndexAndSearchByText(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	msg := &store.Message{
		ID:        "msg-1",
		Type:      store.MessageTypeCoordinationRequest,
		From:      "agent-a",
		To:        "agent-b",
		Payload:   map[string]any{"note": "please review the auth refactor"},
		Timestamp: time.Now(),
	}
	require.NoError(t, idx.IndexMessage(ctx, msg))

	ids, err := idx.Search(ctx, "refactor", store.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1"}, ids)

	ids, err = idx.Search(ctx, "nonexistentterm", store.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIndex_SearchByStructuralFilter(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{
		ID: "msg-1", Type: store.MessageTypeTaskCompleted, From: "agent-a", Timestamp: now,
	}))
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{
		ID: "msg-2", Type: store.MessageTypeTaskFailed, From: "agent-b", Timestamp: now.Add(time.Second),
	}))

	ids, err := idx.Search(ctx, "", store.MessageFilter{Types: []store.MessageType{store.MessageTypeTaskFailed}})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-2"}, ids)

	ids, err = idx.Search(ctx, "", store.MessageFilter{From: "agent-a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-1"}, ids)
}

func TestIndex_GetThread(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{
		ID: "thread-root", Type: store.MessageTypeCoordinationRequest, From: "agent-a", Timestamp: base,
	}))
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{
		ID: "reply-1", Type: store.MessageTypeCoordinationResponse, From: "agent-b",
		CorrelationID: "thread-root", Timestamp: base.Add(time.Second),
	}))
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{
		ID: "unrelated", Type: store.MessageTypeHeartbeat, From: "agent-c", Timestamp: base.Add(2 * time.Second),
	}))

	ids, err := idx.GetThread(ctx, "thread-root")
	require.NoError(t, err)
	assert.Equal(t, []string{"thread-root", "reply-1"}, ids)
}

func TestIndex_DeleteOlderThan(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{ID: "old-msg", Type: store.MessageTypeHeartbeat, From: "agent-a", Timestamp: old}))
	require.NoError(t, idx.IndexMessage(ctx, &store.Message{ID: "recent-msg", Type: store.MessageTypeHeartbeat, From: "agent-a", Timestamp: recent}))

	deleted, err := idx.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	ids, err := idx.Search(ctx, "", store.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recent-msg"}, ids)
}

func TestIndex_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenIndex(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	idx2, err := OpenIndex(path, zap.NewNop())
	require.NoError(t, err)
	defer idx2.Close()
}
