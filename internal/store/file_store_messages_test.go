package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDataStore_PublishAndReceiveDirect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{Type: MessageTypeTaskAssigned, From: "orchestrator", To: "agent-1"}
	require.NoError(t, s.PublishMessage(ctx, msg))
	assert.NotEmpty(t, msg.ID)

	inbox, err := s.ReceiveInbox(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)

	other, err := s.ReceiveInbox(ctx, "agent-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFileDataStore_PublishAndReceiveBroadcast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{Type: MessageTypeHeartbeat, From: "agent-1"}
	require.NoError(t, s.PublishMessage(ctx, msg))
	assert.True(t, msg.IsBroadcast())

	for _, agentID := range []string{"agent-2", "agent-3"} {
		received, err := s.ReceiveBroadcast(ctx, agentID)
		require.NoError(t, err)
		require.Len(t, received, 1)
		require.NoError(t, s.ArchiveMessage(ctx, received[0], agentID))
	}

	received, err := s.ReceiveBroadcast(ctx, "agent-2")
	require.NoError(t, err)
	assert.Empty(t, received)

	received, err = s.ReceiveBroadcast(ctx, "agent-4")
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestFileDataStore_ArchiveDirectMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{Type: MessageTypeTaskCompleted, From: "agent-1", To: "orchestrator"}
	require.NoError(t, s.PublishMessage(ctx, msg))

	require.NoError(t, s.ArchiveMessage(ctx, msg, "orchestrator"))
	inbox, err := s.ReceiveInbox(ctx, "orchestrator")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	require.NoError(t, s.ArchiveMessage(ctx, msg, "orchestrator"))
}

func TestFileDataStore_AcknowledgeMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{Type: MessageTypeCoordinationRequest, From: "agent-1", To: "agent-2", AckRequired: true}
	require.NoError(t, s.PublishMessage(ctx, msg))

	status, err := s.GetAckStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, status.AckRequired)
	assert.False(t, status.Acked)

	acked, err := s.AcknowledgeMessage(ctx, msg.ID, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "agent-2", acked.AckedBy)
	assert.NotNil(t, acked.AckedAt)

	status, err = s.GetAckStatus(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, status.Acked)
}

func TestFileDataStore_GetUnacknowledgedMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	needsAck := &Message{Type: MessageTypeCoordinationRequest, From: "agent-1", AckRequired: true}
	require.NoError(t, s.PublishMessage(ctx, needsAck))
	noAck := &Message{Type: MessageTypeHeartbeat, From: "agent-1"}
	require.NoError(t, s.PublishMessage(ctx, noAck))

	unacked, err := s.GetUnacknowledgedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, unacked, 1)
	assert.Equal(t, needsAck.ID, unacked[0].ID)

	_, err = s.AcknowledgeMessage(ctx, needsAck.ID, "agent-2")
	require.NoError(t, err)

	unacked, err = s.GetUnacknowledgedMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, unacked)
}

func TestFileDataStore_ReceiveInbox_QuarantinesMalformedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := filepath.Join(s.inboxDir, "agent-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0o644))

	good := &Message{Type: MessageTypeHeartbeat, From: "agent-2", To: "agent-1"}
	require.NoError(t, s.PublishMessage(ctx, good))

	inbox, err := s.ReceiveInbox(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, good.ID, inbox[0].ID)

	_, err = os.Stat(filepath.Join(dir, "malformed-bad.json"))
	assert.NoError(t, err)
}
