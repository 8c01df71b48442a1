package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

func newTestBus(t *testing.T, agentID string) (*Bus, store.DataStore) {
	t.Helper()
	ds, err := store.NewFileDataStore(store.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	b := New(ds, agentID, zap.NewNop(), WithPollInterval(10*time.Millisecond))
	return b, ds
}

func TestBus_PublishAndDeliverDirect(t *testing.T) {
	sender, ds := newTestBus(t, "agent-a")
	recipient := New(ds, "agent-b", zap.NewNop(), WithPollInterval(10*time.Millisecond))

	delivered := make(chan *store.Message, 1)
	recipient.Subscribe(store.MessageTypeCoordinationRequest, func(ctx context.Context, msg *store.Message) error {
		delivered <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, recipient.Start(ctx))
	defer recipient.Stop()

	require.NoError(t, sender.Publish(context.Background(), &store.Message{
		Type: store.MessageTypeCoordinationRequest,
		To:   "agent-b",
	}))

	select {
	case msg := <-delivered:
		assert.Equal(t, "agent-a", msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message was never delivered")
	}
}

func TestBus_PublishAndDeliverBroadcast(t *testing.T) {
	sender, ds := newTestBus(t, "agent-a")
	recipient := New(ds, "agent-b", zap.NewNop(), WithPollInterval(10*time.Millisecond))

	delivered := make(chan *store.Message, 1)
	recipient.Subscribe(store.MessageTypeHeartbeat, func(ctx context.Context, msg *store.Message) error {
		delivered <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, recipient.Start(ctx))
	defer recipient.Stop()

	require.NoError(t, sender.SendHeartbeat(context.Background(), map[string]any{"status": "idle"}))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast was never delivered")
	}
}

func TestBus_HandlerErrorLeavesMessageUnarchived(t *testing.T) {
	sender, ds := newTestBus(t, "agent-a")
	ctx := context.Background()

	require.NoError(t, sender.Publish(ctx, &store.Message{
		Type: store.MessageTypeCoordinationRequest,
		To:   "agent-b",
	}))

	attempts := 0
	recipient := New(ds, "agent-b", zap.NewNop(), WithPollInterval(10*time.Millisecond))
	recipient.Subscribe(store.MessageTypeCoordinationRequest, func(ctx context.Context, msg *store.Message) error {
		attempts++
		return assertErr
	})

	runCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, recipient.Start(runCtx))
	time.Sleep(50 * time.Millisecond)
	cancel()
	_ = recipient.Stop()

	assert.GreaterOrEqual(t, attempts, 1)
	inbox, err := ds.ReceiveInbox(ctx, "agent-b")
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

var assertErr = &testHandlerError{}

type testHandlerError struct{}

func (e *testHandlerError) Error() string { return "handler failed" }

func TestBus_StartTwice_Errors(t *testing.T) {
	b, _ := newTestBus(t, "agent-a")
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	err := b.Start(ctx)
	assert.Error(t, err)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	sender, ds := newTestBus(t, "agent-a")
	recipient := New(ds, "agent-b", zap.NewNop(), WithPollInterval(10*time.Millisecond))

	delivered := make(chan *store.Message, 4)
	id := recipient.Subscribe(store.MessageTypeHeartbeat, func(ctx context.Context, msg *store.Message) error {
		delivered <- msg
		return nil
	})
	recipient.Unsubscribe(store.MessageTypeHeartbeat, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, recipient.Start(ctx))
	defer recipient.Stop()

	require.NoError(t, sender.SendHeartbeat(context.Background(), nil))
	time.Sleep(50 * time.Millisecond)

	select {
	case <-delivered:
		t.Fatal("handler ran after unsubscribe")
	default:
	}
}

func TestBus_GetRecentRequiresIndex(t *testing.T) {
	b, _ := newTestBus(t, "agent-a")
	_, err := b.GetRecent(context.Background(), 10)
	assert.Error(t, err)
}

func TestBus_AcknowledgeAndStatus(t *testing.T) {
	b, ds := newTestBus(t, "agent-a")
	ctx := context.Background()

	msg := &store.Message{Type: store.MessageTypeTaskCompleted, To: "agent-b", AckRequired: true}
	require.NoError(t, b.Publish(ctx, msg))

	received, err := ds.ReceiveInbox(ctx, "agent-b")
	require.NoError(t, err)
	require.Len(t, received, 1)

	recipientBus := New(ds, "agent-b", zap.NewNop())
	acked, err := recipientBus.Acknowledge(ctx, received[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Acked())

	status, err := b.GetAckStatus(ctx, received[0].ID)
	require.NoError(t, err)
	assert.True(t, status.Acked)
}
