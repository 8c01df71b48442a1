package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.DataStore) {
	t.Helper()
	ds, err := store.NewFileDataStore(store.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return NewManager(ds, zap.NewNop(), WithSweepInterval(20*time.Millisecond)), ds
}

func TestManager_AcquireRenewRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res, err := m.Acquire(ctx, "src/a.go", "agent-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	ok, err := m.Renew(ctx, "src/a.go", "agent-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := m.Release(ctx, "src/a.go", "agent-1")
	require.NoError(t, err)
	assert.True(t, released)

	held, err := m.Check(ctx, "src/a.go")
	require.NoError(t, err)
	assert.Nil(t, held)
}

func TestManager_ReleaseAll(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "src/a.go", "agent-1", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "src/b.go", "agent-1", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "src/c.go", "agent-2", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseAll(ctx, "agent-1"))

	held, err := m.Check(ctx, "src/a.go")
	require.NoError(t, err)
	assert.Nil(t, held)
	held, err = m.Check(ctx, "src/c.go")
	require.NoError(t, err)
	require.NotNil(t, held)
}

func TestManager_StartStop_SweepsExpiredLeases(t *testing.T) {
	m, ds := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ds.AcquireLease(ctx, "src/a.go", "agent-1", -time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool {
		leases, err := ds.ListLeases(ctx)
		return err == nil && len(leases) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
}

func TestManager_StartTwice_Errors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	err := m.Start(ctx)
	assert.Error(t, err)
}

func TestManager_StopWithoutStart_Errors(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Stop()
	assert.Error(t, err)
}

func TestManager_MarkStaleAgentsOffline(t *testing.T) {
	ds, err := store.NewFileDataStore(store.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	m := NewManager(ds, zap.NewNop(), WithOfflineThreshold(time.Minute))
	ctx := context.Background()

	stale := &store.Agent{ID: "agent-stale", Status: store.AgentStatusIdle, LastHeartbeatAt: time.Now().Add(-time.Hour)}
	fresh := &store.Agent{ID: "agent-fresh", Status: store.AgentStatusBusy, CurrentTaskID: "task-1", LastHeartbeatAt: time.Now()}
	require.NoError(t, ds.RegisterAgent(ctx, stale))
	require.NoError(t, ds.RegisterAgent(ctx, fresh))
	// RegisterAgent stamps the heartbeat with the current time; back-date it.
	_, err = ds.UpdateAgent(ctx, "agent-stale", func(a *store.Agent) error {
		a.LastHeartbeatAt = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	offlined, err := m.MarkStaleAgentsOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, offlined)

	got, err := ds.GetAgent(ctx, "agent-stale")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, got.Status)

	stillBusy, err := ds.GetAgent(ctx, "agent-fresh")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusBusy, stillBusy.Status)
	assert.Equal(t, "task-1", stillBusy.CurrentTaskID)

	// A second pass is a no-op: the already-offline agent never gets its
	// timestamp-dependent transition re-applied.
	offlined, err = m.MarkStaleAgentsOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, offlined)
}

func TestManager_MarkStaleAgentsOffline_PreservesCurrentTaskID(t *testing.T) {
	ds, err := store.NewFileDataStore(store.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	m := NewManager(ds, zap.NewNop(), WithOfflineThreshold(time.Minute))
	ctx := context.Background()

	stuck := &store.Agent{ID: "agent-stuck", Status: store.AgentStatusBusy, CurrentTaskID: "task-9", LastHeartbeatAt: time.Now().Add(-time.Hour)}
	require.NoError(t, ds.RegisterAgent(ctx, stuck))
	// RegisterAgent stamps the heartbeat with the current time; back-date it.
	_, err = ds.UpdateAgent(ctx, "agent-stuck", func(a *store.Agent) error {
		a.LastHeartbeatAt = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	offlined, err := m.MarkStaleAgentsOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, offlined)

	got, err := ds.GetAgent(ctx, "agent-stuck")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusOffline, got.Status)
	assert.Equal(t, "task-9", got.CurrentTaskID)
}
