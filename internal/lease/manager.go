// Package lease provides cooperative exclusive locking over opaque
// resource keys (typically relative file paths an agent intends to edit),
// backed by store.DataStore and swept for expiry on a background timer.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

// DefaultSweepInterval matches the spec's default expiry-sweep cadence.
const DefaultSweepInterval = 60 * time.Second

// Manager wraps store.DataStore's lease operations with a background
// expiry-sweep loop, in the Start/Stop lifecycle shape the teacher's
// LifecycleManager uses for its health-check loop.
type Manager struct {
	ds     store.DataStore
	logger *zap.Logger

	sweepInterval    time.Duration
	offlineThreshold time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithOfflineThreshold sets how stale an agent's heartbeat must be before
// the sweep loop marks it offline. Zero (the default) disables the check.
func WithOfflineThreshold(d time.Duration) Option {
	return func(m *Manager) { m.offlineThreshold = d }
}

// NewManager wraps ds with expiry-sweep lifecycle management.
func NewManager(ds store.DataStore, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		ds:            ds,
		logger:        logger.With(zap.String("component", "lease")),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire reuses the same lease if the caller already holds it (renewal
// with a new expiry), per the spec's acquire semantics.
func (m *Manager) Acquire(ctx context.Context, key, agentID string, duration time.Duration) (store.LeaseResult, error) {
	return m.ds.AcquireLease(ctx, key, agentID, duration)
}

// Renew succeeds only if agentID currently holds an unexpired lease on key.
func (m *Manager) Renew(ctx context.Context, key, agentID string, duration time.Duration) (bool, error) {
	return m.ds.RenewLease(ctx, key, agentID, duration)
}

// Release succeeds only if agentID currently holds the lease; idempotent
// otherwise (returns false, not an error).
func (m *Manager) Release(ctx context.Context, key, agentID string) (bool, error) {
	return m.ds.ReleaseLease(ctx, key, agentID)
}

// Check returns the current unexpired holder, or nil.
func (m *Manager) Check(ctx context.Context, key string) (*store.Lease, error) {
	return m.ds.CheckLease(ctx, key)
}

// ReleaseAll releases every lease agentID currently holds, for graceful
// harness shutdown (spec property 10: a graceful stop releases every lease
// it held).
func (m *Manager) ReleaseAll(ctx context.Context, agentID string) error {
	leases, err := m.ds.ListLeases(ctx)
	if err != nil {
		return err
	}
	for _, l := range leases {
		if l.AgentID != agentID {
			continue
		}
		if _, err := m.ds.ReleaseLease(ctx, l.Path, agentID); err != nil {
			return fmt.Errorf("lease: release %s held by %s: %w", l.Path, agentID, err)
		}
	}
	return nil
}

// Start begins the background expiry-sweep loop. Calling Start twice
// without an intervening Stop returns an error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("lease: manager already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.doneChan = make(chan struct{})
	m.mu.Unlock()

	go m.sweepLoop(ctx)
	return nil
}

// Stop signals the sweep loop to exit and waits for it, bounded by a short
// grace period so a stuck sweep never blocks shutdown indefinitely.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("lease: manager not running")
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	select {
	case <-m.doneChan:
	case <-time.After(5 * time.Second):
		m.logger.Warn("lease sweep loop did not stop in time")
	}
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			reclaimed, err := m.ds.SweepExpiredLeases(ctx)
			if err != nil {
				m.logger.Warn("lease sweep failed", zap.Error(err))
			} else if reclaimed > 0 {
				m.logger.Info("swept expired leases", zap.Int("count", reclaimed))
			}

			if m.offlineThreshold > 0 {
				offlined, err := m.MarkStaleAgentsOffline(ctx)
				if err != nil {
					m.logger.Warn("stale agent sweep failed", zap.Error(err))
				} else if offlined > 0 {
					m.logger.Info("marked stale agents offline", zap.Int("count", offlined))
				}
			}
		}
	}
}

// MarkStaleAgentsOffline lists every agent and flips any whose
// LastHeartbeatAt is older than offlineThreshold from any other status
// to AgentStatusOffline, leaving CurrentTaskID untouched so a resumed
// heartbeat can still recognize its own in-flight work. Agents already
// offline are left alone so this never overwrites the transition timestamp
// implied by a prior sweep.
func (m *Manager) MarkStaleAgentsOffline(ctx context.Context) (int, error) {
	agents, err := m.ds.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("lease: list agents: %w", err)
	}

	cutoff := time.Now().Add(-m.offlineThreshold)
	offlined := 0
	for _, a := range agents {
		if a.Status == store.AgentStatusOffline || a.LastHeartbeatAt.After(cutoff) {
			continue
		}
		if _, err := m.ds.UpdateAgent(ctx, a.ID, func(agent *store.Agent) error {
			if agent.Status == store.AgentStatusOffline || agent.LastHeartbeatAt.After(cutoff) {
				return nil
			}
			agent.Status = store.AgentStatusOffline
			return nil
		}); err != nil {
			return offlined, fmt.Errorf("lease: mark agent %s offline: %w", a.ID, err)
		}
		offlined++
	}
	return offlined, nil
}
