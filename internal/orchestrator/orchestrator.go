// Package orchestrator is the process-level owner of a jetpackd daemon: it
// holds the shared DataStore, spawns one AgentHarness per configured agent
// slot, runs the main loop that decides when to stop, and exposes the
// programmatic API surface the CLI/web/MCP collaborators call through.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jetpackd/jetpackd/config"
	"github.com/jetpackd/jetpackd/internal/adapter"
	"github.com/jetpackd/jetpackd/internal/bus"
	"github.com/jetpackd/jetpackd/internal/harness"
	"github.com/jetpackd/jetpackd/internal/lease"
	"github.com/jetpackd/jetpackd/internal/metrics"
	"github.com/jetpackd/jetpackd/internal/store"
	"github.com/jetpackd/jetpackd/internal/taskstore"
)

// AdapterFactory builds the ModelAdapter a harness slot should drive.
// Which CLI (Claude Code, Codex, Gemini, or a mock) backs a given preset
// is a deployment decision, not something settings.json encodes, so the
// orchestrator takes it as a constructor dependency rather than reading it
// out of config.Settings.
type AdapterFactory func(slot int, preset config.AgentPreset) (adapter.ModelAdapter, error)

// Config assembles an Orchestrator.
type Config struct {
	DataStore      store.DataStore
	Settings       *config.Settings
	AdapterFactory AdapterFactory

	// Index attaches FTS5 search to the shared bus, Search/GetThread/
	// GetRecent/DeleteOlderThan return an error without one.
	Index *bus.Index

	// Metrics is optional; when nil, harnesses record no metrics.
	Metrics *metrics.Collector

	// RunPollInterval overrides DefaultRunPollInterval, mainly for tests
	// that don't want to wait out a multi-second progress check.
	RunPollInterval time.Duration

	Logger *zap.Logger
}

// DefaultRunPollInterval is how often Run re-evaluates the configured
// runtime.mode stop condition.
const DefaultRunPollInterval = 2 * time.Second

// Orchestrator owns the DataStore and every AgentHarness in one daemon
// process, and is the single point of entry for the programmatic API
// surface named in the external interfaces contract.
type Orchestrator struct {
	ds       store.DataStore
	tasks    *taskstore.TaskStore
	leases   *lease.Manager
	settings *config.Settings
	metrics  *metrics.Collector
	index    *bus.Index
	logger   *zap.Logger

	// obus is the orchestrator's own bus identity ("orchestrator"), used
	// for the programmatic publish/subscribe/search surface exposed to
	// the CLI/web/MCP collaborators — none of whom are an AgentHarness
	// with their own inbox.
	obus *bus.Bus

	runPollInterval time.Duration
	adapterFactory  AdapterFactory

	mu        sync.Mutex
	running   bool
	harnesses []*slot
	stopChan  chan struct{}
}

type slot struct {
	agentID string
	preset  config.AgentPreset
	h       *harness.Harness
}

// AlreadyRunningError reports a second Initialize call on an already-running
// Orchestrator.
type AlreadyRunningError struct{}

func (e *AlreadyRunningError) Error() string { return "orchestrator: already running" }

// New constructs an Orchestrator. It does not spawn harnesses or start the
// lease sweep loop until Initialize is called.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "orchestrator"))

	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}

	runPollInterval := cfg.RunPollInterval
	if runPollInterval <= 0 {
		runPollInterval = DefaultRunPollInterval
	}

	return &Orchestrator{
		ds:              cfg.DataStore,
		tasks:           taskstore.New(cfg.DataStore, logger),
		leases: lease.NewManager(cfg.DataStore, logger, lease.WithOfflineThreshold(
			time.Duration(settings.Agents.OfflineThresholdMs)*time.Millisecond)),
		settings:        settings,
		metrics:         cfg.Metrics,
		index:           cfg.Index,
		logger:          logger,
		adapterFactory:  cfg.AdapterFactory,
		obus:            bus.New(cfg.DataStore, orchestratorAgentID, logger, bus.WithIndex(cfg.Index)),
		runPollInterval: runPollInterval,
	}
}

// orchestratorAgentID is the bus identity the orchestrator itself
// publishes and subscribes under, distinct from any spawned harness.
const orchestratorAgentID = "orchestrator"

// Initialize starts the lease sweep loop and spawns one harness per
// defaultCount, assigning presets to slots by position and falling back to
// no skill restriction for slots beyond len(presets). Mirrors the
// five-step AgentHarness.Start shape one level up: bring shared
// infrastructure up first, then bring up every dependent worker.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return &AlreadyRunningError{}
	}
	o.running = true
	o.stopChan = make(chan struct{})
	o.mu.Unlock()

	if err := o.leases.Start(ctx); err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start lease manager: %w", err)
	}
	if err := o.obus.Start(ctx); err != nil {
		_ = o.leases.Stop()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: start bus: %w", err)
	}

	count := o.settings.DefaultCount
	if count <= 0 {
		count = 1
	}

	slots := make([]*slot, 0, count)
	for i := 0; i < count; i++ {
		preset := presetForSlot(o.settings.Presets, i)
		agentID := presetName(preset, i)

		ad, err := o.buildAdapter(i, preset)
		if err != nil {
			o.teardownSlots(context.Background(), slots)
			_ = o.leases.Stop()
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			return fmt.Errorf("orchestrator: build adapter for slot %d: %w", i, err)
		}

		b := bus.New(o.ds, agentID, o.logger, bus.WithIndex(o.index))
		h := harness.New(harness.Config{
			DataStore: o.ds,
			Tasks:     o.tasks,
			Leases:    o.leases,
			Bus:       b,
			Adapter:   ad,
			Settings:  o.settings.Agents,
			Metrics:   o.metrics,
			AgentID:   agentID,
			Name:      presetName(preset, i),
			Skills:    preset.Skills,
			Logger:    o.logger,
		})
		slots = append(slots, &slot{agentID: agentID, preset: preset, h: h})
	}

	// Fan in the Start calls with a plain errgroup (no derived context):
	// every harness's background loops (heartbeat, poll) run against ctx
	// itself for their entire lifetime, not a context errgroup would
	// cancel the instant this fan-in's Wait returns.
	var g errgroup.Group
	for _, s := range slots {
		s := s
		g.Go(func() error {
			if err := s.h.Start(ctx); err != nil {
				return fmt.Errorf("orchestrator: start harness %s: %w", s.agentID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.teardownSlots(context.Background(), slots)
		_ = o.leases.Stop()
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.harnesses = slots
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) buildAdapter(slotIdx int, preset config.AgentPreset) (adapter.ModelAdapter, error) {
	if o.adapterFactory != nil {
		return o.adapterFactory(slotIdx, preset)
	}
	return adapter.NewMockAdapter("mock"), nil
}

func presetForSlot(presets []config.AgentPreset, i int) config.AgentPreset {
	if i < len(presets) {
		return presets[i]
	}
	return config.AgentPreset{}
}

func presetName(preset config.AgentPreset, i int) string {
	if preset.Name != "" {
		return preset.Name
	}
	return fmt.Sprintf("agent-%d", i+1)
}

// Shutdown stops the main loop, every harness (each runs its own graceful
// shutdown per §4.6), and the lease sweep loop, in that order.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: not running")
	}
	o.running = false
	slots := o.harnesses
	o.harnesses = nil
	close(o.stopChan)
	o.mu.Unlock()

	o.teardownSlots(ctx, slots)

	if err := o.obus.Stop(); err != nil {
		o.logger.Warn("stop orchestrator bus failed", zap.Error(err))
	}
	if err := o.leases.Stop(); err != nil {
		o.logger.Warn("stop lease manager failed", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) teardownSlots(ctx context.Context, slots []*slot) {
	var g errgroup.Group
	for _, s := range slots {
		s := s
		g.Go(func() error {
			if err := s.h.Stop(ctx); err != nil {
				o.logger.Warn("stop harness failed", zap.String("agentId", s.agentID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run blocks running the main loop until the configured runtime.mode says
// to stop, or ctx is cancelled. infinite never returns on its own;
// iteration-limit counts idle-detection polls; idle-pause returns once no
// task has progressed for idleTimeoutMs; objective-based returns once
// every task is in a terminal state (a stand-in for an LLM-judged
// objective check, which is out of scope for the coordination kernel
// itself).
func (o *Orchestrator) Run(ctx context.Context) error {
	mode := o.settings.Runtime.Mode
	if mode == "" {
		mode = "infinite"
	}

	ticker := time.NewTicker(o.runPollInterval)
	defer ticker.Stop()

	iterations := 0
	lastProgress := time.Now()
	lastCompleted := -1

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopChan:
			return nil
		case <-ticker.C:
		}

		stats, err := o.GetStats(ctx)
		if err != nil {
			o.logger.Warn("run loop: get stats failed", zap.Error(err))
			continue
		}

		completed := stats.TasksByStatus[store.TaskStatusCompleted]
		if completed != lastCompleted {
			lastCompleted = completed
			lastProgress = time.Now()
		}

		switch mode {
		case "iteration-limit":
			iterations++
			if o.settings.Runtime.MaxIterations > 0 && iterations >= o.settings.Runtime.MaxIterations {
				return nil
			}
		case "idle-pause":
			timeout := time.Duration(o.settings.Runtime.IdleTimeoutMs) * time.Millisecond
			if timeout > 0 && time.Since(lastProgress) >= timeout {
				return nil
			}
		case "objective-based":
			pending := stats.TasksByStatus[store.TaskStatusPending] + stats.TasksByStatus[store.TaskStatusReady] +
				stats.TasksByStatus[store.TaskStatusClaimed] + stats.TasksByStatus[store.TaskStatusInProgress] +
				stats.TasksByStatus[store.TaskStatusPendingRetry] + stats.TasksByStatus[store.TaskStatusBlocked]
			if stats.TotalTasks > 0 && pending == 0 {
				return nil
			}
		case "infinite":
			// runs until ctx cancellation or Shutdown
		}
	}
}
