// Package harness implements AgentHarness: the per-agent work-claim loop
// that registers an agent, reacts to task-creation messages and a polling
// timer by claiming ready work, drives a ModelAdapter to execute it, and
// releases leases and shuts down gracefully.
package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/config"
	"github.com/jetpackd/jetpackd/internal/adapter"
	"github.com/jetpackd/jetpackd/internal/bus"
	"github.com/jetpackd/jetpackd/internal/lease"
	"github.com/jetpackd/jetpackd/internal/metrics"
	"github.com/jetpackd/jetpackd/internal/store"
	"github.com/jetpackd/jetpackd/internal/taskstore"
)

// DefaultCooldown is the pause between a finished lookForWork pass and the
// next, per the spec's "short cooldown (≈1s)" between iterations.
const DefaultCooldown = time.Second

// Harness runs one agent's registration, heartbeat, message reactions, and
// work-claim loop. One instance per agent; Start/Stop are not reentrant.
type Harness struct {
	ds       store.DataStore
	tasks    *taskstore.TaskStore
	leases   *lease.Manager
	bus      *bus.Bus
	adapter  adapter.ModelAdapter
	settings config.AgentSettings
	metrics  *metrics.Collector
	logger   *zap.Logger

	agentID string
	name    string
	skills  []string

	broadcaster eventBroadcaster

	mu            sync.Mutex
	running       bool
	stopOnce      sync.Once
	stopChan      chan struct{}
	doneChan      chan struct{}
	heartbeatDone chan struct{}

	wake chan struct{}

	currentMu sync.Mutex
	current   *inFlightTask
}

// inFlightTask tracks the task being executed so Stop can abort it.
type inFlightTask struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Config bundles the collaborators a Harness needs. AgentID, Name, and
// Adapter are required; Skills may be empty (matches any task).
type Config struct {
	DataStore store.DataStore
	Tasks     *taskstore.TaskStore
	Leases    *lease.Manager
	Bus       *bus.Bus
	Adapter   adapter.ModelAdapter
	Settings  config.AgentSettings
	Metrics   *metrics.Collector

	AgentID string
	Name    string
	Skills  []string

	Logger *zap.Logger
}

// AlreadyRunningError is returned by Start when called on an already-running
// Harness.
type AlreadyRunningError struct {
	AgentID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("harness: agent %s is already running", e.AgentID)
}

// New constructs a Harness from cfg. It does not register or start
// anything; call Start to do that.
func New(cfg Config) *Harness {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		ds:       cfg.DataStore,
		tasks:    cfg.Tasks,
		leases:   cfg.Leases,
		bus:      cfg.Bus,
		adapter:  cfg.Adapter,
		settings: cfg.Settings,
		metrics:  cfg.Metrics,
		logger:   logger.With(zap.String("component", "harness"), zap.String("agentId", cfg.AgentID)),
		agentID:  cfg.AgentID,
		name:     cfg.Name,
		skills:   cfg.Skills,
		wake:     make(chan struct{}, 1),
	}
}

// Events returns a channel of this harness's event stream. buffer sizes the
// subscriber's channel; events are dropped (never blocked on) if it fills.
func (h *Harness) Events(buffer int) <-chan Event {
	return h.broadcaster.subscribe(buffer)
}

func (h *Harness) recordClaim(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordTaskClaim(h.agentID, outcome)
	}
}

func (h *Harness) recordClaimContention() {
	if h.metrics != nil {
		h.metrics.RecordTaskClaimContention(h.agentID)
	}
}

func (h *Harness) recordTransition(from, to store.TaskStatus) {
	if h.metrics != nil {
		h.metrics.RecordTaskStateTransition(string(from), string(to))
	}
}

func (h *Harness) recordTaskDuration(status store.TaskStatus, d time.Duration) {
	if h.metrics != nil {
		h.metrics.RecordTaskDuration(h.agentID, string(status), d)
	}
}

func (h *Harness) recordLeaseOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordLeaseAcquire(h.agentID, outcome)
	}
}

func (h *Harness) emit(evt Event) {
	evt.AgentID = h.agentID
	evt.Timestamp = time.Now()
	h.broadcaster.publish(evt)
}

// Start performs the five-step startup sequence and begins the heartbeat,
// polling, and message-reaction loops. Calling Start twice without an
// intervening Stop returns an *AlreadyRunningError.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return &AlreadyRunningError{AgentID: h.agentID}
	}
	h.running = true
	h.stopChan = make(chan struct{})
	h.doneChan = make(chan struct{})
	h.heartbeatDone = make(chan struct{})
	h.stopOnce = sync.Once{}
	h.mu.Unlock()

	// 1. Register the agent record (status=idle).
	if err := h.ds.RegisterAgent(ctx, &store.Agent{
		ID:     h.agentID,
		Name:   h.name,
		Type:   h.adapter.Provider(),
		Skills: h.skills,
		Status: store.AgentStatusIdle,
	}); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return fmt.Errorf("harness: register agent: %w", err)
	}

	// 2. Subscribe to reactive-wakeup message types.
	h.bus.Subscribe(store.MessageTypeTaskCreated, h.onWakeMessage)
	h.bus.Subscribe(store.MessageTypeTaskUpdated, h.onWakeMessage)
	if err := h.bus.Start(ctx); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return fmt.Errorf("harness: start bus: %w", err)
	}

	// 3. Broadcast agent.started with skills.
	if err := h.bus.Publish(ctx, &store.Message{
		Type:    store.MessageTypeAgentStarted,
		From:    h.agentID,
		Payload: map[string]any{"skills": h.skills},
	}); err != nil {
		h.logger.Warn("publish agent.started failed", zap.Error(err))
	}
	h.emit(Event{Type: EventStarted})

	go h.heartbeatLoop(ctx)
	go h.pollLoop(ctx)

	// 5b. Trigger an immediate lookForWork alongside the timer start.
	h.requestWake()

	return nil
}

// onWakeMessage is the Handler registered for task.created/task.updated: it
// nudges the poll loop to attempt lookForWork sooner than its next tick.
func (h *Harness) onWakeMessage(ctx context.Context, msg *store.Message) error {
	h.requestWake()
	return nil
}

func (h *Harness) requestWake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Harness) heartbeatLoop(ctx context.Context) {
	defer close(h.heartbeatDone)

	interval := time.Duration(h.settings.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			if err := h.ds.HeartbeatAgent(ctx, h.agentID); err != nil {
				h.logger.Warn("heartbeat failed", zap.Error(err))
				h.emit(Event{Type: EventHeartbeatFailed, Message: err.Error()})
				continue
			}
			if err := h.bus.SendHeartbeat(ctx, nil); err != nil {
				h.logger.Warn("publish heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (h *Harness) pollLoop(ctx context.Context) {
	defer close(h.doneChan)

	interval := time.Duration(h.settings.WorkPollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.tryLookForWork(ctx)
		case <-h.wake:
			h.tryLookForWork(ctx)
		}
	}
}

// tryLookForWork runs lookForWork only while the agent is idle, looping
// with a cooldown between claimed tasks until no ready task matches.
func (h *Harness) tryLookForWork(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		default:
		}

		agent, err := h.ds.GetAgent(ctx, h.agentID)
		if err != nil {
			h.logger.Warn("get agent failed", zap.Error(err))
			return
		}
		if agent.Status != store.AgentStatusIdle {
			return
		}

		claimed, err := h.lookForWork(ctx)
		if err != nil {
			h.logger.Warn("lookForWork failed", zap.Error(err))
			h.emit(Event{Type: EventError, Message: err.Error()})
			return
		}
		if !claimed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-time.After(DefaultCooldown):
		}
	}
}

// lookForWork runs one claim attempt. It returns true if a task was
// claimed and executed (regardless of outcome), false if no eligible task
// was found.
func (h *Harness) lookForWork(ctx context.Context) (bool, error) {
	// 1. Fetch the ready set.
	ready, err := h.tasks.GetReadyTasks(ctx)
	if err != nil {
		return false, fmt.Errorf("get ready tasks: %w", err)
	}

	// 2. Filter to tasks whose requiredSkills ⊆ harness.skills.
	candidates := make([]*store.Task, 0, len(ready))
	for _, t := range ready {
		if t.RequiresSkillsSubsetOf(h.skills) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}

	// 3. Sort by (priority desc, createdAt asc).
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority.Less(b.Priority)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	// 4. Attempt to claim, retrying the next candidate on race-loss.
	var task *store.Task
	for _, cand := range candidates {
		res, err := h.ds.ClaimTask(ctx, cand.ID, h.agentID)
		if err != nil {
			return false, fmt.Errorf("claim task %s: %w", cand.ID, err)
		}
		if res.Claimed {
			h.recordClaim("claimed")
			h.recordTransition(cand.Status, store.TaskStatusClaimed)
			task = res.Task
			break
		}
		h.recordClaim("already_claimed")
		h.recordClaimContention()
	}
	if task == nil {
		return false, nil
	}

	h.runClaimedTask(ctx, task)
	return true, nil
}

// runClaimedTask executes steps 5-11 of lookForWork for an already-claimed
// task.
func (h *Harness) runClaimedTask(ctx context.Context, task *store.Task) {
	timeout := h.settings.TaskTimeout(task.EstimatedMinutes)

	// 5. Acquire a lease per file; on any failure release all and fail the
	// task for contention.
	leaseDuration := timeout + 30*time.Second
	acquired := make([]string, 0, len(task.Files))
	for _, f := range task.Files {
		res, err := h.leases.Acquire(ctx, f, h.agentID, leaseDuration)
		if err != nil || !res.Acquired {
			h.recordLeaseOutcome("denied")
			h.releaseLeases(ctx, acquired)
			h.failTaskContention(ctx, task, f, err)
			return
		}
		h.recordLeaseOutcome("acquired")
		acquired = append(acquired, f)
	}

	// 6. Agent busy, publish task.claimed.
	if _, err := h.ds.UpdateAgent(ctx, h.agentID, func(a *store.Agent) error {
		a.Status = store.AgentStatusBusy
		a.CurrentTaskID = task.ID
		return nil
	}); err != nil {
		h.logger.Warn("set agent busy failed", zap.Error(err))
	}
	if err := h.bus.Publish(ctx, &store.Message{
		Type:    store.MessageTypeTaskClaimed,
		From:    h.agentID,
		Payload: map[string]any{"taskId": task.ID},
	}); err != nil {
		h.logger.Warn("publish task.claimed failed", zap.Error(err))
	}
	h.emit(Event{Type: EventTaskClaimed, TaskID: task.ID})

	if _, err := h.ds.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		t.Status = store.TaskStatusInProgress
		return nil
	}); err != nil {
		h.logger.Warn("mark task in_progress failed", zap.Error(err))
	}

	// 7-8. Execute with the computed per-task timeout.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan struct{})
	h.currentMu.Lock()
	h.current = &inFlightTask{taskID: task.ID, cancel: cancel, done: done}
	h.currentMu.Unlock()

	req := adapter.TaskRequest{
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Files:       task.Files,
		Skills:      task.RequiredSkills,
		Timeout:     timeout,
	}
	started := time.Now()
	result, err := h.adapter.Execute(execCtx, req,
		func(note string) { h.emit(Event{Type: EventTaskProgress, TaskID: task.ID, Message: note}) },
		func(chunk string) { h.emit(Event{Type: EventTaskProgress, TaskID: task.ID, Message: chunk}) })
	elapsed := time.Since(started)

	h.currentMu.Lock()
	h.current = nil
	h.currentMu.Unlock()
	cancel()

	if err != nil {
		// Execute returns an error only when it refuses to spawn (an unsafe
		// binary path); that is treated as a non-recoverable failure.
		result = &adapter.Result{Success: false, Error: err.Error()}
	}

	if h.metrics != nil {
		outcome := "failed"
		if result.Success {
			outcome = "success"
		}
		h.metrics.RecordAdapterInvocation(h.adapter.Provider(), outcome, elapsed)
		if result.TokenUsage != nil {
			h.metrics.RecordAdapterTokens(h.adapter.Provider(), "estimated", result.TokenUsage.TotalTokens)
		}
	}

	// finishTask writes the task's terminal/retry status before done closes,
	// so awaitOrAbortInFlight's own conditional write (if Stop is racing a
	// shutdown abort against this call) always happens after, never before
	// or concurrently with, this one.
	h.finishTask(ctx, task, result, acquired)
	close(done)
}

func (h *Harness) failTaskContention(ctx context.Context, task *store.Task, file string, cause error) {
	reason := fmt.Sprintf("lease contention on %s", file)
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	if _, err := h.ds.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		t.Status = store.TaskStatusFailed
		t.FailureReason = reason
		return nil
	}); err != nil {
		h.logger.Warn("mark task failed (contention) failed", zap.Error(err))
	}
	if err := h.bus.Publish(ctx, &store.Message{
		Type:    store.MessageTypeTaskFailed,
		From:    h.agentID,
		Payload: map[string]any{"taskId": task.ID, "reason": reason, "recoverable": false},
	}); err != nil {
		h.logger.Warn("publish task.failed failed", zap.Error(err))
	}
	h.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Message: reason})

	if _, err := h.ds.UpdateAgent(ctx, h.agentID, func(a *store.Agent) error {
		a.TasksFailed++
		return nil
	}); err != nil {
		h.logger.Warn("increment tasksFailed failed", zap.Error(err))
	}
}

// finishTask classifies the adapter result, applies the task/agent status
// transition, releases leases, and returns the agent to idle.
func (h *Harness) finishTask(ctx context.Context, task *store.Task, result *adapter.Result, acquired []string) {
	switch {
	case result.Success:
		now := time.Now()
		if _, err := h.ds.UpdateTask(ctx, task.ID, func(t *store.Task) error {
			t.Status = store.TaskStatusCompleted
			t.CompletedAt = &now
			t.Output = result.Output
			t.ActualMinutes = int(time.Duration(result.DurationMs)*time.Millisecond/time.Minute) + 1
			return nil
		}); err != nil {
			h.logger.Warn("mark task completed failed", zap.Error(err))
		}
		if err := h.bus.Publish(ctx, &store.Message{
			Type:    store.MessageTypeTaskCompleted,
			From:    h.agentID,
			Payload: map[string]any{"taskId": task.ID},
		}); err != nil {
			h.logger.Warn("publish task.completed failed", zap.Error(err))
		}
		h.emit(Event{Type: EventTaskCompleted, TaskID: task.ID})
		h.recordTransition(store.TaskStatusInProgress, store.TaskStatusCompleted)
		// task is the claim result, so UpdatedAt is the claim time.
		h.recordTaskDuration(store.TaskStatusCompleted, time.Since(task.UpdatedAt))
		if _, err := h.ds.UpdateAgent(ctx, h.agentID, func(a *store.Agent) error {
			a.TasksCompleted++
			return nil
		}); err != nil {
			h.logger.Warn("increment tasksCompleted failed", zap.Error(err))
		}

	case h.isRecoverable(result.Error) && task.RetryCount+1 < h.settings.MaxRetries:
		if _, err := h.ds.UpdateTask(ctx, task.ID, func(t *store.Task) error {
			t.Status = store.TaskStatusPendingRetry
			t.RetryCount++
			t.FailureReason = result.Error
			return nil
		}); err != nil {
			h.logger.Warn("mark task pending_retry failed", zap.Error(err))
		}
		if err := h.bus.Publish(ctx, &store.Message{
			Type:    store.MessageTypeTaskFailed,
			From:    h.agentID,
			Payload: map[string]any{"taskId": task.ID, "reason": result.Error, "recoverable": true},
		}); err != nil {
			h.logger.Warn("publish task.failed failed", zap.Error(err))
		}
		h.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Message: result.Error})
		h.recordTransition(store.TaskStatusInProgress, store.TaskStatusPendingRetry)

	default:
		if _, err := h.ds.UpdateTask(ctx, task.ID, func(t *store.Task) error {
			t.Status = store.TaskStatusFailed
			t.FailureReason = result.Error
			return nil
		}); err != nil {
			h.logger.Warn("mark task failed failed", zap.Error(err))
		}
		if err := h.bus.Publish(ctx, &store.Message{
			Type:    store.MessageTypeTaskFailed,
			From:    h.agentID,
			Payload: map[string]any{"taskId": task.ID, "reason": result.Error, "recoverable": false},
		}); err != nil {
			h.logger.Warn("publish task.failed failed", zap.Error(err))
		}
		h.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Message: result.Error})
		h.recordTransition(store.TaskStatusInProgress, store.TaskStatusFailed)
		h.recordTaskDuration(store.TaskStatusFailed, time.Since(task.UpdatedAt))
		if _, err := h.ds.UpdateAgent(ctx, h.agentID, func(a *store.Agent) error {
			a.TasksFailed++
			return nil
		}); err != nil {
			h.logger.Warn("increment tasksFailed failed", zap.Error(err))
		}
	}

	// 10. Release all acquired leases unconditionally.
	h.releaseLeases(ctx, acquired)

	// 11. Agent idle; the cooldown before the next lookForWork lives in
	// tryLookForWork's loop.
	if _, err := h.ds.UpdateAgent(ctx, h.agentID, func(a *store.Agent) error {
		a.Status = store.AgentStatusIdle
		a.CurrentTaskID = ""
		return nil
	}); err != nil {
		h.logger.Warn("set agent idle failed", zap.Error(err))
	}
}

func (h *Harness) releaseLeases(ctx context.Context, keys []string) {
	for _, key := range keys {
		if _, err := h.leases.Release(ctx, key, h.agentID); err != nil {
			h.logger.Warn("release lease failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (h *Harness) isRecoverable(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	for _, pattern := range h.settings.RecoverablePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Stop performs the five-step graceful shutdown: it ceases polling, waits
// up to the configured graceful-shutdown budget for an in-flight task to
// finish naturally (aborting the adapter subprocess and marking the task
// pending_retry otherwise), releases every lease the agent holds, publishes
// agent.stopped, and deregisters the agent.
func (h *Harness) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return fmt.Errorf("harness: agent %s is not running", h.agentID)
	}
	h.running = false
	done := h.doneChan
	heartbeatDone := h.heartbeatDone
	h.stopOnce.Do(func() { close(h.stopChan) })
	h.mu.Unlock()

	select {
	case <-heartbeatDone:
	case <-time.After(5 * time.Second):
		h.logger.Warn("heartbeat loop did not stop in time")
	}

	// The poll loop runs lookForWork synchronously on its own goroutine, so
	// while a task is in flight it cannot observe stopChan until
	// runClaimedTask returns. Abort (or wait out) the in-flight task first,
	// bounded by the graceful-shutdown budget, so doneChan closes promptly
	// afterward instead of this wait absorbing a fixed 5s on top of that
	// budget for every in-flight shutdown.
	h.awaitOrAbortInFlight(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.logger.Warn("poll loop did not stop in time")
	}

	if err := h.leases.ReleaseAll(ctx, h.agentID); err != nil {
		h.logger.Warn("release all leases failed", zap.Error(err))
	}

	if err := h.bus.Publish(ctx, &store.Message{
		Type: store.MessageTypeAgentStopped,
		From: h.agentID,
	}); err != nil {
		h.logger.Warn("publish agent.stopped failed", zap.Error(err))
	}
	h.emit(Event{Type: EventStopped})

	if err := h.bus.Stop(); err != nil {
		h.logger.Warn("stop bus failed", zap.Error(err))
	}

	if err := h.ds.DeregisterAgent(ctx, h.agentID); err != nil {
		h.logger.Warn("deregister agent failed", zap.Error(err))
	}

	h.broadcaster.closeAll()
	return nil
}

// awaitOrAbortInFlight waits up to gracefulShutdownMs for an in-flight task
// to complete naturally; past that budget it cancels the adapter subprocess
// and marks the task pending_retry so it is re-schedulable.
func (h *Harness) awaitOrAbortInFlight(ctx context.Context) {
	h.currentMu.Lock()
	cur := h.current
	h.currentMu.Unlock()
	if cur == nil {
		return
	}

	budget := time.Duration(h.settings.GracefulShutdownMs) * time.Millisecond
	if budget <= 0 {
		budget = 30 * time.Second
	}

	select {
	case <-cur.done:
		return
	case <-time.After(budget):
	}

	cur.cancel()
	<-cur.done

	// cur.done only closes once finishTask has already classified and
	// written the task's outcome (see runClaimedTask), normally landing on
	// pending_retry itself since the cancelled run reports as a timeout.
	// This write is a backstop for whatever state that left the task in,
	// not a second attempt at the same transition.
	if _, err := h.ds.UpdateTask(ctx, cur.taskID, func(t *store.Task) error {
		if t.Status.IsTerminal() || t.Status == store.TaskStatusPendingRetry {
			return nil
		}
		t.Status = store.TaskStatusPendingRetry
		t.RetryCount++
		t.FailureReason = "aborted by graceful shutdown"
		return nil
	}); err != nil {
		h.logger.Warn("mark aborted task pending_retry failed", zap.Error(err))
	}
}
