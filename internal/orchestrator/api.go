package orchestrator

import (
	"context"
	"time"

	"github.com/jetpackd/jetpackd/internal/bus"
	"github.com/jetpackd/jetpackd/internal/store"
	"github.com/jetpackd/jetpackd/internal/taskstore"
)

// This file is the core's contract to the CLI/web/MCP collaborators: every
// method here is a thin pass-through to the DataStore, TaskStore, lease
// Manager, or the orchestrator's own bus identity. None of it holds state
// of its own beyond what those already hold.

// --- tasks ---

func (o *Orchestrator) CreateTask(ctx context.Context, task *store.Task) error {
	return o.ds.CreateTask(ctx, task)
}

func (o *Orchestrator) UpdateTask(ctx context.Context, id string, mutate func(*store.Task) error) (*store.Task, error) {
	return o.ds.UpdateTask(ctx, id, mutate)
}

func (o *Orchestrator) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return o.ds.GetTask(ctx, id)
}

func (o *Orchestrator) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return o.ds.ListTasks(ctx, filter)
}

func (o *Orchestrator) DeleteTask(ctx context.Context, id string) error {
	return o.ds.DeleteTask(ctx, id)
}

func (o *Orchestrator) GetReadyTasks(ctx context.Context) ([]*store.Task, error) {
	return o.tasks.GetReadyTasks(ctx)
}

// ClaimTask lets an external caller claim work outside the harness
// work-claim loop (e.g. a human operator picking up a task by hand).
func (o *Orchestrator) ClaimTask(ctx context.Context, id, agentID string) (store.ClaimResult, error) {
	return o.ds.ClaimTask(ctx, id, agentID)
}

func (o *Orchestrator) BuildTaskGraph(ctx context.Context) (*taskstore.TaskGraph, error) {
	return o.tasks.BuildTaskGraph(ctx)
}

func (o *Orchestrator) GetParallelBatches(ctx context.Context) ([][]*store.Task, error) {
	return o.tasks.GetParallelBatches(ctx)
}

func (o *Orchestrator) DetectBottlenecks(ctx context.Context, minDependents int) ([]taskstore.BottleneckStat, error) {
	return o.tasks.DetectBottlenecks(ctx, minDependents)
}

func (o *Orchestrator) GetStats(ctx context.Context) (*store.Stats, error) {
	return o.ds.Stats(ctx)
}

// --- agents ---

func (o *Orchestrator) RegisterAgent(ctx context.Context, agent *store.Agent) error {
	return o.ds.RegisterAgent(ctx, agent)
}

func (o *Orchestrator) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return o.ds.ListAgents(ctx)
}

func (o *Orchestrator) DeregisterAgent(ctx context.Context, id string) error {
	return o.ds.DeregisterAgent(ctx, id)
}

// --- leases ---

func (o *Orchestrator) AcquireLease(ctx context.Context, key, agentID string, duration time.Duration) (store.LeaseResult, error) {
	return o.leases.Acquire(ctx, key, agentID, duration)
}

func (o *Orchestrator) RenewLease(ctx context.Context, key, agentID string, duration time.Duration) (bool, error) {
	return o.leases.Renew(ctx, key, agentID, duration)
}

func (o *Orchestrator) ReleaseLease(ctx context.Context, key, agentID string) (bool, error) {
	return o.leases.Release(ctx, key, agentID)
}

func (o *Orchestrator) CheckLease(ctx context.Context, key string) (*store.Lease, error) {
	return o.leases.Check(ctx, key)
}

// --- messaging ---

func (o *Orchestrator) Publish(ctx context.Context, msg *store.Message) error {
	return o.obus.Publish(ctx, msg)
}

func (o *Orchestrator) Subscribe(msgType store.MessageType, handler bus.Handler) bus.SubscriptionID {
	return o.obus.Subscribe(msgType, handler)
}

func (o *Orchestrator) Unsubscribe(msgType store.MessageType, id bus.SubscriptionID) {
	o.obus.Unsubscribe(msgType, id)
}

func (o *Orchestrator) Acknowledge(ctx context.Context, messageID string) (*store.Message, error) {
	return o.obus.Acknowledge(ctx, messageID)
}

func (o *Orchestrator) GetAckStatus(ctx context.Context, messageID string) (store.AckStatus, error) {
	return o.obus.GetAckStatus(ctx, messageID)
}

func (o *Orchestrator) GetUnacknowledgedMessages(ctx context.Context) ([]*store.Message, error) {
	return o.obus.GetUnacknowledgedMessages(ctx)
}

func (o *Orchestrator) Search(ctx context.Context, query string, filter store.MessageFilter) ([]string, error) {
	return o.obus.Search(ctx, query, filter)
}

func (o *Orchestrator) GetThread(ctx context.Context, correlationID string) ([]string, error) {
	return o.obus.GetThread(ctx, correlationID)
}

func (o *Orchestrator) GetRecent(ctx context.Context, limit int) ([]string, error) {
	return o.obus.GetRecent(ctx, limit)
}

func (o *Orchestrator) SendHeartbeat(ctx context.Context, payload map[string]any) error {
	return o.obus.SendHeartbeat(ctx, payload)
}

// --- plans ---

// IngestPlan validates plan and materializes it into tasks. See
// taskstore.ValidatePlan for the exact cycle/residue rule: plan items
// referencing an id outside the plan (an external or already-completed
// dependency) are treated as already satisfied rather than as a
// validation error, since the plan format has no way to name a
// already-ingested task's id.
func (o *Orchestrator) IngestPlan(ctx context.Context, plan *taskstore.Plan) ([]*store.Task, error) {
	return o.tasks.IngestPlan(ctx, plan)
}
