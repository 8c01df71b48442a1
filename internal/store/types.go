// Package store holds the coordination kernel's durable state: tasks,
// agents, leases, and messages. FileDataStore is the default backend
// (JSONL-append-with-reload over a working directory); RedisDataStore is an
// optional backend for deployments sharing one working tree across hosts.
package store

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusReady        TaskStatus = "ready"
	TaskStatusClaimed      TaskStatus = "claimed"
	TaskStatusInProgress   TaskStatus = "in_progress"
	TaskStatusBlocked      TaskStatus = "blocked"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusPendingRetry TaskStatus = "pending_retry"
)

// IsTerminal reports whether the status is a resting state the task does
// not leave on its own (completed is always terminal; failed is terminal
// unless a recoverable retry moves it to pending_retry, which callers must
// do via an explicit transition, never implicitly).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Priority orders work selection: critical > high > medium > low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank returns a higher number for higher priority, for descending sort.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before o under descending-priority,
// ascending-createdAt tie-breaking (p is "less" meaning p should be picked
// first only when compared alongside a createdAt tiebreak by the caller).
func (p Priority) Less(o Priority) bool {
	return p.rank() > o.rank()
}

// Task is a single unit of work tracked by the kernel.
type Task struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Status           TaskStatus        `json:"status"`
	Priority         Priority          `json:"priority"`
	RequiredSkills   []string          `json:"requiredSkills,omitempty"`
	Dependencies     []string          `json:"dependencies,omitempty"`
	Blockers         []string          `json:"blockers,omitempty"`
	Files            []string          `json:"files,omitempty"`
	EstimatedMinutes int               `json:"estimatedMinutes,omitempty"`
	ActualMinutes    int               `json:"actualMinutes,omitempty"`
	RetryCount       int               `json:"retryCount"`
	AssignedAgent    string            `json:"assignedAgent,omitempty"`
	Output           string            `json:"output,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// HasDependency reports whether id appears in t.Dependencies.
func (t *Task) HasDependency(id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// RequiresSkillsSubsetOf reports whether every skill t requires is present
// in skills. An empty requirement set matches any agent.
func (t *Task) RequiresSkillsSubsetOf(skills []string) bool {
	if len(t.RequiredSkills) == 0 {
		return true
	}
	have := make(map[string]bool, len(skills))
	for _, s := range skills {
		have[s] = true
	}
	for _, need := range t.RequiredSkills {
		if !have[need] {
			return false
		}
	}
	return true
}

// AgentStatus is the runtime state of a registered Agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a registered harness instance.
type Agent struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Type            string      `json:"type"`
	Skills          []string    `json:"skills,omitempty"`
	Status          AgentStatus `json:"status"`
	CurrentTaskID   string      `json:"currentTaskId,omitempty"`
	TasksCompleted  int         `json:"tasksCompleted"`
	TasksFailed     int         `json:"tasksFailed"`
	LastHeartbeatAt time.Time   `json:"lastHeartbeatAt"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Lease is an exclusive, time-bounded claim on an opaque resource key
// (typically a relative file path).
type Lease struct {
	Path      string    `json:"path"`
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease's expiry has passed as of now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// MessageType enumerates the wire-contract message types.
type MessageType string

const (
	MessageTypeTaskCreated          MessageType = "task.created"
	MessageTypeTaskClaimed          MessageType = "task.claimed"
	MessageTypeTaskAssigned         MessageType = "task.assigned"
	MessageTypeTaskUpdated          MessageType = "task.updated"
	MessageTypeTaskCompleted        MessageType = "task.completed"
	MessageTypeTaskFailed           MessageType = "task.failed"
	MessageTypeAgentStarted         MessageType = "agent.started"
	MessageTypeAgentStopped         MessageType = "agent.stopped"
	MessageTypeAgentError           MessageType = "agent.error"
	MessageTypeFileLock             MessageType = "file.lock"
	MessageTypeFileUnlock           MessageType = "file.unlock"
	MessageTypeCoordinationRequest  MessageType = "coordination.request"
	MessageTypeCoordinationResponse MessageType = "coordination.response"
	MessageTypeHeartbeat            MessageType = "heartbeat"
)

// Message is a unit of inter-agent communication.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	From          string         `json:"from"`
	To            string         `json:"to,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	AckRequired   bool           `json:"ackRequired,omitempty"`
	AckedAt       *time.Time     `json:"ackedAt,omitempty"`
	AckedBy       string         `json:"ackedBy,omitempty"`
}

// IsBroadcast reports whether the message has no direct recipient.
func (m *Message) IsBroadcast() bool {
	return m.To == ""
}

// Acked reports whether the message has been acknowledged.
func (m *Message) Acked() bool {
	return m.AckedAt != nil
}

// AckStatus is the result of getAckStatus.
type AckStatus struct {
	AckRequired bool       `json:"ackRequired"`
	Acked       bool       `json:"acked"`
	AckedAt     *time.Time `json:"ackedAt,omitempty"`
	AckedBy     string     `json:"ackedBy,omitempty"`
}

// TaskFilter narrows DataStore.ListTasks results.
type TaskFilter struct {
	Status        []TaskStatus
	AssignedAgent string
	Limit         int
	Offset        int
}

// MessageFilter narrows MessageBus.Search results.
type MessageFilter struct {
	Types         []MessageType
	From          string
	To            string
	Since         *time.Time
	Until         *time.Time
	CorrelationID string
	Limit         int
	Offset        int
}

// Stats summarizes DataStore-wide counters, surfaced via getStats.
type Stats struct {
	TotalTasks       int                  `json:"totalTasks"`
	TasksByStatus    map[TaskStatus]int   `json:"tasksByStatus"`
	TotalAgents      int                  `json:"totalAgents"`
	AgentsByStatus   map[AgentStatus]int  `json:"agentsByStatus"`
	ActiveLeases     int                  `json:"activeLeases"`
	UnackedMessages  int                  `json:"unackedMessages"`
}
