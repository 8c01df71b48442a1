package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDataStore is a Redis-backed DataStore for deployments that already
// run a shared Redis instance and want lease coordination and mailbox
// delivery to work across multiple daemon instances sharing one working
// tree over a network filesystem, where file-level atomic rename is not
// reliable. Tasks and agents use a JSON-blob-plus-sorted-set-index shape
// mirroring the teacher persistence package's RedisTaskStore; leases lean
// on Redis's native key expiry instead of a sweep loop.
type RedisDataStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
	retry     *retrier
}

// NewRedisDataStore connects to cfg.RedisAddr and returns a ready store.
func NewRedisDataStore(cfg Config, logger *zap.Logger) (*RedisDataStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}

	prefix := cfg.RedisKeyPrefix
	if prefix == "" {
		prefix = "jetpackd:"
	}
	return &RedisDataStore{
		client:    client,
		keyPrefix: prefix,
		logger:    logger,
		retry:     newRetrier(cfg.Retry, logger),
	}, nil
}

func (s *RedisDataStore) Close() error { return s.client.Close() }

// --- task keys ---

func (s *RedisDataStore) taskKey(id string) string       { return s.keyPrefix + "task:data:" + id }
func (s *RedisDataStore) taskStatusKey(st TaskStatus) string { return s.keyPrefix + "task:status:" + string(st) }
func (s *RedisDataStore) taskAgentKey(agentID string) string { return s.keyPrefix + "task:agent:" + agentID }
func (s *RedisDataStore) taskAllKey() string             { return s.keyPrefix + "task:all" }

func (s *RedisDataStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	if task.ID == "" {
		task.ID = newID("bd")
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}

	if exists, err := s.client.Exists(ctx, s.taskKey(task.ID)).Result(); err != nil {
		return err
	} else if exists == 1 {
		return ErrAlreadyExists
	}
	return s.writeTask(ctx, task, nil)
}

// writeTask persists task and its indexes, removing prev's status/agent
// index entries first when prev is non-nil and differs.
// writeTask persists task and its indexes through the retrier, so a
// transient connection drop against Redis doesn't surface as a failed task
// mutation for what the caller sees as a purely local CAS operation.
func (s *RedisDataStore) writeTask(ctx context.Context, task *Task, prev *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	score := float64(task.CreatedAt.UnixNano())

	return s.retry.do(ctx, "writeTask", func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.taskKey(task.ID), data, 0)
		if prev != nil && prev.Status != task.Status {
			pipe.ZRem(ctx, s.taskStatusKey(prev.Status), task.ID)
		}
		pipe.ZAdd(ctx, s.taskStatusKey(task.Status), redis.Z{Score: score, Member: task.ID})
		pipe.ZAdd(ctx, s.taskAllKey(), redis.Z{Score: score, Member: task.ID})
		if prev != nil && prev.AssignedAgent != task.AssignedAgent && prev.AssignedAgent != "" {
			pipe.ZRem(ctx, s.taskAgentKey(prev.AssignedAgent), task.ID)
		}
		if task.AssignedAgent != "" {
			pipe.ZAdd(ctx, s.taskAgentKey(task.AssignedAgent), redis.Z{Score: score, Member: task.ID})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *RedisDataStore) GetTask(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, ErrMalformedRecord
	}
	return &t, nil
}

func (s *RedisDataStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var ids []string
	var err error
	switch {
	case len(filter.Status) == 1:
		ids, err = s.client.ZRange(ctx, s.taskStatusKey(filter.Status[0]), 0, -1).Result()
	case filter.AssignedAgent != "":
		ids, err = s.client.ZRange(ctx, s.taskAgentKey(filter.AssignedAgent), 0, -1).Result()
	default:
		ids, err = s.client.ZRange(ctx, s.taskAllKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	statusSet := make(map[TaskStatus]bool, len(filter.Status))
	for _, st := range filter.Status {
		statusSet[st] = true
	}

	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if filter.AssignedAgent != "" && t.AssignedAgent != filter.AssignedAgent {
			continue
		}
		out = append(out, t)
	}

	sortTasks(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Task{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RedisDataStore) UpdateTask(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := *cur
	cp := *cur
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	if err := s.writeTask(ctx, &cp, &prev); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *RedisDataStore) DeleteTask(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.ZRem(ctx, s.taskStatusKey(t.Status), id)
	pipe.ZRem(ctx, s.taskAllKey(), id)
	if t.AssignedAgent != "" {
		pipe.ZRem(ctx, s.taskAgentKey(t.AssignedAgent), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ClaimTask uses optimistic locking (WATCH) so the compare-and-swap holds
// even with multiple daemon instances sharing this Redis instance.
func (s *RedisDataStore) ClaimTask(ctx context.Context, id, agentID string) (ClaimResult, error) {
	key := s.taskKey(id)
	var result ClaimResult
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			return ErrMalformedRecord
		}
		if t.Status != TaskStatusPending && t.Status != TaskStatusReady {
			result = ClaimResult{Claimed: false}
			return nil
		}
		prev := t
		t.Status = TaskStatusClaimed
		t.AssignedAgent = agentID
		t.UpdatedAt = time.Now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			nd, err := json.Marshal(&t)
			if err != nil {
				return err
			}
			score := float64(t.CreatedAt.UnixNano())
			pipe.Set(ctx, key, nd, 0)
			pipe.ZRem(ctx, s.taskStatusKey(prev.Status), id)
			pipe.ZAdd(ctx, s.taskStatusKey(t.Status), redis.Z{Score: score, Member: id})
			pipe.ZAdd(ctx, s.taskAgentKey(agentID), redis.Z{Score: score, Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		cp := t
		result = ClaimResult{Claimed: true, Task: &cp}
		return nil
	}, key)
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

func sortTasks(tasks []*Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0; j-- {
			a, b := tasks[j-1], tasks[j]
			swap := b.Priority.Less(a.Priority)
			if a.Priority == b.Priority {
				swap = a.CreatedAt.After(b.CreatedAt)
			}
			if !swap {
				break
			}
			tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
		}
	}
}

// --- agents ---

func (s *RedisDataStore) agentKey(id string) string { return s.keyPrefix + "agent:data:" + id }
func (s *RedisDataStore) agentAllKey() string       { return s.keyPrefix + "agent:all" }

func (s *RedisDataStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return ErrInvalidInput
	}
	now := time.Now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.LastHeartbeatAt = now
	if agent.Status == "" {
		agent.Status = AgentStatusIdle
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.agentKey(agent.ID), data, 0)
	pipe.SAdd(ctx, s.agentAllKey(), agent.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisDataStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	data, err := s.client.Get(ctx, s.agentKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, ErrMalformedRecord
	}
	return &a, nil
}

func (s *RedisDataStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	ids, err := s.client.SMembers(ctx, s.agentAllKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisDataStore) HeartbeatAgent(ctx context.Context, id string) error {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	a.LastHeartbeatAt = time.Now()
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.agentKey(id), data, 0).Err()
}

func (s *RedisDataStore) UpdateAgent(ctx context.Context, id string, mutate func(*Agent) error) (*Agent, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	cp := *a
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.ID = id
	data, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.agentKey(id), data, 0).Err(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *RedisDataStore) DeregisterAgent(ctx context.Context, id string) error {
	if _, err := s.GetAgent(ctx, id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.agentKey(id))
	pipe.SRem(ctx, s.agentAllKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// --- leases ---
//
// Redis's native PX expiry stands in for the sweep loop the file backend
// runs explicitly: a lease key simply vanishes from leaseDataKey once its
// duration elapses. leaseIndexKey tracks every key ever acquired so
// ListLeases/SweepExpiredLeases can enumerate; membership is pruned lazily.

func (s *RedisDataStore) leaseDataKey(key string) string { return s.keyPrefix + "lease:data:" + key }
func (s *RedisDataStore) leaseIndexKey() string          { return s.keyPrefix + "lease:index" }

func (s *RedisDataStore) AcquireLease(ctx context.Context, key, agentID string, duration time.Duration) (LeaseResult, error) {
	dataKey := s.leaseDataKey(key)
	var result LeaseResult
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, dataKey).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var existing Lease
			if json.Unmarshal(data, &existing) == nil && existing.AgentID != agentID {
				cp := existing
				result = LeaseResult{Acquired: false, Holder: &cp}
				return nil
			}
		}

		now := time.Now()
		l := &Lease{Path: key, AgentID: agentID, Timestamp: now, ExpiresAt: now.Add(duration)}
		nd, err := json.Marshal(l)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, nd, duration)
			pipe.SAdd(ctx, s.leaseIndexKey(), key)
			return nil
		})
		if err != nil {
			return err
		}
		cp := *l
		result = LeaseResult{Acquired: true, Holder: &cp}
		return nil
	}, dataKey)
	if err != nil {
		return LeaseResult{}, err
	}
	return result, nil
}

func (s *RedisDataStore) RenewLease(ctx context.Context, key, agentID string, duration time.Duration) (bool, error) {
	dataKey := s.leaseDataKey(key)
	var renewed bool
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, dataKey).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var l Lease
		if json.Unmarshal(data, &l) != nil || l.AgentID != agentID {
			return nil
		}
		now := time.Now()
		l.ExpiresAt = now.Add(duration)
		nd, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dataKey, nd, duration)
			return nil
		})
		if err != nil {
			return err
		}
		renewed = true
		return nil
	}, dataKey)
	return renewed, err
}

func (s *RedisDataStore) ReleaseLease(ctx context.Context, key, agentID string) (bool, error) {
	dataKey := s.leaseDataKey(key)
	var released bool
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, dataKey).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		var l Lease
		if json.Unmarshal(data, &l) != nil || l.AgentID != agentID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, dataKey)
			pipe.SRem(ctx, s.leaseIndexKey(), key)
			return nil
		})
		if err != nil {
			return err
		}
		released = true
		return nil
	}, dataKey)
	return released, err
}

func (s *RedisDataStore) CheckLease(ctx context.Context, key string) (*Lease, error) {
	data, err := s.client.Get(ctx, s.leaseDataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, ErrMalformedRecord
	}
	return &l, nil
}

// SweepExpiredLeases prunes leaseIndexKey of keys whose backing data key
// has already expired via Redis's own TTL; it never needs to expire a
// lease itself.
func (s *RedisDataStore) SweepExpiredLeases(ctx context.Context) (int, error) {
	keys, err := s.client.SMembers(ctx, s.leaseIndexKey()).Result()
	if err != nil {
		return 0, err
	}
	var reclaimed int
	for _, key := range keys {
		exists, err := s.client.Exists(ctx, s.leaseDataKey(key)).Result()
		if err != nil {
			return reclaimed, err
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, s.leaseIndexKey(), key).Err(); err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *RedisDataStore) ListLeases(ctx context.Context) ([]*Lease, error) {
	keys, err := s.client.SMembers(ctx, s.leaseIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Lease, 0, len(keys))
	for _, key := range keys {
		l, err := s.CheckLease(ctx, key)
		if err != nil || l == nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// --- messages ---
//
// Every message is a JSON blob at mail:data:<id>. Delivery state lives in
// sorted sets (score = publish time) so inbox/outbox/archive scans come
// back in arrival order; a per-agent set tracks which broadcast ids that
// agent has already consumed, mirroring the file backend's cursor file.

func (s *RedisDataStore) msgKey(id string) string          { return s.keyPrefix + "mail:data:" + id }
func (s *RedisDataStore) inboxKey(agentID string) string   { return s.keyPrefix + "mail:inbox:" + agentID }
func (s *RedisDataStore) outboxKey() string                { return s.keyPrefix + "mail:outbox" }
func (s *RedisDataStore) archiveKey() string               { return s.keyPrefix + "mail:archive" }
func (s *RedisDataStore) cursorKey(agentID string) string  { return s.keyPrefix + "mail:cursor:" + agentID }

func (s *RedisDataStore) PublishMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.Type == "" || msg.From == "" {
		return ErrInvalidInput
	}
	if msg.ID == "" {
		msg.ID = newID("msg")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	score := float64(msg.Timestamp.UnixNano())

	return s.retry.do(ctx, "publishMessage", func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.msgKey(msg.ID), data, 0)
		if msg.IsBroadcast() {
			pipe.ZAdd(ctx, s.outboxKey(), redis.Z{Score: score, Member: msg.ID})
		} else {
			pipe.ZAdd(ctx, s.inboxKey(msg.To), redis.Z{Score: score, Member: msg.ID})
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *RedisDataStore) getMessage(ctx context.Context, id string) (*Message, error) {
	data, err := s.client.Get(ctx, s.msgKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrMalformedRecord
	}
	return &m, nil
}

func (s *RedisDataStore) ReceiveInbox(ctx context.Context, agentID string) ([]*Message, error) {
	ids, err := s.client.ZRange(ctx, s.inboxKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.fetchMessages(ctx, ids), nil
}

func (s *RedisDataStore) ReceiveBroadcast(ctx context.Context, agentID string) ([]*Message, error) {
	ids, err := s.client.ZRange(ctx, s.outboxKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	seen, err := s.client.SMembers(ctx, s.cursorKey(agentID)).Result()
	if err != nil {
		return nil, err
	}
	seenSet := make(map[string]bool, len(seen))
	for _, id := range seen {
		seenSet[id] = true
	}
	var pending []string
	for _, id := range ids {
		if !seenSet[id] {
			pending = append(pending, id)
		}
	}
	return s.fetchMessages(ctx, pending), nil
}

func (s *RedisDataStore) fetchMessages(ctx context.Context, ids []string) []*Message {
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.getMessage(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *RedisDataStore) ArchiveMessage(ctx context.Context, msg *Message, consumingAgentID string) error {
	if msg == nil {
		return ErrInvalidInput
	}
	if msg.IsBroadcast() {
		return s.client.SAdd(ctx, s.cursorKey(consumingAgentID), msg.ID).Err()
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.inboxKey(msg.To), msg.ID)
	pipe.ZAdd(ctx, s.archiveKey(), redis.Z{Score: float64(msg.Timestamp.UnixNano()), Member: msg.ID})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisDataStore) AcknowledgeMessage(ctx context.Context, id, agentID string) (*Message, error) {
	m, err := s.getMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	m.AckedAt = &now
	m.AckedBy = agentID
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.msgKey(id), data, 0).Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *RedisDataStore) GetAckStatus(ctx context.Context, id string) (AckStatus, error) {
	m, err := s.getMessage(ctx, id)
	if err != nil {
		return AckStatus{}, err
	}
	return AckStatus{AckRequired: m.AckRequired, Acked: m.Acked(), AckedAt: m.AckedAt, AckedBy: m.AckedBy}, nil
}

func (s *RedisDataStore) GetUnacknowledgedMessages(ctx context.Context) ([]*Message, error) {
	archived, err := s.client.ZRange(ctx, s.archiveKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	outboxed, err := s.client.ZRange(ctx, s.outboxKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, id := range append(archived, outboxed...) {
		m, err := s.getMessage(ctx, id)
		if err != nil {
			continue
		}
		if m.AckRequired && !m.Acked() {
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteMessagesOlderThan removes archived and outbox message records
// scored before t, returning the count removed. Inbox sorted sets are left
// alone: an undelivered direct message is still live work, not history to
// prune.
func (s *RedisDataStore) DeleteMessagesOlderThan(ctx context.Context, t time.Time) (int, error) {
	max := fmt.Sprintf("%d", t.UnixNano())
	removed := 0
	for _, zkey := range []string{s.archiveKey(), s.outboxKey()} {
		ids, err := s.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{Min: "-inf", Max: "(" + max}).Result()
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			continue
		}
		err = s.retry.do(ctx, "deleteMessagesOlderThan", func() error {
			pipe := s.client.TxPipeline()
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = id
				pipe.Del(ctx, s.msgKey(id))
			}
			pipe.ZRem(ctx, zkey, members...)
			_, err := pipe.Exec(ctx)
			return err
		})
		if err != nil {
			return removed, err
		}
		removed += len(ids)
	}
	return removed, nil
}

// --- stats ---

func (s *RedisDataStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{TasksByStatus: make(map[TaskStatus]int), AgentsByStatus: make(map[AgentStatus]int)}

	total, err := s.client.ZCard(ctx, s.taskAllKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.TotalTasks = int(total)
	for _, st := range []TaskStatus{
		TaskStatusPending, TaskStatusReady, TaskStatusClaimed, TaskStatusInProgress,
		TaskStatusBlocked, TaskStatusCompleted, TaskStatusFailed, TaskStatusPendingRetry,
	} {
		count, err := s.client.ZCard(ctx, s.taskStatusKey(st)).Result()
		if err != nil {
			return nil, err
		}
		if count > 0 {
			stats.TasksByStatus[st] = int(count)
		}
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalAgents = len(agents)
	for _, a := range agents {
		stats.AgentsByStatus[a.Status]++
	}

	leases, err := s.ListLeases(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveLeases = len(leases)

	unacked, err := s.GetUnacknowledgedMessages(ctx)
	if err != nil {
		return nil, err
	}
	stats.UnackedMessages = len(unacked)
	return stats, nil
}

var _ DataStore = (*RedisDataStore)(nil)
