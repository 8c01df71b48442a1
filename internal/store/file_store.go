package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileDataStore is the default DataStore backend: a single-process,
// file-backed store rooted at a working directory, matching the on-disk
// layout of .beads/tasks.jsonl and .jetpack/... exactly. It keeps an
// in-memory cache fronting the on-disk files, guarded by a
// single sync.RWMutex in the style of the teacher's FileTaskStore/
// FileMessageStore, generalized to true JSONL append-with-reload instead
// of whole-snapshot rewrite for the tasks log.
type FileDataStore struct {
	mu sync.RWMutex

	workDir   string
	beadsDir  string
	jetpackDir string
	mailDir   string
	inboxDir  string
	outboxDir string
	archiveDir string

	tasksPath  string
	leasesPath string
	agentsPath string

	tasks map[string]*Task

	tasksFileSize    int64
	tasksFileModTime time.Time

	agents map[string]*Agent
	leases map[string]*Lease

	closed bool
	logger *zap.Logger
}

// taskRecord is the on-disk JSONL envelope. A record with Deleted=true is a
// tombstone; the last record for a given id wins on replay.
type taskRecord struct {
	Task
	Deleted bool `json:"deleted,omitempty"`
}

// NewFileDataStore opens (creating if necessary) the on-disk layout rooted
// at cfg.WorkDir and replays existing state into memory.
func NewFileDataStore(cfg Config, logger *zap.Logger) (*FileDataStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = "."
	}

	s := &FileDataStore{
		workDir:    workDir,
		beadsDir:   filepath.Join(workDir, ".beads"),
		jetpackDir: filepath.Join(workDir, ".jetpack"),
		tasks:      make(map[string]*Task),
		agents:     make(map[string]*Agent),
		leases:     make(map[string]*Lease),
		logger:     logger.With(zap.String("component", "store")),
	}
	s.mailDir = filepath.Join(s.jetpackDir, "mail")
	s.inboxDir = filepath.Join(s.mailDir, "inbox")
	s.outboxDir = filepath.Join(s.mailDir, "outbox")
	s.archiveDir = filepath.Join(s.mailDir, "archive")
	s.tasksPath = filepath.Join(s.beadsDir, "tasks.jsonl")
	s.leasesPath = filepath.Join(s.mailDir, "leases.json")
	s.agentsPath = filepath.Join(s.jetpackDir, "agents.json")

	for _, dir := range []string{s.beadsDir, s.jetpackDir, s.mailDir, s.inboxDir, s.outboxDir, s.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}

	if err := s.reloadTasksLocked(); err != nil {
		return nil, fmt.Errorf("store: load tasks: %w", err)
	}
	if err := s.loadLeasesLocked(); err != nil {
		return nil, fmt.Errorf("store: load leases: %w", err)
	}
	if err := s.loadAgentsLocked(); err != nil {
		return nil, fmt.Errorf("store: load agents: %w", err)
	}

	return s, nil
}

// reloadTasksLocked replays tasks.jsonl in full. Called with s.mu held.
//
// A growth-only incremental reload would avoid re-parsing the whole file on
// every tick, but the replay-to-latest-by-id semantics require scanning
// from the start whenever the file shrank or was rewritten externally, so
// this always re-derives state from a full scan and only skips work when
// neither size nor mtime changed since the last load.
func (s *FileDataStore) reloadTasksLocked() error {
	info, err := os.Stat(s.tasksPath)
	if os.IsNotExist(err) {
		s.tasks = make(map[string]*Task)
		s.tasksFileSize = 0
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() == s.tasksFileSize && info.ModTime().Equal(s.tasksFileModTime) {
		return nil
	}

	f, err := os.Open(s.tasksPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tasks := make(map[string]*Task)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var validBytes int64
	var lastLineTruncated bool
	var lastLen int64
	for scanner.Scan() {
		line := scanner.Bytes()
		lastLen = int64(len(line))
		validBytes += int64(len(line)) + 1 // +1 for the newline consumed by Scan
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec taskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed task record", zap.Error(err))
			continue
		}
		if rec.Deleted {
			delete(tasks, rec.ID)
			continue
		}
		t := rec.Task
		tasks[t.ID] = &t
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Scan also returns a final fragment with no newline; counting its
	// "newline" pushes validBytes past the file's true size. Those trailing
	// bytes are a partial write in progress — recoverable by truncation: we
	// simply don't count them as read, and the next reload (triggered once
	// the writer finishes and mtime/size change again) will pick up the
	// completed line.
	if validBytes > info.Size() {
		lastLineTruncated = true
		validBytes = info.Size() - lastLen
	}

	s.tasks = tasks
	s.tasksFileModTime = info.ModTime()
	if lastLineTruncated {
		// Re-check on the next call even if size/mtime look unchanged from
		// another process's perspective, by deliberately under-reporting
		// the size we consider "seen".
		s.tasksFileSize = validBytes
	} else {
		s.tasksFileSize = info.Size()
	}
	return nil
}

// appendTaskRecordLocked appends one JSONL record and updates the cached
// file size/mtime so reloadTasksLocked treats it as already seen.
func (s *FileDataStore) appendTaskRecordLocked(rec taskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.tasksPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	s.tasksFileSize = info.Size()
	s.tasksFileModTime = info.ModTime()
	return nil
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// NewTaskID generates a task id in the bd-<uuid> shape CreateTask assigns
// automatically, for callers (plan ingest) that need ids before the tasks
// they name exist yet, to resolve forward dependency references.
func NewTaskID() string {
	return newID("bd")
}

// CreateTask assigns an id/timestamps if absent and appends the record.
func (s *FileDataStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		return err
	}

	if task.ID == "" {
		task.ID = newID("bd")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}

	cp := *task
	if err := s.appendTaskRecordLocked(taskRecord{Task: cp}); err != nil {
		return err
	}
	s.tasks[cp.ID] = &cp
	return nil
}

// GetTask returns a copy of the task, or ErrNotFound.
func (s *FileDataStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTasks returns tasks matching filter, sorted by priority desc then
// createdAt asc (spec tie-breaking rule), deterministically.
func (s *FileDataStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		return nil, err
	}

	statusSet := make(map[TaskStatus]bool, len(filter.Status))
	for _, st := range filter.Status {
		statusSet[st] = true
	}

	result := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if filter.AssignedAgent != "" && t.AssignedAgent != filter.AssignedAgent {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority.Less(result[j].Priority)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*Task{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// UpdateTask loads the current task, applies mutate, stamps updatedAt, and
// appends the new record. mutate returning an error aborts without writing.
func (s *FileDataStore) UpdateTask(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.ID = id
	cp.UpdatedAt = time.Now()

	if err := s.appendTaskRecordLocked(taskRecord{Task: cp}); err != nil {
		return nil, err
	}
	s.tasks[id] = &cp
	out := cp
	return &out, nil
}

// DeleteTask appends a tombstone record.
func (s *FileDataStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		return err
	}
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendTaskRecordLocked(taskRecord{Task: Task{ID: id}, Deleted: true}); err != nil {
		return err
	}
	delete(s.tasks, id)
	return nil
}

// ClaimTask is the atomic compare-and-swap at the heart of the work-claim
// loop: it succeeds only if the task is currently pending or ready, and
// serializes concurrent callers through s.mu so exactly one succeeds.
func (s *FileDataStore) ClaimTask(ctx context.Context, id, agentID string) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ClaimResult{}, ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		return ClaimResult{}, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return ClaimResult{}, ErrNotFound
	}
	if t.Status != TaskStatusPending && t.Status != TaskStatusReady {
		return ClaimResult{Claimed: false}, nil
	}

	cp := *t
	cp.Status = TaskStatusClaimed
	cp.AssignedAgent = agentID
	cp.UpdatedAt = time.Now()

	if err := s.appendTaskRecordLocked(taskRecord{Task: cp}); err != nil {
		return ClaimResult{}, err
	}
	s.tasks[id] = &cp
	out := cp
	return ClaimResult{Claimed: true, Task: &out}, nil
}

// Close flushes nothing extra (every write is already fsynced) and marks
// the store unusable for further calls.
func (s *FileDataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ DataStore = (*FileDataStore)(nil)
