package store

import (
	"context"
	"time"
)

// Stats aggregates counts across tasks, agents, leases, and unacknowledged
// messages for the getStats API surface call.
func (s *FileDataStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if err := s.reloadTasksLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.loadLeasesLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	stats := &Stats{
		TasksByStatus:  make(map[TaskStatus]int),
		AgentsByStatus: make(map[AgentStatus]int),
	}
	for _, t := range s.tasks {
		stats.TotalTasks++
		stats.TasksByStatus[t.Status]++
	}
	for _, a := range s.agents {
		stats.TotalAgents++
		stats.AgentsByStatus[a.Status]++
	}
	now := time.Now()
	for _, l := range s.leases {
		if !l.Expired(now) {
			stats.ActiveLeases++
		}
	}
	s.mu.Unlock()

	unacked, err := s.GetUnacknowledgedMessages(ctx)
	if err != nil {
		return nil, err
	}
	stats.UnackedMessages = len(unacked)
	return stats, nil
}
