package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cursorPath returns the path of the file tracking which outbox message
// ids agentID has already consumed.
func (s *FileDataStore) cursorPath(agentID string) string {
	return filepath.Join(s.outboxDir, ".cursor-"+agentID)
}

// readCursorLocked returns the set of outbox message ids agentID has
// already processed.
func (s *FileDataStore) readCursorLocked(agentID string) (map[string]bool, error) {
	f, err := os.Open(s.cursorPath(agentID))
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			seen[line] = true
		}
	}
	return seen, scanner.Err()
}

func (s *FileDataStore) appendCursorLocked(agentID, msgID string) error {
	f, err := os.OpenFile(s.cursorPath(agentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(msgID + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// messageFilePath returns the path a message is stored at given its
// delivery mode.
func (s *FileDataStore) messageFilePath(msg *Message) string {
	if msg.IsBroadcast() {
		return filepath.Join(s.outboxDir, msg.ID+".json")
	}
	return filepath.Join(s.inboxDir, msg.To, msg.ID+".json")
}

// PublishMessage assigns an id/timestamp if absent and writes the message
// file to the recipient's inbox (direct) or the shared outbox (broadcast).
func (s *FileDataStore) PublishMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.Type == "" || msg.From == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
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

	if !msg.IsBroadcast() {
		if err := os.MkdirAll(filepath.Join(s.inboxDir, msg.To), 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}
	path := s.messageFilePath(msg)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readMessageFile reads and parses one message file, quarantining it (by
// renaming with a malformed- prefix) if it is empty or fails to parse so
// polling does not retry it forever.
func readMessageFile(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		quarantine(path)
		return nil, ErrMalformedRecord
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		quarantine(path)
		return nil, ErrMalformedRecord
	}
	return &msg, nil
}

func quarantine(path string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	_ = os.Rename(path, filepath.Join(dir, "malformed-"+base))
}

// ReceiveInbox returns every message currently in agentID's inbox
// directory, quarantining malformed files along the way.
func (s *FileDataStore) ReceiveInbox(ctx context.Context, agentID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	dir := filepath.Join(s.inboxDir, agentID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*Message
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), "malformed-") {
			continue
		}
		msg, err := readMessageFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ReceiveBroadcast returns every outbox message agentID has not yet
// processed, per its cursor file.
func (s *FileDataStore) ReceiveBroadcast(ctx context.Context, agentID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	seen, err := s.readCursorLocked(agentID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.outboxDir)
	if err != nil {
		return nil, err
	}

	var out []*Message
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "malformed-") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if seen[id] {
			continue
		}
		msg, err := readMessageFile(filepath.Join(s.outboxDir, name))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ArchiveMessage marks msg delivered to consumingAgentID. See the
// DataStore interface doc comment for the direct-vs-broadcast distinction.
func (s *FileDataStore) ArchiveMessage(ctx context.Context, msg *Message, consumingAgentID string) error {
	if msg == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if msg.IsBroadcast() {
		return s.appendCursorLocked(consumingAgentID, msg.ID)
	}

	src := filepath.Join(s.inboxDir, msg.To, msg.ID+".json")
	dst := filepath.Join(s.archiveDir, msg.ID+".json")
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil // already archived
		}
		return err
	}
	return nil
}

// findMessageFile searches archive, outbox, and every inbox subdirectory
// for id, returning its path, or "" if not found.
func (s *FileDataStore) findMessageFile(id string) (string, error) {
	candidates := []string{
		filepath.Join(s.archiveDir, id+".json"),
		filepath.Join(s.outboxDir, id+".json"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	entries, err := os.ReadDir(s.inboxDir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.inboxDir, e.Name(), id+".json")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// AcknowledgeMessage stamps ackedAt/ackedBy on the message wherever it
// currently lives, rewriting that file atomically in place.
func (s *FileDataStore) AcknowledgeMessage(ctx context.Context, id, agentID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	path, err := s.findMessageFile(id)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, ErrNotFound
	}
	msg, err := readMessageFile(path)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	msg.AckedAt = &now
	msg.AckedBy = agentID

	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetAckStatus reports the acknowledgement state of message id.
func (s *FileDataStore) GetAckStatus(ctx context.Context, id string) (AckStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AckStatus{}, ErrStoreClosed
	}
	path, err := s.findMessageFile(id)
	if err != nil {
		return AckStatus{}, err
	}
	if path == "" {
		return AckStatus{}, ErrNotFound
	}
	msg, err := readMessageFile(path)
	if err != nil {
		return AckStatus{}, err
	}
	return AckStatus{
		AckRequired: msg.AckRequired,
		Acked:       msg.Acked(),
		AckedAt:     msg.AckedAt,
		AckedBy:     msg.AckedBy,
	}, nil
}

// GetUnacknowledgedMessages scans archive+outbox for ack-required,
// unacknowledged messages.
func (s *FileDataStore) GetUnacknowledgedMessages(ctx context.Context) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*Message
	for _, dir := range []string{s.archiveDir, s.outboxDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "malformed-") || strings.HasPrefix(name, ".cursor-") {
				continue
			}
			msg, err := readMessageFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if msg.AckRequired && !msg.Acked() {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

// DeleteMessagesOlderThan removes archived and outbox message files whose
// Timestamp is before t, returning the count removed. Inbox files are left
// alone: an undelivered direct message is still live work, not history to
// prune.
func (s *FileDataStore) DeleteMessagesOlderThan(ctx context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	removed := 0
	for _, dir := range []string{s.archiveDir, s.outboxDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "malformed-") {
				continue
			}
			path := filepath.Join(dir, name)
			msg, err := readMessageFile(path)
			if err != nil {
				continue
			}
			if msg.Timestamp.Before(t) {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, nil
}
