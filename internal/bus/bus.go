// Package bus implements the message bus: direct and broadcast delivery
// over store.DataStore, handler dispatch via a poll loop, and a secondary
// FTS5 search index for search/getThread/deleteOlderThan.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jetpackd/jetpackd/internal/store"
)

// Handler processes a delivered message. A non-nil error leaves the
// message unarchived so the next poll retries it.
type Handler func(ctx context.Context, msg *store.Message) error

// SubscriptionID identifies one Subscribe call for a later Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

const DefaultPollInterval = 2 * time.Second

// Bus is the runtime message bus for one agent process: it polls its own
// inbox and the broadcast outbox, dispatches to registered handlers, and
// keeps the search index current.
type Bus struct {
	ds     store.DataStore
	index  *Index
	logger *zap.Logger

	agentID      string
	pollInterval time.Duration

	mu        sync.RWMutex
	handlers  map[store.MessageType][]subscription
	nextSubID SubscriptionID

	running  bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) { b.pollInterval = d }
}

// WithIndex attaches a search index. Without one, Search/GetThread are
// unavailable but delivery still works.
func WithIndex(idx *Index) Option {
	return func(b *Bus) { b.index = idx }
}

// New constructs a Bus for agentID.
func New(ds store.DataStore, agentID string, logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		ds:           ds,
		logger:       logger.With(zap.String("component", "bus"), zap.String("agentId", agentID)),
		agentID:      agentID,
		pollInterval: DefaultPollInterval,
		handlers:     make(map[store.MessageType][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler to run for every delivered message of type
// msgType. Multiple handlers for the same type all run, in registration
// order. The returned id can later be passed to Unsubscribe.
func (b *Bus) Subscribe(msgType store.MessageType, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.handlers[msgType] = append(b.handlers[msgType], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the handler registered under id for msgType. A
// no-op if id is unknown or already removed.
func (b *Bus) Unsubscribe(msgType store.MessageType, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[msgType]
	for i, s := range subs {
		if s.id == id {
			b.handlers[msgType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends msg and indexes it if a search index is attached.
func (b *Bus) Publish(ctx context.Context, msg *store.Message) error {
	if msg.From == "" {
		msg.From = b.agentID
	}
	if err := b.ds.PublishMessage(ctx, msg); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	if b.index != nil {
		if err := b.index.IndexMessage(ctx, msg); err != nil {
			b.logger.Warn("index message failed", zap.String("messageId", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// SendHeartbeat publishes a broadcast heartbeat message. Heartbeat is an
// ordinary message type; the bus gives it no special handling beyond
// this convenience constructor.
func (b *Bus) SendHeartbeat(ctx context.Context, payload map[string]any) error {
	return b.Publish(ctx, &store.Message{
		Type:    store.MessageTypeHeartbeat,
		From:    b.agentID,
		Payload: payload,
	})
}

// Start begins the poll loop that delivers inbox and broadcast messages
// to registered handlers.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bus: already running for agent %s", b.agentID)
	}
	b.running = true
	b.stopChan = make(chan struct{})
	b.doneChan = make(chan struct{})
	b.stopOnce = sync.Once{}
	b.mu.Unlock()

	go b.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to drain, up to 5 seconds.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bus: not running for agent %s", b.agentID)
	}
	b.running = false
	done := b.doneChan
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("stop timed out waiting for poll loop to drain")
	}
	return nil
}

func (b *Bus) pollLoop(ctx context.Context) {
	defer close(b.doneChan)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.poll(ctx); err != nil {
				b.logger.Warn("poll failed", zap.Error(err))
			}
		}
	}
}

func (b *Bus) poll(ctx context.Context) error {
	direct, err := b.ds.ReceiveInbox(ctx, b.agentID)
	if err != nil {
		return fmt.Errorf("bus: receive inbox: %w", err)
	}
	broadcast, err := b.ds.ReceiveBroadcast(ctx, b.agentID)
	if err != nil {
		return fmt.Errorf("bus: receive broadcast: %w", err)
	}

	for _, msg := range direct {
		b.deliver(ctx, msg)
	}
	for _, msg := range broadcast {
		b.deliver(ctx, msg)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, msg *store.Message) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[msg.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler(ctx, msg); err != nil {
			b.logger.Warn("handler failed, message left unarchived",
				zap.String("messageId", msg.ID), zap.String("type", string(msg.Type)), zap.Error(err))
			return
		}
	}

	if err := b.ds.ArchiveMessage(ctx, msg, b.agentID); err != nil {
		b.logger.Warn("archive message failed", zap.String("messageId", msg.ID), zap.Error(err))
	}
}

// Acknowledge marks a delivered ack-required message acknowledged.
func (b *Bus) Acknowledge(ctx context.Context, messageID string) (*store.Message, error) {
	return b.ds.AcknowledgeMessage(ctx, messageID, b.agentID)
}

// GetAckStatus reports acknowledgement state for messageID.
func (b *Bus) GetAckStatus(ctx context.Context, messageID string) (store.AckStatus, error) {
	return b.ds.GetAckStatus(ctx, messageID)
}

// GetUnacknowledgedMessages lists every ack-required message still
// awaiting acknowledgement.
func (b *Bus) GetUnacknowledgedMessages(ctx context.Context) ([]*store.Message, error) {
	return b.ds.GetUnacknowledgedMessages(ctx)
}

// Search runs a query against the attached search index, returning
// matching message ids. Returns an error if no index was attached.
func (b *Bus) Search(ctx context.Context, query string, filter store.MessageFilter) ([]string, error) {
	if b.index == nil {
		return nil, fmt.Errorf("bus: no search index attached")
	}
	return b.index.Search(ctx, query, filter)
}

// GetRecent returns the ids of the most recently published messages,
// newest first, bounded by limit.
func (b *Bus) GetRecent(ctx context.Context, limit int) ([]string, error) {
	return b.Search(ctx, "", store.MessageFilter{Limit: limit})
}

// GetThread returns every message id sharing correlationID, oldest first.
func (b *Bus) GetThread(ctx context.Context, correlationID string) ([]string, error) {
	if b.index == nil {
		return nil, fmt.Errorf("bus: no search index attached")
	}
	return b.index.GetThread(ctx, correlationID)
}

// DeleteOlderThan prunes both the underlying durable message store and the
// search index of entries older than t, returning the count removed from
// the store. The index is pruned first: if it fails, the store is left
// untouched rather than deleting records the index can no longer find.
func (b *Bus) DeleteOlderThan(ctx context.Context, t time.Time) (int, error) {
	if b.index == nil {
		return 0, fmt.Errorf("bus: no search index attached")
	}
	if _, err := b.index.DeleteOlderThan(ctx, t); err != nil {
		return 0, fmt.Errorf("bus: prune index: %w", err)
	}
	removed, err := b.ds.DeleteMessagesOlderThan(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("bus: prune store: %w", err)
	}
	return removed, nil
}
