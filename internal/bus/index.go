package bus

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jetpackd/jetpackd/internal/pool"
	"github.com/jetpackd/jetpackd/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// indexRow is the non-FTS structural projection of a message, queried
// through gorm for filtered lookups (type/from/to/correlationId/time
// range); free-text search goes through the paired message_fts virtual
// table with raw MATCH queries instead.
type indexRow struct {
	ID            string `gorm:"column:id;primaryKey"`
	Type          string `gorm:"column:type"`
	FromAgent     string `gorm:"column:from_agent"`
	ToAgent       string `gorm:"column:to_agent"`
	CorrelationID string `gorm:"column:correlation_id"`
	TimestampUnix int64  `gorm:"column:timestamp_unix"`
}

func (indexRow) TableName() string { return "message_index" }

// indexWriteConcurrency bounds how many IndexMessage calls may run their
// write transaction against the shared SQLite handle at once. SQLite
// serializes writers internally regardless; the pool exists so a burst of
// concurrent Publish calls queues behind a small worker count instead of
// spawning one goroutine's worth of blocked writers per message.
const indexWriteConcurrency = 4

// Index is the embedded SQLite FTS5 secondary search index over messages:
// structural filters through gorm, free-text phrases through FTS5 MATCH.
type Index struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	writes *pool.GoroutinePool
}

// OpenIndex opens (creating if necessary) the FTS5 index at path and runs
// any pending migrations from the embedded migration source.
func OpenIndex(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("bus: open index: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("bus: underlying sql.DB: %w", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		return nil, fmt.Errorf("bus: migrate index: %w", err)
	}

	writes := pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: indexWriteConcurrency,
		QueueSize:  64,
	})

	return &Index{
		db:     gdb,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "bus.index")),
		writes: writes,
	}, nil
}

func runMigrations(sqlDB *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := newMigrateDriver(sqlDB)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "modernc-sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close drains the write pool and releases the underlying database handle.
func (idx *Index) Close() error {
	idx.writes.Close()
	return idx.sqlDB.Close()
}

// IndexMessage upserts msg's structural row and FTS5 payload projection.
// The write itself runs on the bounded write pool so a burst of concurrent
// publishes serializes through a small worker count rather than spawning a
// goroutine's worth of blocked writers per caller.
func (idx *Index) IndexMessage(ctx context.Context, msg *store.Message) error {
	return idx.writes.SubmitWait(ctx, func(ctx context.Context) error {
		return idx.writeMessage(ctx, msg)
	})
}

func (idx *Index) writeMessage(ctx context.Context, msg *store.Message) error {
	row := indexRow{
		ID:            msg.ID,
		Type:          string(msg.Type),
		FromAgent:     msg.From,
		ToAgent:       msg.To,
		CorrelationID: msg.CorrelationID,
		TimestampUnix: msg.Timestamp.Unix(),
	}
	if err := idx.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("bus: index structural row: %w", err)
	}

	return upsertFTSRow(ctx, idx.sqlDB, msg.ID, payloadToText(msg.Payload))
}

// upsertFTSRow replaces id's row in the message_fts virtual table with
// text. Split out from writeMessage so the raw SQL it issues can be
// exercised against a mocked *sql.DB, independent of the gorm-managed
// structural half of the index.
func upsertFTSRow(ctx context.Context, sqlDB *sql.DB, id, text string) error {
	if _, err := sqlDB.ExecContext(ctx, `DELETE FROM message_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("bus: clear fts row: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx,
		`INSERT INTO message_fts (id, payload_text) VALUES (?, ?)`, id, text); err != nil {
		return fmt.Errorf("bus: index fts row: %w", err)
	}
	return nil
}

// matchFTS runs the free-text MATCH query against the message_fts virtual
// table, returning the set of matching message ids. Kept free of gorm so
// its SQL can be exercised against a mocked *sql.DB.
func matchFTS(ctx context.Context, sqlDB *sql.DB, query string) (map[string]bool, error) {
	rows, err := sqlDB.QueryContext(ctx, `SELECT id FROM message_fts WHERE message_fts MATCH ?`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matched := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		matched[id] = true
	}
	return matched, rows.Err()
}

func payloadToText(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return ""
	}
	return buf.String()
}

// Search returns message ids matching query and filter, sorted by
// timestamp descending. A non-empty query additionally requires an FTS5
// MATCH against the payload text projection.
func (idx *Index) Search(ctx context.Context, query string, filter store.MessageFilter) ([]string, error) {
	var ids []string

	if query != "" {
		matched, err := matchFTS(ctx, idx.sqlDB, query)
		if err != nil {
			return nil, fmt.Errorf("bus: fts search: %w", err)
		}
		if len(matched) == 0 {
			return nil, nil
		}
		ids = make([]string, 0, len(matched))
		for id := range matched {
			ids = append(ids, id)
		}
	}

	q := idx.db.WithContext(ctx).Model(&indexRow{})
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	if filter.From != "" {
		q = q.Where("from_agent = ?", filter.From)
	}
	if filter.To != "" {
		q = q.Where("to_agent = ?", filter.To)
	}
	if filter.CorrelationID != "" {
		q = q.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.Since != nil {
		q = q.Where("timestamp_unix >= ?", filter.Since.Unix())
	}
	if filter.Until != nil {
		q = q.Where("timestamp_unix <= ?", filter.Until.Unix())
	}
	q = q.Order("timestamp_unix DESC")
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []indexRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("bus: structural search: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out, nil
}

// GetThread returns every message id in correlationId's thread, sorted
// ascending by timestamp.
func (idx *Index) GetThread(ctx context.Context, correlationID string) ([]string, error) {
	var rows []indexRow
	err := idx.db.WithContext(ctx).
		Where("correlation_id = ? OR id = ?", correlationID, correlationID).
		Order("timestamp_unix ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("bus: get thread: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out, nil
}

// DeleteOlderThan prunes index rows (structural + FTS5) older than t.
// Bus.DeleteOlderThan pairs this with DataStore.DeleteMessagesOlderThan so
// retention clears both the index and the underlying message store.
func (idx *Index) DeleteOlderThan(ctx context.Context, t time.Time) (int, error) {
	var stale []indexRow
	if err := idx.db.WithContext(ctx).Where("timestamp_unix < ?", t.Unix()).Find(&stale).Error; err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	placeholders := make([]string, len(stale))
	args := make([]any, len(stale))
	for i, r := range stale {
		ids[i] = r.ID
		placeholders[i] = "?"
		args[i] = r.ID
	}
	if _, err := idx.sqlDB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM message_fts WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...); err != nil {
		return 0, err
	}
	if err := idx.db.WithContext(ctx).Where("id IN ?", ids).Delete(&indexRow{}).Error; err != nil {
		return 0, err
	}
	return len(ids), nil
}
