package bus

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/golang-migrate/migrate/v4/database"
)

// modercSQLiteDriver adapts golang-migrate's database.Driver interface to
// a *sql.DB opened through modernc.org/sqlite. golang-migrate ships a
// sqlite3 driver, but it is built on the CGo mattn/go-sqlite3 binding;
// this module deliberately stays CGo-free, so the index runs its own
// minimal driver against the already-open connection instead, following
// the same Open/Lock/Run/SetVersion/Version contract the bundled drivers
// implement.
type modercSQLiteDriver struct {
	db *sql.DB
	mu sync.Mutex
}

const migrationsTable = "schema_migrations"

func newMigrateDriver(db *sql.DB) (database.Driver, error) {
	d := &modercSQLiteDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *modercSQLiteDriver) ensureVersionTable() error {
	_, err := d.db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL PRIMARY KEY, dirty BOOLEAN NOT NULL)`,
		migrationsTable))
	return err
}

// Open is unused: this driver is always constructed via newMigrateDriver
// around an already-open connection, never from a migrate source URL.
func (d *modercSQLiteDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("bus: modernc sqlite migrate driver does not support Open(url); use newMigrateDriver")
}

func (d *modercSQLiteDriver) Close() error {
	return nil
}

// Lock and Unlock serialize migrations within this process through an
// in-process mutex; no cross-process lock is taken.
func (d *modercSQLiteDriver) Lock() error {
	d.mu.Lock()
	return nil
}

func (d *modercSQLiteDriver) Unlock() error {
	d.mu.Unlock()
	return nil
}

func (d *modercSQLiteDriver) Run(migration io.Reader) error {
	body, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	if _, err := d.db.Exec(string(body)); err != nil {
		return fmt.Errorf("bus: apply migration: %w", err)
	}
	return nil
}

func (d *modercSQLiteDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s`, migrationsTable)); err != nil {
		tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES (?, ?)`, migrationsTable),
			version, dirty); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *modercSQLiteDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.db.QueryRow(fmt.Sprintf(`SELECT version, dirty FROM %s LIMIT 1`, migrationsTable)).
		Scan(&version, &dirty)
	if err == sql.ErrNoRows {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}

func (d *modercSQLiteDriver) Drop() error {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, table := range tables {
		if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
			return err
		}
	}
	return d.ensureVersionTable()
}
