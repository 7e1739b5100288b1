// Package sqlite implements the store interface over a single SQLite file.
// Every logical table shares one physical shape: (key, mailbox_id, data),
// with the record body stored as JSON. The file's native locking guards
// against a second CLI process writing concurrently.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RiskyMH/emailthing/internal/store"
)

// metaSchema is applied at open, before any migration can run: the
// migration runner itself needs somewhere to read the schema version from.
const metaSchema = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// DB implements store.Store over a SQLite database.
type DB struct {
	db *sqlx.DB
}

// New opens a SQLite database at the given DSN. Use ":memory:" for an
// in-memory database.
func New(dsn string) (*DB, error) {
	connStr := dsn
	if dsn != ":memory:" {
		connStr = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: keeps :memory: databases coherent and matches the
	// single-writer model the adapter contract assumes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(metaSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create meta table: %w", err)
	}

	return &DB{db: db}, nil
}

// View runs fn in a read-only transaction scope.
func (s *DB) View(ctx context.Context, fn func(store.Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txx.Rollback()
	return fn(&tx{tx: txx, readonly: true})
}

// Update runs fn in a write transaction. All writes commit atomically when
// fn returns nil; any error or panic rolls everything back.
func (s *DB) Update(ctx context.Context, fn func(store.Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer txx.Rollback()

	if err := fn(&tx{tx: txx}); err != nil {
		return err
	}
	if err := txx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

type tx struct {
	tx       *sqlx.Tx
	readonly bool
}

func validTable(table string) error {
	if !tableNameRe.MatchString(table) || table == "meta" {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

func (t *tx) EnsureTable(table string) error {
	if err := validTable(table); err != nil {
		return err
	}
	if t.readonly {
		return fmt.Errorf("cannot create table %q in a read-only transaction", table)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
		    key        TEXT PRIMARY KEY,
		    mailbox_id TEXT NOT NULL DEFAULT '',
		    data       TEXT NOT NULL,
		    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS %q ON %q(mailbox_id);`,
		table, "idx_"+table+"_mailbox", table)
	if _, err := t.tx.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create table %q: %w", table, err)
	}
	return nil
}

// tableExists reports whether the physical table has been created yet.
// Reads from tables a migration has not created behave like reads from an
// empty table, matching the document engine.
func (t *tx) tableExists(table string) (bool, error) {
	var name string
	err := t.tx.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check table %q: %w", table, err)
	}
	return true, nil
}

func (t *tx) Get(table, key string) (json.RawMessage, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if ok, err := t.tableExists(table); err != nil {
		return nil, err
	} else if !ok {
		return nil, store.ErrNotFound
	}
	var data string
	err := t.tx.QueryRow(fmt.Sprintf(`SELECT data FROM %q WHERE key = ?`, table), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}
	return json.RawMessage(data), nil
}

func (t *tx) Put(rec store.Record) error {
	if err := validTable(rec.Table()); err != nil {
		return err
	}
	if t.readonly {
		return fmt.Errorf("cannot write %s/%s in a read-only transaction", rec.Table(), rec.Key())
	}
	data, err := store.PreparePut(t, rec)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(fmt.Sprintf(`
		INSERT INTO %q (key, mailbox_id, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			mailbox_id = excluded.mailbox_id,
			data       = excluded.data,
			updated_at = excluded.updated_at`, rec.Table()),
		rec.Key(), rec.MailboxID(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", rec.Table(), rec.Key(), err)
	}
	return nil
}

func (t *tx) Delete(table, key string) error {
	if err := validTable(table); err != nil {
		return err
	}
	if t.readonly {
		return fmt.Errorf("cannot delete %s/%s in a read-only transaction", table, key)
	}
	if ok, err := t.tableExists(table); err != nil {
		return err
	} else if !ok {
		return nil
	}
	// Missing keys are a no-op by contract.
	if _, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %q WHERE key = ?`, table), key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (t *tx) Query(table string, q store.Query) ([]store.Item, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if ok, err := t.tableExists(table); err != nil {
		return nil, err
	} else if !ok {
		return store.FilterSort(nil, q), nil
	}

	query := fmt.Sprintf(`SELECT key, mailbox_id, data FROM %q`, table)
	var args []any
	if q.Mailbox != "" {
		query += ` WHERE mailbox_id = ?`
		args = append(args, q.Mailbox)
	}

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		var it store.Item
		var data string
		if err := rows.Scan(&it.Key, &it.Mailbox, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		it.Data = json.RawMessage(data)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", table, err)
	}

	return store.FilterSort(items, q), nil
}

func (t *tx) Meta(key string) (string, error) {
	var value string
	err := t.tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

func (t *tx) SetMeta(key, value string) error {
	if t.readonly {
		return fmt.Errorf("cannot set meta %s in a read-only transaction", key)
	}
	_, err := t.tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}
