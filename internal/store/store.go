// Package store defines the capability surface every local storage engine
// implements: get/put/delete/query records by table and key, inside scoped
// transactions. Two engines back it, a SQLite file for the CLI and a JSON
// document file standing in for the browser's asynchronous document store.
// Everything above this package (migration runner, sync engine, session
// cache) depends only on the interface.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned by Tx.Get and Tx.Meta when no record exists
	// for the key. Absence is a normal outcome, not a failure; GetAs maps
	// it to a nil result.
	ErrNotFound = errors.New("record not found")

	// ErrNoMailbox is returned by Tx.Put when a mailbox-scoped record
	// references a mailbox that is not present in the local store.
	ErrNoMailbox = errors.New("mailbox not present in local store")
)

// Record is any persistable entity. Domain types implement it structurally;
// MailboxID returns "" for records that are not mailbox-scoped.
type Record interface {
	Table() string
	Key() string
	MailboxID() string
}

// Item is one stored record as returned by Query.
type Item struct {
	Key     string
	Mailbox string
	Data    json.RawMessage
}

// Query selects records from a table. A query with the zero value matches
// everything. Re-running a query evaluates over current state, not a
// snapshot; without Less the result is ordered by key so repeated runs are
// stable.
type Query struct {
	Mailbox string               // filter by owning mailbox when non-empty
	Where   func(Item) bool      // predicate over each candidate
	Less    func(a, b Item) bool // result ordering
	Limit   int                  // 0 means no limit
}

// Tx is a transaction scope. All writes commit atomically when the unit of
// work returns nil, or not at all.
type Tx interface {
	// Get returns the stored record, or ErrNotFound.
	Get(table, key string) (json.RawMessage, error)
	// Put upserts the record by its key.
	Put(rec Record) error
	// Delete removes the record. Deleting a missing key is a no-op.
	Delete(table, key string) error
	// Query returns the matching records.
	Query(table string, q Query) ([]Item, error)
	// EnsureTable creates the table if it does not exist yet.
	EnsureTable(table string) error
	// Meta returns the schema-level metadata value for key, or ErrNotFound.
	Meta(key string) (string, error)
	// SetMeta upserts a schema-level metadata value.
	SetMeta(key, value string) error
}

// Store is a local storage engine. View runs a read-only unit of work,
// Update a read-write one. Update guarantees rollback on every exit path,
// including panics, and propagates the unit of work's error after rolling
// back. Readers never observe a partially committed Update.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// GetAs decodes the record at (table, key) into T. Absence is not an
// error: it returns (nil, nil).
func GetAs[T any](tx Tx, table, key string) (*T, error) {
	raw, err := tx.Get(table, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// QueryAs runs q against table and decodes every result into T.
func QueryAs[T any](tx Tx, table string, q Query) ([]T, error) {
	items, err := tx.Query(table, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		var v T
		if err := json.Unmarshal(it.Data, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
