// Package docstore implements the store interface over an in-memory
// document map persisted as a single JSON file. It mirrors the browser
// deployment's asynchronous document database: no engine-level schema or
// foreign keys, whole-document reads and writes, cooperative single-writer
// access. With an empty path the store is memory-only, which is what the
// demo mode and tests use.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/RiskyMH/emailthing/internal/store"
)

type document struct {
	Mailbox string          `json:"mailbox_id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// fileImage is the on-disk encoding. Table and meta key names are part of
// the persisted schema and must stay stable across migrations.
type fileImage struct {
	Meta   map[string]string              `json:"meta"`
	Tables map[string]map[string]document `json:"tables"`
}

// Store implements store.Store over JSON documents.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	meta   map[string]string
	tables map[string]map[string]document
}

// Open loads the document store at path, creating it on first use. An
// empty path keeps the store memory-only.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger,
		meta:   make(map[string]string),
		tables: make(map[string]map[string]document),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document store: %w", err)
	}

	var img fileImage
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to decode document store %s: %w", path, err)
	}
	if img.Meta != nil {
		s.meta = img.Meta
	}
	if img.Tables != nil {
		s.tables = img.Tables
	}
	return s, nil
}

// View runs fn against current state. The store mutex serializes it with
// writers, so a reader sees either pre- or post-commit state, never a
// partial Update.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{s: s, readonly: true})
}

// Update runs fn with staged writes. The stage is applied to the live maps
// and persisted only when fn returns nil; any error discards it entirely.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		s:      s,
		staged: make(map[string]map[string]document),
	}
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(t)
}

// commit swaps staged tables in and persists. Persistence happens before
// the swap so a failed write leaves the in-memory state untouched.
func (s *Store) commit(t *tx) error {
	if len(t.staged) == 0 && t.stagedMeta == nil {
		return nil
	}

	meta := s.meta
	if t.stagedMeta != nil {
		meta = t.stagedMeta
	}
	tables := make(map[string]map[string]document, len(s.tables)+len(t.staged))
	for name, tbl := range s.tables {
		tables[name] = tbl
	}
	for name, tbl := range t.staged {
		tables[name] = tbl
	}

	if err := s.persist(fileImage{Meta: meta, Tables: tables}); err != nil {
		s.logger.Error("failed to persist document store; commit dropped", "path", s.path, "error", err)
		return err
	}

	s.meta = meta
	s.tables = tables
	s.logger.Debug("committed document store", "tables", len(t.staged), "meta", t.stagedMeta != nil)
	return nil
}

// persist writes the image to a temp file and renames it over the store
// file, so the on-disk image is always a complete commit.
func (s *Store) persist(img fileImage) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create document store directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write document store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace document store: %w", err)
	}
	return nil
}

// Close is a no-op: every Update already persisted its commit.
func (s *Store) Close() error {
	return nil
}

// tx stages writes per table. A table's map is cloned on first write;
// reads consult the stage first, then the live maps.
type tx struct {
	s          *Store
	readonly   bool
	staged     map[string]map[string]document
	stagedMeta map[string]string
}

func (t *tx) table(name string) (map[string]document, bool) {
	if tbl, ok := t.staged[name]; ok {
		return tbl, true
	}
	tbl, ok := t.s.tables[name]
	return tbl, ok
}

// stageTable clones the live table into the stage on first write.
func (t *tx) stageTable(name string) map[string]document {
	if tbl, ok := t.staged[name]; ok {
		return tbl
	}
	live := t.s.tables[name]
	tbl := make(map[string]document, len(live))
	for k, v := range live {
		tbl[k] = v
	}
	t.staged[name] = tbl
	return tbl
}

func (t *tx) EnsureTable(name string) error {
	if t.readonly {
		return fmt.Errorf("cannot create table %q in a read-only transaction", name)
	}
	if _, ok := t.table(name); !ok {
		t.staged[name] = make(map[string]document)
	}
	return nil
}

func (t *tx) Get(table, key string) (json.RawMessage, error) {
	tbl, ok := t.table(table)
	if !ok {
		return nil, store.ErrNotFound
	}
	doc, ok := tbl[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return doc.Data, nil
}

func (t *tx) Put(rec store.Record) error {
	if t.readonly {
		return fmt.Errorf("cannot write %s/%s in a read-only transaction", rec.Table(), rec.Key())
	}
	data, err := store.PreparePut(t, rec)
	if err != nil {
		return err
	}
	tbl := t.stageTable(rec.Table())
	tbl[rec.Key()] = document{Mailbox: rec.MailboxID(), Data: data}
	return nil
}

func (t *tx) Delete(table, key string) error {
	if t.readonly {
		return fmt.Errorf("cannot delete %s/%s in a read-only transaction", table, key)
	}
	tbl, ok := t.table(table)
	if !ok {
		return nil
	}
	if _, ok := tbl[key]; !ok {
		return nil
	}
	delete(t.stageTable(table), key)
	return nil
}

func (t *tx) Query(table string, q store.Query) ([]store.Item, error) {
	tbl, _ := t.table(table)
	items := make([]store.Item, 0, len(tbl))
	for key, doc := range tbl {
		items = append(items, store.Item{Key: key, Mailbox: doc.Mailbox, Data: doc.Data})
	}
	return store.FilterSort(items, q), nil
}

func (t *tx) Meta(key string) (string, error) {
	if t.stagedMeta != nil {
		if v, ok := t.stagedMeta[key]; ok {
			return v, nil
		}
		return "", store.ErrNotFound
	}
	v, ok := t.s.meta[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (t *tx) SetMeta(key, value string) error {
	if t.readonly {
		return fmt.Errorf("cannot set meta %s in a read-only transaction", key)
	}
	if t.stagedMeta == nil {
		t.stagedMeta = make(map[string]string, len(t.s.meta)+1)
		for k, v := range t.s.meta {
			t.stagedMeta[k] = v
		}
	}
	t.stagedMeta[key] = value
	return nil
}
