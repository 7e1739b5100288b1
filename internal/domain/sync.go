package domain

import (
	"encoding/json"
	"time"
)

// SyncState is the checkpoint for one (table, mailbox) pair. Cursor is an
// opaque marker supplied by the server; it only ever moves forward.
type SyncState struct {
	TableName string    `json:"table"`
	Mailbox   string    `json:"mailbox_id"`
	Cursor    string    `json:"cursor"`
	Count     int       `json:"count"`
	SyncedAt  time.Time `json:"synced_at"`
}

// SyncStateKey builds the composite key for a (table, mailbox) pair.
func SyncStateKey(table, mailboxID string) string {
	return table + "/" + mailboxID
}

func (s *SyncState) Table() string     { return TableSyncState }
func (s *SyncState) Key() string       { return SyncStateKey(s.TableName, s.Mailbox) }
func (s *SyncState) MailboxID() string { return s.Mailbox }

// Pending write operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// PendingWrite is a local mutation made while offline, queued for replay
// against the remote server before the next pull.
type PendingWrite struct {
	ID       string          `json:"id"`
	Entity   string          `json:"entity_table"`
	EntityID string          `json:"entity_id"`
	Mailbox  string          `json:"mailbox_id"`
	Op       string          `json:"op"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	QueuedAt time.Time       `json:"queued_at"`
}

func (p *PendingWrite) Table() string     { return TablePendingWrites }
func (p *PendingWrite) Key() string       { return p.ID }
func (p *PendingWrite) MailboxID() string { return p.Mailbox }
