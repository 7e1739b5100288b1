// Package app orchestrates synchronization between the remote server and
// the local store. Pulls are idempotent and resumable: each (table,
// mailbox) pair has a cursor checkpoint that advances in the same
// transaction as the batch it covers, so a crash mid-pull never moves a
// checkpoint past unapplied data.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/remote"
	"github.com/RiskyMH/emailthing/internal/store"
)

var (
	// ErrNetwork marks a pull aborted by a transport failure. The
	// cursor is untouched; the next sync retries from the same point.
	ErrNetwork = errors.New("sync: network error")

	// ErrApply marks a batch that failed to apply locally. The batch's
	// transaction rolled back, so the next sync retries it from the last
	// good cursor.
	ErrApply = errors.New("sync: failed to apply batch")
)

// MetaLastSync is the meta key recording when the last full sync pass
// finished, used for the staleness indicator.
const MetaLastSync = "last_sync_at"

const defaultBinRetention = 30 * 24 * time.Hour

// SyncService reconciles local tables against the remote server for one
// session.
type SyncService struct {
	store        store.Store
	remote       remote.Client
	logger       *slog.Logger
	binRetention time.Duration

	// Serializes passes per (table, mailbox): a pass started while one
	// is in flight for the same pair waits instead of interleaving.
	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// NewSyncService creates a SyncService over the given store and remote.
func NewSyncService(s store.Store, r remote.Client, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:        s,
		remote:       r,
		logger:       logger,
		binRetention: defaultBinRetention,
		inflight:     make(map[string]*sync.Mutex),
	}
}

// SetBinRetention overrides how long binned emails are kept before the
// local hard-delete sweep removes them.
func (s *SyncService) SetBinRetention(d time.Duration) {
	if d > 0 {
		s.binRetention = d
	}
}

// Sync runs one full pass for the session: replay the pending-write queue,
// pull deltas for every syncable table of every mailbox, then sweep
// expired binned emails. The session is passed in explicitly; the service
// holds no current-session state of its own.
func (s *SyncService) Sync(ctx context.Context, sess *domain.Session) error {
	if err := s.replayQueue(ctx); err != nil {
		return err
	}

	for _, mailboxID := range sess.MailboxIDs {
		for _, table := range domain.SyncableTables {
			if err := s.SyncTable(ctx, table, mailboxID); err != nil {
				return err
			}
		}
	}

	if err := s.sweepBin(ctx); err != nil {
		return err
	}

	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.SetMeta(MetaLastSync, time.Now().UTC().Format(time.RFC3339))
	})
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

// SyncTable pulls the delta for one (table, mailbox) pair until the server
// reports end of delta. Cancellation between batches leaves a consistent
// prefix of the delta applied, with the cursor covering exactly that
// prefix.
func (s *SyncService) SyncTable(ctx context.Context, table, mailboxID string) error {
	lock := s.passLock(table + "/" + mailboxID)
	lock.Lock()
	defer lock.Unlock()

	cursor, count, err := s.loadCheckpoint(ctx, table, mailboxID)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := s.remote.DeltaQuery(ctx, table, mailboxID, cursor)
		if err != nil {
			return fmt.Errorf("%w: delta query for %s/%s: %w", ErrNetwork, table, mailboxID, err)
		}

		// A batch that is not the last one must carry changes or advance
		// the cursor; otherwise the server would have us polling the same
		// page forever.
		progressed := len(batch.Changes) > 0 || batch.Cursor > cursor
		if !progressed && !batch.Done {
			return fmt.Errorf("%w: server made no progress for %s/%s at cursor %q",
				ErrNetwork, table, mailboxID, cursor)
		}

		// Re-running against an unchanged remote cursor writes nothing.
		if progressed {
			applied := len(batch.Changes)
			err := s.store.Update(ctx, func(tx store.Tx) error {
				if err := s.applyChanges(tx, table, batch.Changes); err != nil {
					return err
				}
				if batch.Cursor <= cursor {
					return nil
				}
				// The checkpoint advance commits with the batch it
				// covers, or not at all.
				return tx.Put(&domain.SyncState{
					TableName: table,
					Mailbox:   mailboxID,
					Cursor:    batch.Cursor,
					Count:     count + applied,
					SyncedAt:  time.Now().UTC(),
				})
			})
			if err != nil {
				return fmt.Errorf("%w: %s/%s at cursor %q: %w", ErrApply, table, mailboxID, cursor, err)
			}
			count += applied
			if batch.Cursor > cursor {
				cursor = batch.Cursor
			}
			s.logger.Debug("applied sync batch",
				"table", table, "mailbox", mailboxID, "changes", applied, "cursor", cursor)
		}

		if batch.Done {
			return nil
		}
	}
}

// applyChanges applies one batch: the remote record overwrites local state
// by id (the server is the authority for pulled data), and tombstones
// delete.
func (s *SyncService) applyChanges(tx store.Tx, table string, changes []remote.Change) error {
	for _, ch := range changes {
		if ch.Deleted {
			if err := tx.Delete(table, ch.ID); err != nil {
				return err
			}
			continue
		}
		rec, err := decodeRecord(table, ch.Data)
		if err != nil {
			return err
		}
		if rec.Key() != ch.ID {
			return fmt.Errorf("change id %q does not match record id %q in %s", ch.ID, rec.Key(), table)
		}
		if err := tx.Put(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncService) loadCheckpoint(ctx context.Context, table, mailboxID string) (string, int, error) {
	var state *domain.SyncState
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		state, err = store.GetAs[domain.SyncState](tx, domain.TableSyncState, domain.SyncStateKey(table, mailboxID))
		return err
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to load sync state for %s/%s: %w", table, mailboxID, err)
	}
	if state == nil {
		// No checkpoint: full resync from an empty cursor.
		return "", 0, nil
	}
	return state.Cursor, state.Count, nil
}

func (s *SyncService) passLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.inflight[key]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[key] = lock
	}
	return lock
}

// sweepBin hard-deletes emails binned longer ago than the retention
// window. This is local-only cleanup; soft deletion is the only deletion
// path that propagates through sync.
func (s *SyncService) sweepBin(ctx context.Context) error {
	cutoff := time.Now().Add(-s.binRetention)
	swept := 0
	err := s.store.Update(ctx, func(tx store.Tx) error {
		items, err := tx.Query(domain.TableEmails, store.Query{
			Where: func(it store.Item) bool {
				var e domain.Email
				if json.Unmarshal(it.Data, &e) != nil {
					return false
				}
				return e.BinnedAt != nil && e.BinnedAt.Before(cutoff)
			},
		})
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := tx.Delete(domain.TableEmails, it.Key); err != nil {
				return err
			}
		}
		swept = len(items)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sweep binned emails: %w", err)
	}
	if swept > 0 {
		s.logger.Info("swept expired binned emails", "count", swept)
	}
	return nil
}

// decodeRecord turns a pulled change body into the typed record for its
// table, so the write-time checks run on pulled data too.
func decodeRecord(table string, data json.RawMessage) (store.Record, error) {
	var rec store.Record
	switch table {
	case domain.TableMailboxes:
		rec = &domain.Mailbox{}
	case domain.TableEmails:
		rec = &domain.Email{}
	case domain.TableDrafts:
		rec = &domain.Draft{}
	case domain.TableCategories:
		rec = &domain.Category{}
	case domain.TableAliases:
		rec = &domain.MailboxAlias{}
	default:
		return nil, fmt.Errorf("unknown syncable table %q", table)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s change: %w", table, err)
	}
	return rec, nil
}
