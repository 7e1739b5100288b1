package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/remote"
	"github.com/RiskyMH/emailthing/internal/store"
)

// Enqueue records a local mutation for replay against the server on the
// next sync. It must run in the same transaction as the optimistic local
// write it mirrors. The queue is keyed by entity and operation, so
// repeating the same action before a sync coalesces into one entry.
func Enqueue(tx store.Tx, rec store.Record, op string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode queued change: %w", err)
	}
	if op == domain.OpDelete {
		payload = nil
	}
	return tx.Put(&domain.PendingWrite{
		ID:       rec.Table() + "/" + rec.Key() + "/" + op,
		Entity:   rec.Table(),
		EntityID: rec.Key(),
		Mailbox:  rec.MailboxID(),
		Op:       op,
		Payload:  payload,
		QueuedAt: time.Now().UTC(),
	})
}

// replayQueue submits every queued local write to the server, oldest
// first, before a pull begins. A definitive rejection drops the entry with
// a warning instead of retrying forever; a transport failure stops the
// replay with the rest of the queue intact.
func (s *SyncService) replayQueue(ctx context.Context) error {
	var queue []domain.PendingWrite
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		queue, err = store.QueryAs[domain.PendingWrite](tx, domain.TablePendingWrites, store.Query{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read pending writes: %w", err)
	}
	sort.Slice(queue, func(i, j int) bool {
		if !queue[i].QueuedAt.Equal(queue[j].QueuedAt) {
			return queue[i].QueuedAt.Before(queue[j].QueuedAt)
		}
		return queue[i].ID < queue[j].ID
	})

	for i := range queue {
		pw := &queue[i]
		err := s.remote.SubmitMutation(ctx, pw)

		var rejected *remote.RejectedError
		switch {
		case err == nil:
		case errors.As(err, &rejected):
			s.logger.Warn("server rejected queued change; dropping it",
				"entity", pw.Entity, "id", pw.EntityID, "op", pw.Op, "reason", rejected.Reason)
		default:
			return fmt.Errorf("%w: failed to replay queued change %s: %w", ErrNetwork, pw.ID, err)
		}

		err = s.store.Update(ctx, func(tx store.Tx) error {
			return tx.Delete(domain.TablePendingWrites, pw.ID)
		})
		if err != nil {
			return fmt.Errorf("failed to dequeue %s: %w", pw.ID, err)
		}
	}
	return nil
}
