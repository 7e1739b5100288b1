package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/remote"
	"github.com/RiskyMH/emailthing/internal/store"
	"github.com/RiskyMH/emailthing/internal/store/docstore"
)

// fakeRemote serves scripted batches per (table, mailbox) pair. Once a
// pair's script is exhausted it reports end of delta at the requested
// cursor, like a server with nothing new.
type fakeRemote struct {
	mu        sync.Mutex
	batches   map[string][]remote.Batch
	deltaErr  map[string]error
	submit    func(w *domain.PendingWrite) error
	submitted []string
	onDelta   func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		batches:  make(map[string][]remote.Batch),
		deltaErr: make(map[string]error),
	}
}

func (f *fakeRemote) script(table, mailboxID string, batches ...remote.Batch) {
	f.batches[table+"/"+mailboxID] = batches
}

func (f *fakeRemote) DeltaQuery(ctx context.Context, table, mailboxID, cursor string) (*remote.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onDelta != nil {
		f.onDelta()
	}
	key := table + "/" + mailboxID
	if len(f.batches[key]) == 0 {
		if err := f.deltaErr[key]; err != nil {
			return nil, err
		}
		return &remote.Batch{Cursor: cursor, Done: true}, nil
	}
	b := f.batches[key][0]
	f.batches[key] = f.batches[key][1:]
	return &b, nil
}

func (f *fakeRemote) SubmitMutation(ctx context.Context, w *domain.PendingWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, w.ID)
	if f.submit != nil {
		return f.submit(w)
	}
	return nil
}

// countingStore counts write transactions, to assert that unchanged pulls
// write nothing.
type countingStore struct {
	store.Store
	updates int
}

func (c *countingStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	c.updates++
	return c.Store.Update(ctx, fn)
}

// cancelAfterUpdate cancels its context as soon as one write transaction
// commits.
type cancelAfterUpdate struct {
	store.Store
	cancel context.CancelFunc
}

func (c *cancelAfterUpdate) Update(ctx context.Context, fn func(store.Tx) error) error {
	err := c.Store.Update(ctx, fn)
	if err == nil {
		c.cancel()
	}
	return err
}

func newSyncStore(t *testing.T) store.Store {
	t.Helper()
	s, err := docstore.Open("", nil)
	if err != nil {
		t.Fatalf("docstore.Open error: %v", err)
	}
	err = s.Update(context.Background(), func(tx store.Tx) error {
		for _, table := range domain.MailboxScopedTables {
			if err := tx.EnsureTable(table); err != nil {
				return err
			}
		}
		return tx.Put(&domain.Mailbox{ID: "mbx-1", Name: "Test"})
	})
	if err != nil {
		t.Fatalf("setup error: %v", err)
	}
	return s
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func emailChange(t *testing.T, id string) remote.Change {
	t.Helper()
	e := &domain.Email{ID: id, Mailbox: "mbx-1", Subject: "s " + id, ReceivedAt: time.Now().UTC()}
	return remote.Change{ID: id, Data: mustJSON(t, e)}
}

func checkpoint(t *testing.T, s store.Store, table, mailboxID string) *domain.SyncState {
	t.Helper()
	var state *domain.SyncState
	err := s.View(context.Background(), func(tx store.Tx) error {
		var err error
		state, err = store.GetAs[domain.SyncState](tx, domain.TableSyncState, domain.SyncStateKey(table, mailboxID))
		return err
	})
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	return state
}

func emailIDs(t *testing.T, s store.Store) []string {
	t.Helper()
	var ids []string
	err := s.View(context.Background(), func(tx store.Tx) error {
		items, err := tx.Query(domain.TableEmails, store.Query{})
		if err != nil {
			return err
		}
		for _, it := range items {
			ids = append(ids, it.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list emails: %v", err)
	}
	return ids
}

func TestSyncTableAppliesBatchesAndAdvancesCursor(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	f.script(domain.TableEmails, "mbx-1",
		remote.Batch{
			Changes: []remote.Change{emailChange(t, "e1"), emailChange(t, "e2")},
			Cursor:  "0001",
		},
		remote.Batch{
			Changes: []remote.Change{
				emailChange(t, "e3"),
				{ID: "e1", Deleted: true},
			},
			Cursor: "0002",
			Done:   true,
		},
	)

	svc := NewSyncService(s, f, nil)
	if err := svc.SyncTable(context.Background(), domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("SyncTable error: %v", err)
	}

	if got := emailIDs(t, s); len(got) != 2 {
		t.Errorf("emails after pull = %v, want e2 and e3", got)
	}
	state := checkpoint(t, s, domain.TableEmails, "mbx-1")
	if state == nil || state.Cursor != "0002" {
		t.Fatalf("checkpoint = %+v, want cursor 0002", state)
	}
	if state.Count != 4 {
		t.Errorf("checkpoint count = %d, want 4", state.Count)
	}
}

func TestBatchingIsTransparent(t *testing.T) {
	changes := []remote.Change{
		emailChange(t, "e1"),
		emailChange(t, "e2"),
		{ID: "e1", Deleted: true},
		emailChange(t, "e3"),
	}

	// One store pulls the delta in three pages, the other in a single
	// batch; both must end in the same state.
	paged := newSyncStore(t)
	fp := newFakeRemote()
	fp.script(domain.TableEmails, "mbx-1",
		remote.Batch{Changes: changes[:2], Cursor: "0001"},
		remote.Batch{Changes: changes[2:3], Cursor: "0002"},
		remote.Batch{Changes: changes[3:], Cursor: "0003", Done: true},
	)

	whole := newSyncStore(t)
	fw := newFakeRemote()
	fw.script(domain.TableEmails, "mbx-1",
		remote.Batch{Changes: changes, Cursor: "0003", Done: true},
	)

	ctx := context.Background()
	if err := NewSyncService(paged, fp, nil).SyncTable(ctx, domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("paged SyncTable error: %v", err)
	}
	if err := NewSyncService(whole, fw, nil).SyncTable(ctx, domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("whole SyncTable error: %v", err)
	}

	got, want := emailIDs(t, paged), emailIDs(t, whole)
	if len(got) != len(want) {
		t.Fatalf("paged = %v, whole = %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("paged = %v, whole = %v", got, want)
			break
		}
	}
	ps := checkpoint(t, paged, domain.TableEmails, "mbx-1")
	ws := checkpoint(t, whole, domain.TableEmails, "mbx-1")
	if ps.Cursor != ws.Cursor {
		t.Errorf("cursors diverge: paged %q, whole %q", ps.Cursor, ws.Cursor)
	}
}

func TestSyncTableIsIdempotent(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	f.script(domain.TableEmails, "mbx-1", remote.Batch{
		Changes: []remote.Change{emailChange(t, "e1"), emailChange(t, "e2"), emailChange(t, "e3")},
		Cursor:  "t100",
		Done:    true,
	})

	cs := &countingStore{Store: s}
	svc := NewSyncService(cs, f, nil)
	ctx := context.Background()

	if err := svc.SyncTable(ctx, domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("first SyncTable error: %v", err)
	}
	if len(emailIDs(t, s)) != 3 {
		t.Fatalf("emails = %v, want 3", emailIDs(t, s))
	}

	// The script is drained: the server now reports end of delta at the
	// same cursor, and the second pass must not write at all.
	before := cs.updates
	if err := svc.SyncTable(ctx, domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("second SyncTable error: %v", err)
	}
	if cs.updates != before {
		t.Errorf("unchanged pull ran %d write transactions, want 0", cs.updates-before)
	}
	if got := emailIDs(t, s); len(got) != 3 {
		t.Errorf("emails after re-pull = %v, want 3", got)
	}
	if state := checkpoint(t, s, domain.TableEmails, "mbx-1"); state.Cursor != "t100" {
		t.Errorf("cursor = %q, want t100", state.Cursor)
	}
}

func TestSyncTableNeverMovesCursorBackward(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	f.script(domain.TableEmails, "mbx-1",
		remote.Batch{Changes: []remote.Change{emailChange(t, "e1")}, Cursor: "0005", Done: true},
	)
	svc := NewSyncService(s, f, nil)
	ctx := context.Background()
	if err := svc.SyncTable(ctx, domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("SyncTable error: %v", err)
	}

	// A confused server replays an older page. The change applies but the
	// checkpoint must hold at 0005.
	f.script(domain.TableEmails, "mbx-1",
		remote.Batch{Changes: []remote.Change{emailChange(t, "e2")}, Cursor: "0003", Done: true},
	)
	if err := svc.SyncTable(ctx, domain.TableEmails, "mbx-1"); err != nil {
		t.Fatalf("SyncTable error: %v", err)
	}
	if state := checkpoint(t, s, domain.TableEmails, "mbx-1"); state.Cursor != "0005" {
		t.Errorf("cursor moved backward to %q", state.Cursor)
	}
}

func TestNetworkFailureKeepsAppliedPrefix(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	f.script(domain.TableEmails, "mbx-1",
		remote.Batch{Changes: []remote.Change{emailChange(t, "e1")}, Cursor: "0001"},
	)
	f.deltaErr[domain.TableEmails+"/mbx-1"] = errors.New("connection reset")

	svc := NewSyncService(s, f, nil)
	err := svc.SyncTable(context.Background(), domain.TableEmails, "mbx-1")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("SyncTable error = %v, want ErrNetwork", err)
	}

	// The first batch committed with its cursor; the retry resumes there.
	if got := emailIDs(t, s); len(got) != 1 || got[0] != "e1" {
		t.Errorf("emails = %v, want [e1]", got)
	}
	if state := checkpoint(t, s, domain.TableEmails, "mbx-1"); state == nil || state.Cursor != "0001" {
		t.Errorf("checkpoint = %+v, want cursor 0001", state)
	}
}

func TestSyncTableRejectsStalledServer(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	// Not done, no changes, no cursor advance: a loop here would poll the
	// same page forever.
	f.script(domain.TableEmails, "mbx-1",
		remote.Batch{Cursor: "", Done: false},
		remote.Batch{Changes: []remote.Change{emailChange(t, "e1")}, Cursor: "0001", Done: true},
	)

	svc := NewSyncService(s, f, nil)
	err := svc.SyncTable(context.Background(), domain.TableEmails, "mbx-1")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("SyncTable error = %v, want ErrNetwork", err)
	}
	if got := emailIDs(t, s); len(got) != 0 {
		t.Errorf("emails = %v, want none", got)
	}
	if state := checkpoint(t, s, domain.TableEmails, "mbx-1"); state != nil {
		t.Errorf("checkpoint written for a stalled pass: %+v", state)
	}
	if len(f.batches[domain.TableEmails+"/mbx-1"]) != 1 {
		t.Error("pull continued past the stalled batch")
	}
}

func TestBadBatchRollsBackWhole(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	f.script(domain.TableEmails, "mbx-1", remote.Batch{
		Changes: []remote.Change{
			emailChange(t, "e1"),
			{ID: "e2", Data: json.RawMessage(`{not json`)},
		},
		Cursor: "0001",
		Done:   true,
	})

	svc := NewSyncService(s, f, nil)
	err := svc.SyncTable(context.Background(), domain.TableEmails, "mbx-1")
	if !errors.Is(err, ErrApply) {
		t.Fatalf("SyncTable error = %v, want ErrApply", err)
	}
	if got := emailIDs(t, s); len(got) != 0 {
		t.Errorf("partial batch visible: %v", got)
	}
	if state := checkpoint(t, s, domain.TableEmails, "mbx-1"); state != nil {
		t.Errorf("checkpoint advanced past failed batch: %+v", state)
	}
}

func TestSyncTableRejectsMismatchedChangeID(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	body := mustJSON(t, &domain.Email{ID: "other", Mailbox: "mbx-1", ReceivedAt: time.Now()})
	f.script(domain.TableEmails, "mbx-1", remote.Batch{
		Changes: []remote.Change{{ID: "e1", Data: body}},
		Cursor:  "0001",
		Done:    true,
	})

	svc := NewSyncService(s, f, nil)
	err := svc.SyncTable(context.Background(), domain.TableEmails, "mbx-1")
	if !errors.Is(err, ErrApply) {
		t.Fatalf("SyncTable error = %v, want ErrApply", err)
	}
}

func TestCancellationBetweenBatches(t *testing.T) {
	s := newSyncStore(t)
	f := newFakeRemote()
	f.script(domain.TableEmails, "mbx-1",
		remote.Batch{Changes: []remote.Change{emailChange(t, "e1")}, Cursor: "0001"},
		remote.Batch{Changes: []remote.Change{emailChange(t, "e2")}, Cursor: "0002", Done: true},
	)

	// Cancel once the first batch has committed, as if the user hit
	// Ctrl-C mid-pull.
	ctx, cancel := context.WithCancel(context.Background())
	cs := &cancelAfterUpdate{Store: s, cancel: cancel}

	svc := NewSyncService(cs, f, nil)
	err := svc.SyncTable(ctx, domain.TableEmails, "mbx-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SyncTable error = %v, want context.Canceled", err)
	}

	// A consistent prefix: batch one applied with its cursor, batch two
	// never requested.
	if got := emailIDs(t, s); len(got) != 1 || got[0] != "e1" {
		t.Errorf("emails = %v, want [e1]", got)
	}
	if state := checkpoint(t, s, domain.TableEmails, "mbx-1"); state == nil || state.Cursor != "0001" {
		t.Errorf("checkpoint = %+v, want cursor 0001", state)
	}
	if len(f.batches[domain.TableEmails+"/mbx-1"]) != 1 {
		t.Error("second batch was requested after cancellation")
	}
}

func TestReplayQueueDrainsInOrder(t *testing.T) {
	s := newSyncStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		older := &domain.Email{ID: "e1", Mailbox: "mbx-1", IsStarred: true, ReceivedAt: time.Now()}
		newer := &domain.Email{ID: "e2", Mailbox: "mbx-1", IsRead: true, ReceivedAt: time.Now()}
		if err := tx.Put(&domain.PendingWrite{
			ID: "emails/e1/upsert", Entity: domain.TableEmails, EntityID: "e1", Mailbox: "mbx-1",
			Op: domain.OpUpsert, Payload: mustJSON(t, older), QueuedAt: time.Now().Add(-time.Minute),
		}); err != nil {
			return err
		}
		return tx.Put(&domain.PendingWrite{
			ID: "emails/e2/upsert", Entity: domain.TableEmails, EntityID: "e2", Mailbox: "mbx-1",
			Op: domain.OpUpsert, Payload: mustJSON(t, newer), QueuedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	f := newFakeRemote()
	svc := NewSyncService(s, f, nil)
	if err := svc.Sync(ctx, &domain.Session{UserID: "u1"}); err != nil {
		t.Fatalf("Sync error: %v", err)
	}

	if len(f.submitted) != 2 || f.submitted[0] != "emails/e1/upsert" || f.submitted[1] != "emails/e2/upsert" {
		t.Errorf("submitted = %v, want oldest first", f.submitted)
	}
	err = s.View(ctx, func(tx store.Tx) error {
		items, err := tx.Query(domain.TablePendingWrites, store.Query{})
		if err != nil {
			return err
		}
		if len(items) != 0 {
			t.Errorf("queue not drained: %d entries left", len(items))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
}

func TestReplayQueueStopsOnTransportFailure(t *testing.T) {
	s := newSyncStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		e := &domain.Email{ID: "e1", Mailbox: "mbx-1", IsStarred: true, ReceivedAt: time.Now()}
		return Enqueue(tx, e, domain.OpUpsert)
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	f := newFakeRemote()
	f.submit = func(w *domain.PendingWrite) error { return errors.New("timeout") }
	svc := NewSyncService(s, f, nil)

	err = svc.Sync(ctx, &domain.Session{UserID: "u1"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Sync error = %v, want ErrNetwork", err)
	}

	// The entry survives for the next attempt.
	err = s.View(ctx, func(tx store.Tx) error {
		_, err := tx.Get(domain.TablePendingWrites, "emails/e1/upsert")
		return err
	})
	if err != nil {
		t.Errorf("queued entry lost after transport failure: %v", err)
	}
}

func TestRejectedMutationConvergesToServerState(t *testing.T) {
	s := newSyncStore(t)
	ctx := context.Background()

	// Star an email offline: optimistic local write plus queue entry in
	// one transaction.
	err := s.Update(ctx, func(tx store.Tx) error {
		e := &domain.Email{ID: "e1", Mailbox: "mbx-1", IsStarred: true, ReceivedAt: time.Now()}
		if err := tx.Put(e); err != nil {
			return err
		}
		return Enqueue(tx, e, domain.OpUpsert)
	})
	if err != nil {
		t.Fatalf("offline write error: %v", err)
	}

	// Meanwhile the server deleted the email: it rejects the replay and
	// serves a tombstone on the following pull.
	f := newFakeRemote()
	f.submit = func(w *domain.PendingWrite) error {
		return &remote.RejectedError{Status: 410, Reason: "email does not exist"}
	}
	f.script(domain.TableEmails, "mbx-1", remote.Batch{
		Changes: []remote.Change{{ID: "e1", Deleted: true}},
		Cursor:  "0001",
		Done:    true,
	})

	svc := NewSyncService(s, f, nil)
	sess := &domain.Session{UserID: "u1", MailboxIDs: []string{"mbx-1"}}
	if err := svc.Sync(ctx, sess); err != nil {
		t.Fatalf("Sync error: %v", err)
	}

	if got := emailIDs(t, s); len(got) != 0 {
		t.Errorf("emails = %v, want none after tombstone", got)
	}
	err = s.View(ctx, func(tx store.Tx) error {
		items, err := tx.Query(domain.TablePendingWrites, store.Query{})
		if err != nil {
			return err
		}
		if len(items) != 0 {
			t.Errorf("rejected entry still queued")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
}

func TestSyncSweepsExpiredBinnedEmails(t *testing.T) {
	s := newSyncStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Put(&domain.Email{ID: "expired", Mailbox: "mbx-1", ReceivedAt: old, BinnedAt: &old}); err != nil {
			return err
		}
		if err := tx.Put(&domain.Email{ID: "binned", Mailbox: "mbx-1", ReceivedAt: old, BinnedAt: &recent}); err != nil {
			return err
		}
		return tx.Put(&domain.Email{ID: "kept", Mailbox: "mbx-1", ReceivedAt: old})
	})
	if err != nil {
		t.Fatalf("seed error: %v", err)
	}

	svc := NewSyncService(s, newFakeRemote(), nil)
	svc.SetBinRetention(24 * time.Hour)
	if err := svc.Sync(ctx, &domain.Session{UserID: "u1"}); err != nil {
		t.Fatalf("Sync error: %v", err)
	}

	ids := emailIDs(t, s)
	if len(ids) != 2 {
		t.Fatalf("emails = %v, want binned and kept", ids)
	}
	for _, id := range ids {
		if id == "expired" {
			t.Error("expired binned email survived the sweep")
		}
	}

	// A finished pass records the staleness marker.
	err = s.View(ctx, func(tx store.Tx) error {
		v, err := tx.Meta(MetaLastSync)
		if err != nil {
			return err
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			t.Errorf("last sync marker %q is not RFC3339: %v", v, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
}

func TestEnqueueCoalescesRepeatedOps(t *testing.T) {
	s := newSyncStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx store.Tx) error {
		e := &domain.Email{ID: "e1", Mailbox: "mbx-1", ReceivedAt: time.Now()}
		e.IsStarred = true
		if err := Enqueue(tx, e, domain.OpUpsert); err != nil {
			return err
		}
		e.IsStarred = false
		return Enqueue(tx, e, domain.OpUpsert)
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	err = s.View(ctx, func(tx store.Tx) error {
		items, err := tx.Query(domain.TablePendingWrites, store.Query{})
		if err != nil {
			return err
		}
		if len(items) != 1 {
			t.Fatalf("queue entries = %d, want 1", len(items))
		}
		var pw domain.PendingWrite
		if err := json.Unmarshal(items[0].Data, &pw); err != nil {
			return err
		}
		var e domain.Email
		if err := json.Unmarshal(pw.Payload, &e); err != nil {
			return err
		}
		if e.IsStarred {
			t.Error("coalesced payload is not the latest write")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
}
