package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/RiskyMH/emailthing/internal/domain"
)

// Tables whose records must reference a mailbox present in the local store.
// Not engine-level foreign keys: the document engine has none, so the check
// lives here and both engines call it from Put.
var mailboxChecked = map[string]bool{
	domain.TableEmails:     true,
	domain.TableDrafts:     true,
	domain.TableCategories: true,
	domain.TableAliases:    true,
}

// PreparePut validates rec against write-time invariants and returns its
// encoded form. Both storage engines call it at the top of Tx.Put.
func PreparePut(tx Tx, rec Record) (json.RawMessage, error) {
	if rec.Key() == "" {
		return nil, fmt.Errorf("cannot store %s record without a key", rec.Table())
	}

	if mailboxChecked[rec.Table()] {
		mid := rec.MailboxID()
		if mid == "" {
			return nil, fmt.Errorf("%s %s has no mailbox id: %w", rec.Table(), rec.Key(), ErrNoMailbox)
		}
		if _, err := tx.Get(domain.TableMailboxes, mid); errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s %s references mailbox %s: %w", rec.Table(), rec.Key(), mid, ErrNoMailbox)
		} else if err != nil {
			return nil, err
		}
	}

	if alias, ok := rec.(*domain.MailboxAlias); ok && alias.IsDefault {
		if err := demoteOtherDefaults(tx, alias); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", rec.Table(), rec.Key(), err)
	}
	return data, nil
}

// demoteOtherDefaults keeps the one-default-alias-per-mailbox invariant:
// writing a default alias unsets the flag on every other alias of the
// mailbox. The rewritten aliases are no longer default, so the nested Put
// does not recurse further.
func demoteOtherDefaults(tx Tx, alias *domain.MailboxAlias) error {
	others, err := QueryAs[domain.MailboxAlias](tx, domain.TableAliases, Query{Mailbox: alias.Mailbox})
	if err != nil {
		return err
	}
	for i := range others {
		other := &others[i]
		if other.ID == alias.ID || !other.IsDefault {
			continue
		}
		other.IsDefault = false
		if err := tx.Put(other); err != nil {
			return fmt.Errorf("failed to demote previous default alias %s: %w", other.ID, err)
		}
	}
	return nil
}

// FilterSort applies q to items in place of engine-level query support:
// mailbox filter, predicate, ordering (by key when q.Less is nil), and
// limit. Both engines funnel Query results through it so their semantics
// stay identical.
func FilterSort(items []Item, q Query) []Item {
	out := items[:0:0]
	for _, it := range items {
		if q.Mailbox != "" && it.Mailbox != q.Mailbox {
			continue
		}
		if q.Where != nil && !q.Where(it) {
			continue
		}
		out = append(out, it)
	}

	if q.Less != nil {
		sort.SliceStable(out, func(i, j int) bool { return q.Less(out[i], out[j]) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
