package migrate

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/store"
)

const snippetLen = 120

// Schema is the application's migration history. Append only; released
// versions never change.
func Schema() []Migration {
	return []Migration{
		{Version: 1, Name: "base tables", Up: createBaseTables},
		{Version: 2, Name: "pending write queue", Up: createPendingWrites},
		{Version: 3, Name: "backfill email snippets", Up: backfillSnippets},
	}
}

func createBaseTables(ctx context.Context, tx store.Tx) error {
	for _, table := range []string{
		domain.TableSession,
		domain.TableMailboxes,
		domain.TableEmails,
		domain.TableDrafts,
		domain.TableCategories,
		domain.TableAliases,
		domain.TableSyncState,
	} {
		if err := tx.EnsureTable(table); err != nil {
			return err
		}
	}
	return nil
}

func createPendingWrites(ctx context.Context, tx store.Tx) error {
	return tx.EnsureTable(domain.TablePendingWrites)
}

// backfillSnippets derives the list snippet for emails stored before the
// snippet field existed.
func backfillSnippets(ctx context.Context, tx store.Tx) error {
	emails, err := store.QueryAs[domain.Email](tx, domain.TableEmails, store.Query{})
	if err != nil {
		return err
	}
	for i := range emails {
		e := &emails[i]
		if e.Snippet != "" || e.Body == "" {
			continue
		}
		e.Snippet = Snippet(e.Body)
		if err := tx.Put(e); err != nil {
			return err
		}
	}
	return nil
}

// Snippet collapses whitespace in body and truncates it for list views.
// Truncation lands on a rune boundary so the stored snippet stays valid
// UTF-8.
func Snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if len(s) <= snippetLen {
		return s
	}
	cut := snippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
