package domain

// Logical table names. These are part of the persisted schema: the migration
// runner and sync engine both key on them, so they must stay stable across
// application versions.
const (
	TableSession       = "session"
	TableMailboxes     = "mailboxes"
	TableEmails        = "emails"
	TableDrafts        = "drafts"
	TableCategories    = "categories"
	TableAliases       = "mailbox_aliases"
	TableSyncState     = "sync_state"
	TablePendingWrites = "pending_writes"
)

// SyncableTables lists the tables reconciled against the remote server,
// in the order they are synced. Mailboxes come first so that records
// referencing them pass the write-time mailbox check.
var SyncableTables = []string{
	TableMailboxes,
	TableCategories,
	TableAliases,
	TableEmails,
	TableDrafts,
}

// MailboxScopedTables lists the tables whose records are only meaningful
// under an authenticated session. Logout wipes all of them.
var MailboxScopedTables = []string{
	TableEmails,
	TableDrafts,
	TableCategories,
	TableAliases,
	TableMailboxes,
	TableSyncState,
	TablePendingWrites,
}
