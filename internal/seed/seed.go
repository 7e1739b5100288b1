// Package seed fills a local store with a demo mailbox for use when no
// authenticated session exists. Seeding runs through the same migration
// mechanism as the schema, but under its own version register, so demo
// content can evolve independently of schema versions.
package seed

import (
	"context"
	"log/slog"
	"time"

	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/migrate"
	"github.com/RiskyMH/emailthing/internal/store"
)

// VersionKey is the meta key tracking seed progress, separate from the
// schema version.
const VersionKey = "seed_version"

// DemoMailboxID is the id of the local-only demo mailbox.
const DemoMailboxID = "demo"

// Load applies every pending seed step. The schema migrations must have
// run first. Re-running is a no-op once the store is at the latest seed
// version.
func Load(ctx context.Context, s store.Store, logger *slog.Logger) error {
	runner := migrate.NewRunner(s, Steps(), logger).WithVersionKey(VersionKey)
	_, err := runner.Run(ctx)
	return err
}

// Steps is the demo-content history. Append only, like the schema.
func Steps() []migrate.Migration {
	return []migrate.Migration{
		{Version: 1, Name: "demo mailbox", Up: demoMailbox},
		{Version: 2, Name: "demo emails", Up: demoEmails},
	}
}

func demoMailbox(ctx context.Context, tx store.Tx) error {
	if err := tx.Put(&domain.Mailbox{
		ID:          DemoMailboxID,
		Name:        "Demo Mailbox",
		StorageUsed: 3 << 15,
		Plan:        "demo",
	}); err != nil {
		return err
	}
	if err := tx.Put(&domain.MailboxAlias{
		ID:        "demo-alias",
		Mailbox:   DemoMailboxID,
		Alias:     "hello@emailthing.xyz",
		Name:      "Demo",
		IsDefault: true,
	}); err != nil {
		return err
	}
	for _, c := range []domain.Category{
		{ID: "demo-cat-updates", Mailbox: DemoMailboxID, Name: "Updates", Color: "#3b82f6"},
		{ID: "demo-cat-social", Mailbox: DemoMailboxID, Name: "Social", Color: "#22c55e"},
	} {
		if err := tx.Put(&c); err != nil {
			return err
		}
	}
	return nil
}

func demoEmails(ctx context.Context, tx store.Tx) error {
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	binned := base.Add(26 * time.Hour)
	emails := []domain.Email{
		{
			ID:      "demo-1",
			Mailbox: DemoMailboxID,
			Subject: "Welcome to EmailThing",
			Body:    "This is a demo mailbox. Everything here lives only on this device.",
			From:    domain.Address{Name: "EmailThing", Email: "hello@emailthing.xyz"},
			Recipients: []domain.Recipient{
				{Name: "Demo", Email: "demo@emailthing.xyz"},
			},
			ReceivedAt: base,
			IsRead:     true,
			IsStarred:  true,
			CategoryID: "demo-cat-updates",
		},
		{
			ID:         "demo-2",
			Mailbox:    DemoMailboxID,
			Subject:    "Your first category",
			Body:       "Emails can be filed under categories. Try moving this one.",
			From:       domain.Address{Name: "EmailThing", Email: "hello@emailthing.xyz"},
			ReceivedAt: base.Add(2 * time.Hour),
			CategoryID: "demo-cat-social",
		},
		{
			ID:         "demo-3",
			Mailbox:    DemoMailboxID,
			Subject:    "A binned email",
			Body:       "This one sits in the bin until the retention sweep removes it.",
			From:       domain.Address{Name: "EmailThing", Email: "hello@emailthing.xyz"},
			ReceivedAt: base.Add(24 * time.Hour),
			IsRead:     true,
			BinnedAt:   &binned,
		},
	}
	for i := range emails {
		e := &emails[i]
		e.Snippet = migrate.Snippet(e.Body)
		if err := tx.Put(e); err != nil {
			return err
		}
	}
	return nil
}
