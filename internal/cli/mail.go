package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/RiskyMH/emailthing/internal/app"
	"github.com/RiskyMH/emailthing/internal/authcache"
	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/store"
	"github.com/RiskyMH/emailthing/internal/store/sqlite"
)

// openWithSession opens the migrated store and loads the cached session.
// The caller owns closing the store.
func openWithSession(ctx context.Context) (*sqlite.DB, *domain.Session, error) {
	db, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	sessions := authcache.New(db, authcache.NewKeyringVault(), slog.Default())
	sess, err := sessions.Load(ctx)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, sess, nil
}

func newListCmd() *cobra.Command {
	var mailboxFlag string
	var binnedFlag bool
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List emails in a mailbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, sess, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			mailboxID, err := resolveMailbox(sess, mailboxFlag)
			if err != nil {
				return err
			}

			emails, err := listEmails(cmd.Context(), db, mailboxID, binnedFlag, limitFlag)
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONEmails(emails))
			}

			if len(emails) == 0 {
				fmt.Println("No emails found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FLAGS\tFROM\tSUBJECT\tRECEIVED\tID")
			for i := range emails {
				e := &emails[i]
				flags := ""
				if !e.IsRead {
					flags += "*"
				}
				if e.IsStarred {
					flags += "s"
				}
				if e.IsBinned() {
					flags += "b"
				}
				subject := e.Subject
				if subject == "" {
					subject = "(no subject)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					flags, e.From.String(), subject,
					e.ReceivedAt.Format(time.DateTime), e.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&mailboxFlag, "mailbox", "", "mailbox ID (defaults to the session's first mailbox)")
	cmd.Flags().BoolVar(&binnedFlag, "binned", false, "list binned emails instead of the inbox")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "maximum number of emails to show")
	return cmd
}

// listEmails queries one mailbox, newest first.
func listEmails(ctx context.Context, db *sqlite.DB, mailboxID string, binned bool, limit int) ([]domain.Email, error) {
	var emails []domain.Email
	err := db.View(ctx, func(tx store.Tx) error {
		var err error
		emails, err = store.QueryAs[domain.Email](tx, domain.TableEmails, store.Query{
			Mailbox: mailboxID,
			Where: func(it store.Item) bool {
				e, err := decodeEmail(it)
				return err == nil && e.IsBinned() == binned
			},
			Less: func(a, b store.Item) bool {
				ea, errA := decodeEmail(a)
				eb, errB := decodeEmail(b)
				if errA != nil || errB != nil {
					return a.Key < b.Key
				}
				return ea.ReceivedAt.After(eb.ReceivedAt)
			},
			Limit: limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, nil
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read [email-id]",
		Short: "Show an email and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			var email *domain.Email
			err = db.Update(cmd.Context(), func(tx store.Tx) error {
				var err error
				email, err = store.GetAs[domain.Email](tx, domain.TableEmails, args[0])
				if err != nil {
					return err
				}
				if email == nil {
					return fmt.Errorf("email not found: %s", args[0])
				}
				if email.IsRead {
					return nil
				}
				email.IsRead = true
				if err := tx.Put(email); err != nil {
					return err
				}
				return app.Enqueue(tx, email, domain.OpUpsert)
			})
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONEmailDetail(email))
			}

			fmt.Printf("From:    %s\n", email.From.String())
			for _, r := range email.Recipients {
				field := "To"
				if r.CC {
					field = "Cc"
				}
				fmt.Printf("%s:      %s\n", field, domain.Address{Name: r.Name, Email: r.Email}.String())
			}
			fmt.Printf("Date:    %s\n", email.ReceivedAt.Format(time.RFC1123))
			fmt.Printf("Subject: %s\n\n", email.Subject)
			fmt.Println(email.Body)
			return nil
		},
	}
}

// mutateEmail applies fn to one email and queues the change for the next
// sync, all in one transaction.
func mutateEmail(ctx context.Context, db *sqlite.DB, id string, fn func(*domain.Email)) error {
	return db.Update(ctx, func(tx store.Tx) error {
		email, err := store.GetAs[domain.Email](tx, domain.TableEmails, id)
		if err != nil {
			return err
		}
		if email == nil {
			return fmt.Errorf("email not found: %s", id)
		}
		fn(email)
		if err := tx.Put(email); err != nil {
			return err
		}
		return app.Enqueue(tx, email, domain.OpUpsert)
	})
}

func newStarCmd() *cobra.Command {
	var unstar bool

	cmd := &cobra.Command{
		Use:   "star [email-id]",
		Short: "Star or unstar an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := mutateEmail(cmd.Context(), db, args[0], func(e *domain.Email) {
				e.IsStarred = !unstar
			}); err != nil {
				return err
			}

			action := "star"
			if unstar {
				action = "unstar"
			}
			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: action, EmailID: args[0]})
			}
			fmt.Printf("Email %s: %sred\n", args[0], action)
			return nil
		},
	}

	cmd.Flags().BoolVar(&unstar, "remove", false, "remove the star")
	return cmd
}

func newBinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bin [email-id]",
		Short: "Move an email to the bin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now().UTC()
			if err := mutateEmail(cmd.Context(), db, args[0], func(e *domain.Email) {
				e.BinnedAt = &now
			}); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "bin", EmailID: args[0]})
			}
			fmt.Printf("Email %s moved to bin\n", args[0])
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [email-id]",
		Short: "Restore an email from the bin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := mutateEmail(cmd.Context(), db, args[0], func(e *domain.Email) {
				e.BinnedAt = nil
			}); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "restore", EmailID: args[0]})
			}
			fmt.Printf("Email %s restored\n", args[0])
			return nil
		},
	}
}

// listMailboxes prints the session's mailboxes with local email counts.
func listMailboxes(ctx context.Context, db *sqlite.DB, sess *domain.Session) error {
	type row struct {
		mailbox domain.Mailbox
		emails  int
		unread  int
	}
	var rows []row

	err := db.View(ctx, func(tx store.Tx) error {
		for _, id := range sess.MailboxIDs {
			mbx, err := store.GetAs[domain.Mailbox](tx, domain.TableMailboxes, id)
			if err != nil {
				return err
			}
			r := row{mailbox: domain.Mailbox{ID: id, Name: "(not synced)"}}
			if mbx != nil {
				r.mailbox = *mbx
			}
			emails, err := store.QueryAs[domain.Email](tx, domain.TableEmails, store.Query{Mailbox: id})
			if err != nil {
				return err
			}
			for i := range emails {
				if emails[i].IsBinned() {
					continue
				}
				r.emails++
				if !emails[i].IsRead {
					r.unread++
				}
			}
			rows = append(rows, r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list mailboxes: %w", err)
	}

	if jsonFlag {
		out := make([]jsonMailbox, 0, len(rows))
		for _, r := range rows {
			out = append(out, jsonMailbox{
				ID: r.mailbox.ID, Name: r.mailbox.Name, Plan: r.mailbox.Plan,
				Emails: r.emails, Unread: r.unread,
			})
		}
		return printJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MAILBOX\tNAME\tEMAILS\tUNREAD")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", r.mailbox.ID, r.mailbox.Name, r.emails, r.unread)
	}
	return w.Flush()
}

func decodeEmail(it store.Item) (*domain.Email, error) {
	var e domain.Email
	if err := json.Unmarshal(it.Data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
