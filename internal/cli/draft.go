package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/RiskyMH/emailthing/internal/app"
	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/store"
)

func newDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Manage email drafts",
	}
	cmd.AddCommand(newDraftNewCmd())
	cmd.AddCommand(newDraftListCmd())
	cmd.AddCommand(newDraftRmCmd())
	return cmd
}

func newDraftNewCmd() *cobra.Command {
	var mailboxFlag, subject, body string
	var to, cc []string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a draft",
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

			// Drafts are created on this device, so the id is minted
			// locally; the server keeps it when the draft syncs up.
			draft := &domain.Draft{
				ID:        uuid.NewString(),
				Mailbox:   mailboxID,
				Subject:   subject,
				Body:      body,
				UpdatedAt: time.Now().UTC(),
			}
			for _, addr := range to {
				draft.Recipients = append(draft.Recipients, domain.Recipient{Email: addr})
			}
			for _, addr := range cc {
				draft.Recipients = append(draft.Recipients, domain.Recipient{Email: addr, CC: true})
			}

			err = db.Update(cmd.Context(), func(tx store.Tx) error {
				if err := tx.Put(draft); err != nil {
					return err
				}
				return app.Enqueue(tx, draft, domain.OpUpsert)
			})
			if err != nil {
				return fmt.Errorf("failed to create draft: %w", err)
			}

			if jsonFlag {
				return printJSON(toJSONDraft(draft))
			}
			fmt.Printf("Draft %s created\n", draft.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&mailboxFlag, "mailbox", "", "mailbox ID (defaults to the session's first mailbox)")
	cmd.Flags().StringVar(&subject, "subject", "", "draft subject")
	cmd.Flags().StringVar(&body, "body", "", "draft body")
	cmd.Flags().StringArrayVar(&to, "to", nil, "recipient address (repeatable)")
	cmd.Flags().StringArrayVar(&cc, "cc", nil, "CC address (repeatable)")
	return cmd
}

func newDraftListCmd() *cobra.Command {
	var mailboxFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts in a mailbox",
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

			var drafts []domain.Draft
			err = db.View(cmd.Context(), func(tx store.Tx) error {
				var err error
				drafts, err = store.QueryAs[domain.Draft](tx, domain.TableDrafts, store.Query{Mailbox: mailboxID})
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to list drafts: %w", err)
			}

			if jsonFlag {
				out := make([]jsonDraft, 0, len(drafts))
				for i := range drafts {
					out = append(out, toJSONDraft(&drafts[i]))
				}
				return printJSON(out)
			}

			if len(drafts) == 0 {
				fmt.Println("No drafts found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SUBJECT\tTO\tUPDATED\tID")
			for i := range drafts {
				d := &drafts[i]
				subject := d.Subject
				if subject == "" {
					subject = "(no subject)"
				}
				to := ""
				for _, r := range d.Recipients {
					if r.CC {
						continue
					}
					if to != "" {
						to += ", "
					}
					to += r.Email
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", subject, to, d.UpdatedAt.Format(time.DateTime), d.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&mailboxFlag, "mailbox", "", "mailbox ID (defaults to the session's first mailbox)")
	return cmd
}

func newDraftRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [draft-id]",
		Short: "Delete a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			err = db.Update(cmd.Context(), func(tx store.Tx) error {
				draft, err := store.GetAs[domain.Draft](tx, domain.TableDrafts, args[0])
				if err != nil {
					return err
				}
				if draft == nil {
					return fmt.Errorf("draft not found: %s", args[0])
				}
				if err := tx.Delete(domain.TableDrafts, draft.ID); err != nil {
					return err
				}
				return app.Enqueue(tx, draft, domain.OpDelete)
			})
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "delete-draft", DraftID: args[0]})
			}
			fmt.Printf("Draft %s deleted\n", args[0])
			return nil
		},
	}
}
