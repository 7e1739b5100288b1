package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/RiskyMH/emailthing/internal/config"
	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/migrate"
	"github.com/RiskyMH/emailthing/internal/seed"
	"github.com/RiskyMH/emailthing/internal/store"
	"github.com/RiskyMH/emailthing/internal/store/docstore"
)

// newDemoCmd browses the local-only demo mailbox. It uses the document
// engine, the same one the browser deployment runs on, seeded through the
// migration mechanism and never synced.
func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Browse the demo mailbox (no account needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, err := docstore.Open(filepath.Join(config.DataDir(), "demo.json"), slog.Default())
			if err != nil {
				return fmt.Errorf("failed to open demo store: %w", err)
			}
			defer docs.Close()

			runner := migrate.NewRunner(docs, migrate.Schema(), slog.Default())
			if _, err := runner.Run(ctx); err != nil {
				return err
			}
			if err := seed.Load(ctx, docs, slog.Default()); err != nil {
				return fmt.Errorf("failed to seed demo data: %w", err)
			}

			var emails []domain.Email
			err = docs.View(ctx, func(tx store.Tx) error {
				var err error
				emails, err = store.QueryAs[domain.Email](tx, domain.TableEmails, store.Query{
					Mailbox: seed.DemoMailboxID,
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to list demo emails: %w", err)
			}

			if jsonFlag {
				return printJSON(toJSONEmails(emails))
			}

			fmt.Println("Demo mailbox (local only):")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FLAGS\tFROM\tSUBJECT\tRECEIVED")
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
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					flags, e.From.String(), e.Subject, e.ReceivedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}
