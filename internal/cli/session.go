package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/RiskyMH/emailthing/internal/app"
	"github.com/RiskyMH/emailthing/internal/authcache"
	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/migrate"
	"github.com/RiskyMH/emailthing/internal/store"
)

const tokenTTL = time.Hour

func newLoginCmd() *cobra.Command {
	var userID string
	var mailboxes []string
	var accessToken, refreshToken string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Cache a session on this device",
		Long: "Store the session issued by the EmailThing server so the replica can sync.\n" +
			"Tokens may be passed via flags or the EMAILTHING_ACCESS_TOKEN and\n" +
			"EMAILTHING_REFRESH_TOKEN environment variables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accessToken == "" {
				accessToken = os.Getenv("EMAILTHING_ACCESS_TOKEN")
			}
			if refreshToken == "" {
				refreshToken = os.Getenv("EMAILTHING_REFRESH_TOKEN")
			}
			if userID == "" || accessToken == "" || len(mailboxes) == 0 {
				return fmt.Errorf("login requires --user, --mailbox, and an access token")
			}

			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now().UTC()
			sess := &domain.Session{
				UserID:        userID,
				AccessToken:   accessToken,
				RefreshToken:  refreshToken,
				AccessExpiry:  now.Add(tokenTTL),
				RefreshExpiry: now.Add(30 * 24 * time.Hour),
				MailboxIDs:    mailboxes,
			}

			sessions := authcache.New(db, authcache.NewKeyringVault(), slog.Default())
			if err := sessions.Save(cmd.Context(), sess); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "login", UserID: userID})
			}
			fmt.Printf("Session cached for %s (%d mailboxes). Run 'emailthing sync' to pull data.\n",
				userID, len(mailboxes))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID the session belongs to")
	cmd.Flags().StringArrayVar(&mailboxes, "mailbox", nil, "mailbox ID accessible to the session (repeatable)")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token (or EMAILTHING_ACCESS_TOKEN)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh token (or EMAILTHING_REFRESH_TOKEN)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the cached session and all local mailbox data",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			sessions := authcache.New(db, authcache.NewKeyringVault(), slog.Default())
			if err := sessions.Clear(cmd.Context()); err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "logout"})
			}
			fmt.Println("Logged out. Local mailbox data cleared.")
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the local replica against the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, sess, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if sess == nil {
				return fmt.Errorf("no session on this device; run 'emailthing login' first")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if !jsonFlag {
				fmt.Printf("Syncing %d mailboxes...\n", len(sess.MailboxIDs))
			}
			if err := runSync(cmd.Context(), db, cfg, sess); err != nil {
				return fmt.Errorf("failed to sync: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "sync", UserID: sess.UserID})
			}
			fmt.Println("Sync complete.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replica state: schema version, session, sync checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, sess, err := openWithSession(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			runner := migrate.NewRunner(db, migrate.Schema(), slog.Default())
			schemaVersion, err := runner.Current(cmd.Context())
			if err != nil {
				return err
			}

			var lastSync string
			var states []domain.SyncState
			err = db.View(cmd.Context(), func(tx store.Tx) error {
				v, err := tx.Meta(app.MetaLastSync)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
				lastSync = v
				states, err = store.QueryAs[domain.SyncState](tx, domain.TableSyncState, store.Query{})
				return err
			})
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(toJSONStatus(schemaVersion, runner.Target(), sess, lastSync, states))
			}

			fmt.Printf("Schema version: %d (target %d)\n", schemaVersion, runner.Target())
			switch {
			case sess == nil:
				fmt.Println("Session:        none")
			case sess.AccessValid(time.Now()):
				fmt.Printf("Session:        %s (%d mailboxes)\n", sess.UserID, len(sess.MailboxIDs))
			default:
				fmt.Printf("Session:        %s (expired)\n", sess.UserID)
			}
			if lastSync == "" {
				fmt.Println("Last sync:      never (local data may be stale)")
			} else {
				fmt.Printf("Last sync:      %s\n", lastSync)
			}

			if len(states) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tMAILBOX\tCURSOR\tRECORDS\tSYNCED")
			for _, st := range states {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					st.TableName, st.Mailbox, st.Cursor, st.Count,
					st.SyncedAt.Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newResetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all local data, including the cached session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("this deletes the local replica at %s; re-run with --force", storePath())
			}

			// Clear through the session cache first so the keyring entry
			// goes with the data, then remove the store file itself.
			db, err := openStore(cmd.Context())
			if err == nil {
				sessions := authcache.New(db, authcache.NewKeyringVault(), slog.Default())
				if err := sessions.Clear(cmd.Context()); err != nil {
					slog.Warn("failed to clear session before reset", "error", err)
				}
				db.Close()
			}

			if err := os.Remove(storePath()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove local store: %w", err)
			}

			if jsonFlag {
				return printJSON(jsonAction{OK: true, Action: "reset"})
			}
			fmt.Println("Local data discarded.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "actually delete local data")
	return cmd
}
