package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/RiskyMH/emailthing/internal/app"
	"github.com/RiskyMH/emailthing/internal/authcache"
	"github.com/RiskyMH/emailthing/internal/config"
	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/migrate"
	"github.com/RiskyMH/emailthing/internal/remote"
	"github.com/RiskyMH/emailthing/internal/store/sqlite"
)

var (
	// version is set via ldflags at build time.
	version = "dev"
	cfgFile string

	// jsonFlag enables JSON output for all commands.
	jsonFlag bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "emailthing",
		Short:   "EmailThing command-line client",
		Long:    "A local-first EmailThing client: a synced replica of your mailboxes on this machine.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			sessions := authcache.New(db, authcache.NewKeyringVault(), slog.Default())
			sess, err := sessions.Load(cmd.Context())
			if err != nil {
				return err
			}
			if sess == nil {
				fmt.Println("No session on this device. Run 'emailthing login' first, or 'emailthing demo' to look around.")
				return nil
			}

			// A failed sync is not fatal: the replica stays usable at its
			// last known state and the staleness shows up in 'status'.
			if err := runSync(cmd.Context(), db, cfg, sess); err != nil {
				slog.Warn("sync failed; showing last known local state", "error", err)
			}

			return listMailboxes(cmd.Context(), db, sess)
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("emailthing %s\n", version))
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	root.AddCommand(newLoginCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newStarCmd())
	root.AddCommand(newBinCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newDraftCmd())
	root.AddCommand(newDemoCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// storePath returns the location of the CLI's local store file.
func storePath() string {
	return filepath.Join(config.DataDir(), "emailthing.db")
}

// openStore creates the data directory, opens the SQLite store, and brings
// its schema to the current version.
func openStore(ctx context.Context) (*sqlite.DB, error) {
	if err := os.MkdirAll(config.DataDir(), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sqlite.New(storePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	runner := migrate.NewRunner(db, migrate.Schema(), slog.Default())
	if _, err := runner.Run(ctx); err != nil {
		db.Close()
		if errors.Is(err, migrate.ErrSchemaInconsistent) {
			return nil, fmt.Errorf("%w\nThe local store cannot be used as-is; run 'emailthing reset' to discard local data", err)
		}
		return nil, err
	}
	return db, nil
}

// loadConfig loads the application configuration from the config file.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(config.ConfigDir(), "config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newSyncService wires the sync engine for one session.
func newSyncService(db *sqlite.DB, cfg *config.Config, sess *domain.Session) *app.SyncService {
	client := remote.NewHTTP(cfg.Remote.BaseURL, remote.TokenSource(sess), slog.Default())
	client.SetPageLimit(cfg.Sync.BatchLimit)

	svc := app.NewSyncService(db, client, slog.Default())
	svc.SetBinRetention(time.Duration(cfg.Sync.BinRetentionDays) * 24 * time.Hour)
	return svc
}

func runSync(ctx context.Context, db *sqlite.DB, cfg *config.Config, sess *domain.Session) error {
	return newSyncService(db, cfg, sess).Sync(ctx, sess)
}

// resolveMailbox picks the mailbox to operate on: the flag if given,
// otherwise the session's first mailbox.
func resolveMailbox(sess *domain.Session, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if sess == nil || len(sess.MailboxIDs) == 0 {
		return "", fmt.Errorf("no mailbox available; log in or pass --mailbox")
	}
	return sess.MailboxIDs[0], nil
}
