// Package authcache persists the authenticated session between runs: one
// replace-on-write record in the local store for the metadata, and the OS
// keyring for the token material. Clearing it also wipes every
// mailbox-scoped table, so no data from the old session is addressable
// after logout.
package authcache

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/RiskyMH/emailthing/internal/domain"
	"github.com/RiskyMH/emailthing/internal/store"
)

// Cache is the auth/session cache over one local store.
type Cache struct {
	store  store.Store
	vault  Vault
	logger *slog.Logger
}

// New creates a Cache backed by s and vault.
func New(s store.Store, vault Vault, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: s, vault: vault, logger: logger}
}

// Load returns the cached session with its tokens attached, or (nil, nil)
// when no session exists. A session whose token went missing from the
// vault is returned without tokens; callers see it as expired and
// re-authenticate.
func (c *Cache) Load(ctx context.Context) (*domain.Session, error) {
	var sess *domain.Session
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		sess, err = store.GetAs[domain.Session](tx, domain.TableSession, domain.SessionKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	token, err := c.vault.LoadToken(sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session token: %w", err)
	}
	if token == nil {
		c.logger.Warn("session record present but no token in vault", "user", sess.UserID)
		return sess, nil
	}
	sess.AccessToken = token.AccessToken
	sess.RefreshToken = token.RefreshToken
	return sess, nil
}

// Save replaces the singleton session record and stores its tokens in the
// vault.
func (c *Cache) Save(ctx context.Context, sess *domain.Session) error {
	if err := c.vault.SaveToken(sess.UserID, &oauth2.Token{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		Expiry:       sess.AccessExpiry,
	}); err != nil {
		return err
	}
	err := c.store.Update(ctx, func(tx store.Tx) error {
		return tx.Put(sess)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear removes the session, its vault token, and every mailbox-scoped
// record cached under it, in one transaction. Sync checkpoints go with the
// data, so the next login starts from a full resync. The session record is
// read straight from the store: a locked or broken vault must never stop
// the local wipe.
func (c *Cache) Clear(ctx context.Context) error {
	var sess *domain.Session
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		sess, err = store.GetAs[domain.Session](tx, domain.TableSession, domain.SessionKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	err = c.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.Delete(domain.TableSession, domain.SessionKey); err != nil {
			return err
		}
		for _, table := range domain.MailboxScopedTables {
			if err := wipeTable(tx, table); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear session data: %w", err)
	}

	if sess != nil {
		if err := c.vault.DeleteToken(sess.UserID); err != nil {
			// The local data is already gone; a stranded keyring entry is
			// only worth a warning.
			c.logger.Warn("failed to remove token from vault", "user", sess.UserID, "error", err)
		}
	}
	return nil
}

func wipeTable(tx store.Tx, table string) error {
	items, err := tx.Query(table, store.Query{})
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := tx.Delete(table, it.Key); err != nil {
			return err
		}
	}
	return nil
}
