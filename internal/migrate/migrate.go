// Package migrate brings a local store from its recorded schema version to
// the application's target version by applying an ordered list of
// forward-only migration steps. Each step runs in its own transaction and
// bumps the recorded version inside that same transaction, so a crash
// between steps leaves the store pinned at the last completed version and
// the next startup resumes from there.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/RiskyMH/emailthing/internal/store"
)

var (
	// ErrSchemaInconsistent means the recorded version cannot be
	// reconciled with the compiled-in migration list: the store is ahead
	// of the application, or the list itself is malformed. The runner
	// fails closed rather than guessing; the user has to reset local data
	// or upgrade the application.
	ErrSchemaInconsistent = errors.New("local schema is inconsistent")

	// ErrMigrationFailed wraps a step failure. The store stays at the
	// last successfully completed version; re-running the whole startup
	// is safe.
	ErrMigrationFailed = errors.New("migration failed")
)

// VersionKey is the meta key holding the recorded schema version.
const VersionKey = "schema_version"

// StepError reports which migration step failed.
type StepError struct {
	Version int
	Name    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrMigrationFailed }

// Migration is one named, versioned, forward-only unit of work. Structural
// changes and data backfills both run through it; the runner does not
// distinguish them.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx store.Tx) error
}

// Runner sequences migrations against one store.
type Runner struct {
	store      store.Store
	logger     *slog.Logger
	migrations []Migration
	versionKey string
}

// NewRunner creates a Runner for the given migration list.
func NewRunner(s store.Store, migrations []Migration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      s,
		logger:     logger,
		migrations: migrations,
		versionKey: VersionKey,
	}
}

// WithVersionKey tracks progress under a different meta key. The demo seed
// loader uses this to keep its own numbering independent of the schema's.
func (r *Runner) WithVersionKey(key string) *Runner {
	r.versionKey = key
	return r
}

// Current returns the store's recorded version, 0 for a fresh store.
func (r *Runner) Current(ctx context.Context) (int, error) {
	var raw string
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		raw, err = tx.Meta(r.versionKey)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("recorded version %q is not a version number: %w", raw, ErrSchemaInconsistent)
	}
	return v, nil
}

// Target returns the highest version in the migration list.
func (r *Runner) Target() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Run applies every pending migration in ascending order and returns how
// many steps were applied.
func (r *Runner) Run(ctx context.Context) (int, error) {
	prev := 0
	for _, m := range r.migrations {
		if m.Version <= prev {
			return 0, fmt.Errorf("migration list is not strictly ascending at version %d: %w",
				m.Version, ErrSchemaInconsistent)
		}
		prev = m.Version
	}

	current, err := r.Current(ctx)
	if err != nil {
		return 0, err
	}
	if target := r.Target(); current > target {
		return 0, fmt.Errorf("store is at version %d but the application targets %d: %w",
			current, target, ErrSchemaInconsistent)
	}

	applied := 0
	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		err := r.store.Update(ctx, func(tx store.Tx) error {
			if err := m.Up(ctx, tx); err != nil {
				return err
			}
			// Version bump commits with the step, or not at all.
			return tx.SetMeta(r.versionKey, strconv.Itoa(m.Version))
		})
		if err != nil {
			return applied, &StepError{Version: m.Version, Name: m.Name, Err: err}
		}
		r.logger.Info("applied migration", "version", m.Version, "name", m.Name, "key", r.versionKey)
		applied++
	}
	return applied, nil
}
