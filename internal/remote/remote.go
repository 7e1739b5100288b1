// Package remote is the boundary to the server that owns the data. The
// sync engine only needs two capabilities from it: a cursor-based delta
// query per syncable table, and submission of one queued local mutation.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/RiskyMH/emailthing/internal/domain"
)

// Change is one remote create/update/delete. Deleted changes are
// tombstones; Data is the full record body otherwise.
type Change struct {
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Batch is one page of the delta since a cursor. Cursor values must order
// lexicographically in chronological order (the server uses zero-padded
// sequence markers), so the engine can refuse to move a checkpoint
// backward by plain string comparison.
type Batch struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
	Done    bool     `json:"done"`
}

// Client is the remote sync boundary.
type Client interface {
	// DeltaQuery returns the ordered changes for (table, mailbox)
	// strictly after cursor. An empty cursor requests the full delta.
	DeltaQuery(ctx context.Context, table, mailboxID, cursor string) (*Batch, error)

	// SubmitMutation replays one queued local write. A *RejectedError
	// means the server refused the operation and it should be dropped;
	// any other error means the attempt can be retried.
	SubmitMutation(ctx context.Context, w *domain.PendingWrite) error
}

// RejectedError is a definitive server-side refusal of a queued mutation,
// e.g. the entity no longer exists.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mutation rejected by server (status %d)", e.Status)
	}
	return fmt.Sprintf("mutation rejected by server: %s", e.Reason)
}

// TokenSource adapts a cached session to an oauth2 token source so the
// HTTP client attaches the bearer token on every request. The source is
// static: when the access token expires the caller re-authenticates
// through the session cache rather than refreshing mid-flight.
func TokenSource(sess *domain.Session) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		Expiry:       sess.AccessExpiry,
	})
}
