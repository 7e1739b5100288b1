package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/RiskyMH/emailthing/internal/domain"
)

// printJSON encodes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

type jsonAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type jsonEmail struct {
	ID       string      `json:"id"`
	From     jsonAddress `json:"from"`
	Subject  string      `json:"subject"`
	Snippet  string      `json:"snippet,omitempty"`
	Received string      `json:"received_at"`
	Read     bool        `json:"is_read"`
	Starred  bool        `json:"is_starred"`
	Binned   bool        `json:"is_binned,omitempty"`
	Category string      `json:"category_id,omitempty"`
}

func toJSONEmails(emails []domain.Email) []jsonEmail {
	out := make([]jsonEmail, 0, len(emails))
	for i := range emails {
		e := &emails[i]
		out = append(out, jsonEmail{
			ID:       e.ID,
			From:     jsonAddress{Name: e.From.Name, Email: e.From.Email},
			Subject:  e.Subject,
			Snippet:  e.Snippet,
			Received: e.ReceivedAt.Format(time.RFC3339),
			Read:     e.IsRead,
			Starred:  e.IsStarred,
			Binned:   e.IsBinned(),
			Category: e.CategoryID,
		})
	}
	return out
}

type jsonEmailDetail struct {
	jsonEmail
	Body       string        `json:"body"`
	IsHTML     bool          `json:"is_html,omitempty"`
	Recipients []jsonAddress `json:"recipients,omitempty"`
}

func toJSONEmailDetail(e *domain.Email) jsonEmailDetail {
	d := jsonEmailDetail{
		jsonEmail: toJSONEmails([]domain.Email{*e})[0],
		Body:      e.Body,
		IsHTML:    e.IsHTML,
	}
	for _, r := range e.Recipients {
		d.Recipients = append(d.Recipients, jsonAddress{Name: r.Name, Email: r.Email})
	}
	return d
}

type jsonDraft struct {
	ID         string        `json:"id"`
	Subject    string        `json:"subject,omitempty"`
	Body       string        `json:"body,omitempty"`
	Recipients []jsonAddress `json:"recipients,omitempty"`
	Updated    string        `json:"updated_at"`
}

func toJSONDraft(d *domain.Draft) jsonDraft {
	out := jsonDraft{
		ID:      d.ID,
		Subject: d.Subject,
		Body:    d.Body,
		Updated: d.UpdatedAt.Format(time.RFC3339),
	}
	for _, r := range d.Recipients {
		out.Recipients = append(out.Recipients, jsonAddress{Name: r.Name, Email: r.Email})
	}
	return out
}

type jsonMailbox struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Plan   string `json:"plan,omitempty"`
	Emails int    `json:"emails"`
	Unread int    `json:"unread"`
}

type jsonSyncState struct {
	Table   string `json:"table"`
	Mailbox string `json:"mailbox_id"`
	Cursor  string `json:"cursor"`
	Records int    `json:"records"`
	Synced  string `json:"synced_at"`
}

type jsonStatus struct {
	SchemaVersion int             `json:"schema_version"`
	TargetVersion int             `json:"target_version"`
	UserID        string          `json:"user_id,omitempty"`
	Mailboxes     []string        `json:"mailbox_ids,omitempty"`
	SessionValid  bool            `json:"session_valid"`
	LastSync      string          `json:"last_sync_at,omitempty"`
	Checkpoints   []jsonSyncState `json:"checkpoints,omitempty"`
}

func toJSONStatus(version, target int, sess *domain.Session, lastSync string, states []domain.SyncState) jsonStatus {
	st := jsonStatus{
		SchemaVersion: version,
		TargetVersion: target,
		LastSync:      lastSync,
	}
	if sess != nil {
		st.UserID = sess.UserID
		st.Mailboxes = sess.MailboxIDs
		st.SessionValid = sess.AccessValid(time.Now())
	}
	for _, s := range states {
		st.Checkpoints = append(st.Checkpoints, jsonSyncState{
			Table:   s.TableName,
			Mailbox: s.Mailbox,
			Cursor:  s.Cursor,
			Records: s.Count,
			Synced:  s.SyncedAt.Format(time.RFC3339),
		})
	}
	return st
}

type jsonAction struct {
	OK      bool   `json:"ok"`
	Action  string `json:"action"`
	EmailID string `json:"email_id,omitempty"`
	DraftID string `json:"draft_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}
