package domain

import "time"

// Address is a single sender address.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Recipient is an email recipient with its CC flag preserved.
type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	CC    bool   `json:"cc,omitempty"`
}

// Email is the local copy of a server-owned message. The server is the
// authority: a sync pull overwrites the whole record by id.
type Email struct {
	ID         string      `json:"id"`
	Mailbox    string      `json:"mailbox_id"`
	Subject    string      `json:"subject"`
	Snippet    string      `json:"snippet,omitempty"`
	Body       string      `json:"body"`
	IsHTML     bool        `json:"is_html,omitempty"`
	From       Address     `json:"from"`
	Recipients []Recipient `json:"recipients,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
	IsRead     bool        `json:"is_read,omitempty"`
	IsStarred  bool        `json:"is_starred,omitempty"`
	BinnedAt   *time.Time  `json:"binned_at,omitempty"`
	CategoryID string      `json:"category_id,omitempty"`
}

func (e *Email) Table() string     { return TableEmails }
func (e *Email) Key() string       { return e.ID }
func (e *Email) MailboxID() string { return e.Mailbox }

// IsBinned reports whether the email is soft-deleted.
func (e *Email) IsBinned() bool { return e.BinnedAt != nil }

// Draft is a locally mutable message that has not been sent yet.
type Draft struct {
	ID         string      `json:"id"`
	Mailbox    string      `json:"mailbox_id"`
	Subject    string      `json:"subject,omitempty"`
	Body       string      `json:"body,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (d *Draft) Table() string     { return TableDrafts }
func (d *Draft) Key() string       { return d.ID }
func (d *Draft) MailboxID() string { return d.Mailbox }
