package domain

// Mailbox is the local copy of a server-owned mailbox.
type Mailbox struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	StorageUsed int64  `json:"storage_used,omitempty"`
	Plan        string `json:"plan,omitempty"`
}

func (m *Mailbox) Table() string { return TableMailboxes }
func (m *Mailbox) Key() string   { return m.ID }

// MailboxID returns the mailbox's own id. A Mailbox record is not checked
// against itself at write time.
func (m *Mailbox) MailboxID() string { return m.ID }

// Category is a user-defined label emails can be filed under.
type Category struct {
	ID      string `json:"id"`
	Mailbox string `json:"mailbox_id"`
	Name    string `json:"name"`
	Color   string `json:"color,omitempty"`
}

func (c *Category) Table() string     { return TableCategories }
func (c *Category) Key() string       { return c.ID }
func (c *Category) MailboxID() string { return c.Mailbox }

// MailboxAlias is an address the mailbox can send and receive as.
// At most one alias per mailbox has IsDefault set; the store enforces
// this at write time by unsetting the previous default.
type MailboxAlias struct {
	ID        string `json:"id"`
	Mailbox   string `json:"mailbox_id"`
	Alias     string `json:"alias"`
	Name      string `json:"name,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

func (a *MailboxAlias) Table() string     { return TableAliases }
func (a *MailboxAlias) Key() string       { return a.ID }
func (a *MailboxAlias) MailboxID() string { return a.Mailbox }
