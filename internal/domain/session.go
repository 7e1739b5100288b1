package domain

import "time"

// SessionKey is the fixed key of the singleton session record. At most one
// session lives in a local store; Save replaces it wholesale.
const SessionKey = "1"

// Session is the authenticated state cached on this device. The token
// strings are held in the OS keyring, not in the store; the persisted
// record carries only the metadata fields.
type Session struct {
	UserID        string    `json:"user_id"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
	MailboxIDs    []string  `json:"mailbox_ids"`
}

func (s *Session) Table() string     { return TableSession }
func (s *Session) Key() string       { return SessionKey }
func (s *Session) MailboxID() string { return "" }

// AccessValid reports whether the access token is still usable at t.
func (s *Session) AccessValid(t time.Time) bool {
	return s.AccessToken != "" && t.Before(s.AccessExpiry)
}

// RefreshValid reports whether the refresh token is still usable at t.
func (s *Session) RefreshValid(t time.Time) bool {
	return s.RefreshToken != "" && t.Before(s.RefreshExpiry)
}
