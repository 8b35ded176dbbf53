package model

import "time"

// Default IMAP endpoint used when an account leaves host or port unset.
const (
	DefaultIMAPHost = "imap.gmail.com"
	DefaultIMAPPort = 993
)

// Account is a sender identity with mailbox credentials. The sync engine
// only reads accounts; the reconnect flag is the one field it writes.
type Account struct {
	ID       string `json:"id" db:"id"`
	UserID   string `json:"user_id" db:"user_id"`
	Email    string `json:"email" db:"email"`
	IMAPHost string `json:"imap_host" db:"imap_host"`
	IMAPPort int    `json:"imap_port" db:"imap_port"`
	IMAPUser string `json:"imap_user" db:"imap_user"`
	IMAPPass string `json:"-" db:"imap_pass"`
	SMTPPass string `json:"-" db:"smtp_pass"`
	Active   bool   `json:"active" db:"active"`

	// NeedsReconnect is set when a sync fails with a permanent error
	// (bad credentials, unknown host). Flagged accounts are skipped by the
	// poller until an operator clears the flag.
	NeedsReconnect  bool   `json:"needs_reconnect" db:"needs_reconnect"`
	ReconnectReason string `json:"reconnect_reason,omitempty" db:"reconnect_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Host returns the IMAP host, defaulting to DefaultIMAPHost.
func (a Account) Host() string {
	if a.IMAPHost == "" {
		return DefaultIMAPHost
	}
	return a.IMAPHost
}

// Port returns the IMAP port, defaulting to DefaultIMAPPort.
func (a Account) Port() int {
	if a.IMAPPort <= 0 {
		return DefaultIMAPPort
	}
	return a.IMAPPort
}

// Username returns the IMAP login, falling back to the account address.
func (a Account) Username() string {
	if a.IMAPUser == "" {
		return a.Email
	}
	return a.IMAPUser
}

// Secret returns the IMAP password, falling back to the SMTP password.
// An empty result means the secret must come from the keyring.
func (a Account) Secret() string {
	if a.IMAPPass != "" {
		return a.IMAPPass
	}
	return a.SMTPPass
}
