package mailbox

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Endpoint is a resolved mailbox address plus login credentials.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Config holds session timeouts and TLS policy.
type Config struct {
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration

	// CloseTimeout bounds how long an orderly LOGOUT may take before the
	// connection is torn down.
	CloseTimeout time.Duration

	MinTLSVersion uint16
}

// DefaultConfig returns 20s connect and auth timeouts, a 5s close timeout
// and TLS 1.2 as the minimum protocol version.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 20 * time.Second,
		AuthTimeout:    20 * time.Second,
		CloseTimeout:   5 * time.Second,
		MinTLSVersion:  tls.VersionTLS12,
	}
}

// ParseTLSVersion converts "1.0".."1.3" into a crypto/tls version constant.
func ParseTLSVersion(s string) (uint16, error) {
	switch s {
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2", "":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version %q", s)
	}
}

// RawMessage is one fetched message before parsing. Err is set when the
// server response for this message could not be collected.
type RawMessage struct {
	UID    imap.UID
	SeqNum uint32
	Body   []byte
	Err    error
}

// Message holds the fields of an inbound message the sync engine reads.
type Message struct {
	UID       imap.UID
	MessageID string

	// From is the bare sender address, lower-cased. FromName is the
	// display name, if any.
	From     string
	FromName string

	Subject string
	Date    time.Time

	// Text is the plain-text body. HTML-only messages are stripped to
	// text; delivery-status parts of bounce reports are appended.
	Text string
}

// FetchResult pairs a fetched message with its parse outcome. Exactly one
// of Message and Err is set. UID is zero when the server response could
// not be collected; SeqNum still identifies the message then.
type FetchResult struct {
	UID     imap.UID
	SeqNum  uint32
	Message *Message
	Err     error
}
