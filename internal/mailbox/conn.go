package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Conn is the part of the IMAP protocol a Session drives. It is satisfied
// by the go-imap client wrapper returned from DialTLS and by test fakes.
type Conn interface {
	// Select opens a mailbox, read-only when readOnly is set.
	Select(mailbox string, readOnly bool) error

	// UIDSearch returns the UIDs of messages matching criteria.
	UIDSearch(criteria *imap.SearchCriteria) ([]imap.UID, error)

	// FetchBodies retrieves the full RFC 5322 source of each UID without
	// setting the \Seen flag.
	FetchBodies(uids []imap.UID) ([]RawMessage, error)

	// Logout performs an orderly LOGOUT and waits for the server's
	// acknowledgment.
	Logout() error

	// Close tears down the underlying connection immediately.
	Close() error
}

// DialFunc opens an authenticated connection to an endpoint.
type DialFunc func(ctx context.Context, ep Endpoint, cfg Config) (Conn, error)

// imapConn adapts an imapclient.Client to Conn.
type imapConn struct {
	client *imapclient.Client
}

// DialTLS connects over implicit TLS, enforcing cfg.MinTLSVersion, and logs
// in. The connect timeout bounds the TCP and TLS handshakes; the auth
// timeout bounds the greeting and LOGIN exchange.
func DialTLS(ctx context.Context, ep Endpoint, cfg Config) (Conn, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.ConnectTimeout},
		Config: &tls.Config{
			ServerName: ep.Host,
			MinVersion: cfg.MinTLSVersion,
		},
	}

	raw, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	client := imapclient.New(raw, nil)

	if cfg.AuthTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(cfg.AuthTimeout))
	}

	if err := client.Login(ep.Username, ep.Password).Wait(); err != nil {
		_ = client.Close()

		// A tagged NO to LOGIN is the server refusing the credentials;
		// anything else is a transport problem.
		var imapErr *imap.Error
		if errors.As(err, &imapErr) &&
			imapErr.Type == imap.StatusResponseTypeNo {

			return nil, &AuthError{Username: ep.Username, Err: err}
		}

		return nil, fmt.Errorf("logging in to %s as %s: %w",
			addr, ep.Username, err)
	}

	_ = raw.SetDeadline(time.Time{})

	return &imapConn{client: client}, nil
}

func (c *imapConn) Select(mailbox string, readOnly bool) error {
	opts := &imap.SelectOptions{ReadOnly: readOnly}
	if _, err := c.client.Select(mailbox, opts).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}
	return nil
}

func (c *imapConn) UIDSearch(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return data.AllUIDs(), nil
}

func (c *imapConn) FetchBodies(uids []imap.UID) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	// Peek keeps the server from setting \Seen on fetched messages.
	bodySection := &imap.FetchItemBodySection{Peek: true}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	messages := make([]RawMessage, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		seqNum := msg.SeqNum
		buf, err := msg.Collect()
		if err != nil {
			messages = append(messages, RawMessage{
				SeqNum: seqNum,
				Err:    fmt.Errorf("collecting message %d: %w", seqNum, err),
			})
			continue
		}

		messages = append(messages, RawMessage{
			UID:    buf.UID,
			SeqNum: seqNum,
			Body:   buf.FindBodySection(bodySection),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	return messages, nil
}

func (c *imapConn) Logout() error {
	return c.client.Logout().Wait()
}

func (c *imapConn) Close() error {
	return c.client.Close()
}
