package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
)

// Close paths recorded on a Session.
const (
	CloseOrderly = "orderly"
	CloseForced  = "forced"
)

// Mailbox is the narrow search/fetch/parse surface a sync runs against.
type Mailbox interface {
	// SelectReadOnly opens folder without permission to change flags.
	SelectReadOnly(ctx context.Context, folder string) error

	// SearchUnseenSince returns UIDs of messages without \Seen received
	// on or after since.
	SearchUnseenSince(ctx context.Context, since time.Time) ([]imap.UID, error)

	// Fetch retrieves and parses each UID. Per-message failures are
	// reported in the results; a returned error means the fetch itself
	// failed.
	Fetch(ctx context.Context, uids []imap.UID) ([]FetchResult, error)
}

// Session is one authenticated mailbox connection, exclusively owned by a
// single sync attempt. It is closed exactly once, by whichever close path
// runs first.
type Session struct {
	conn         Conn
	closeTimeout time.Duration
	log          *slog.Logger

	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	closePath string
}

func newSession(conn Conn, closeTimeout time.Duration, log *slog.Logger) *Session {
	if closeTimeout <= 0 {
		closeTimeout = DefaultConfig().CloseTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:         conn,
		closeTimeout: closeTimeout,
		log:          log,
	}
}

// SelectReadOnly implements Mailbox.
func (s *Session) SelectReadOnly(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.Select(folder, true)
}

// SearchUnseenSince implements Mailbox.
func (s *Session) SearchUnseenSince(ctx context.Context,
	since time.Time) ([]imap.UID, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		Since:   since,
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	return s.conn.UIDSearch(criteria)
}

// Fetch implements Mailbox.
func (s *Session) Fetch(ctx context.Context,
	uids []imap.UID) ([]FetchResult, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := s.conn.FetchBodies(uids)
	if err != nil {
		return nil, err
	}

	results := make([]FetchResult, 0, len(raw))
	for _, r := range raw {
		if r.Err != nil {
			results = append(results, FetchResult{
				UID: r.UID, SeqNum: r.SeqNum, Err: r.Err,
			})
			continue
		}

		msg, err := ParseMessage(r.Body)
		if err != nil {
			results = append(results, FetchResult{
				UID:    r.UID,
				SeqNum: r.SeqNum,
				Err:    fmt.Errorf("parsing message %d: %w", r.UID, err),
			})
			continue
		}

		msg.UID = r.UID
		results = append(results, FetchResult{
			UID: r.UID, SeqNum: r.SeqNum, Message: msg,
		})
	}

	return results, nil
}

// Close ends the session with an orderly LOGOUT, tearing the connection
// down if the server does not acknowledge within the close timeout or the
// logout fails. Calls after the first close are no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.orderlyClose()
	})
	return s.closeErr
}

// ClosePath reports how the session was closed, or "" while still open.
func (s *Session) ClosePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closePath
}

// teardown closes the connection without a LOGOUT. It is the only way to
// abandon an in-flight command.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.setClosePath(CloseForced)
		s.log.Warn("Tearing down mailbox session")
		s.closeErr = s.conn.Close()
	})
}

func (s *Session) orderlyClose() error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("logout panicked: %v", r)
			}
		}()
		done <- s.conn.Logout()
	}()

	timer := time.NewTimer(s.closeTimeout)
	defer timer.Stop()

	var logoutErr error
	select {
	case logoutErr = <-done:
	case <-timer.C:
		logoutErr = fmt.Errorf("no logout acknowledgment within %v",
			s.closeTimeout)
	}

	// The socket is released on every path; after a clean LOGOUT the
	// server may already have hung up, so that close error is ignored.
	closeErr := s.conn.Close()

	if logoutErr != nil {
		s.setClosePath(CloseForced)
		s.log.Warn("Orderly logout failed, connection torn down",
			"error", logoutErr)
		return errors.Join(logoutErr, closeErr)
	}

	s.setClosePath(CloseOrderly)
	return nil
}

func (s *Session) setClosePath(path string) {
	s.mu.Lock()
	s.closePath = path
	s.mu.Unlock()

	metrics.SessionCloses.WithLabelValues(path).Inc()
}

// SecretFunc looks up an account's IMAP secret outside the account record.
type SecretFunc func(accountID string) (string, error)

// Manager opens sessions and guarantees they are closed.
type Manager struct {
	cfg     Config
	dial    DialFunc
	secrets SecretFunc
	log     *slog.Logger
}

// NewManager creates a Manager. A nil dial uses DialTLS; a nil secrets
// disables the keyring fallback; a nil logger uses slog.Default().
func NewManager(cfg Config, dial DialFunc, secrets SecretFunc,
	log *slog.Logger) *Manager {

	if dial == nil {
		dial = DialTLS
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		dial:    dial,
		secrets: secrets,
		log:     log,
	}
}

// WithSession opens a session for acct, runs fn, and closes the session on
// every exit path: normal return, error, panic, or ctx cancellation. On
// cancellation the connection is torn down immediately, which makes any
// blocked protocol command fail.
func (m *Manager) WithSession(ctx context.Context, acct model.Account,
	fn func(Mailbox) error) error {

	ep, err := m.Endpoint(acct)
	if err != nil {
		return err
	}

	conn, err := m.dial(ctx, ep, m.cfg)
	if err != nil {
		return err
	}

	sess := newSession(conn, m.cfg.CloseTimeout,
		m.log.With("account", acct.Email))

	stop := context.AfterFunc(ctx, sess.teardown)
	defer stop()

	defer func() {
		if cerr := sess.Close(); cerr != nil {
			m.log.Debug("Mailbox session close reported error",
				"account", acct.Email, "error", cerr)
		}
	}()

	return fn(sess)
}

// Endpoint resolves the host, port and credentials for acct. The secret
// comes from imap_pass, then smtp_pass, then the SecretFunc.
func (m *Manager) Endpoint(acct model.Account) (Endpoint, error) {
	ep := Endpoint{
		Host:     acct.Host(),
		Port:     acct.Port(),
		Username: acct.Username(),
		Password: acct.Secret(),
	}

	if ep.Password == "" && m.secrets != nil {
		secret, err := m.secrets(acct.ID)
		if err != nil {
			m.log.Debug("No keyring secret for account",
				"account", acct.Email, "error", err)
		}
		ep.Password = secret
	}

	if ep.Password == "" {
		return Endpoint{}, &AuthError{
			Username: ep.Username,
			Err:      errors.New("no IMAP credentials configured"),
		}
	}

	return ep, nil
}
