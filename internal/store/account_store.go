package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

const accountColumns = `
	id, user_id, email, imap_host, imap_port, imap_user, imap_pass,
	smtp_pass, active, needs_reconnect, reconnect_reason,
	created_at, updated_at`

// CreateAccount inserts a new account. Generates a UUID if ID is empty.
func (s *SQLStore) CreateAccount(ctx context.Context,
	acct model.Account) (model.Account, error) {

	if strings.TrimSpace(acct.Email) == "" {
		return model.Account{}, fmt.Errorf("account email must not be empty")
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		acct.ID, acct.UserID, acct.Email, acct.IMAPHost, acct.IMAPPort,
		acct.IMAPUser, acct.IMAPPass, acct.SMTPPass,
		boolToInt(acct.Active), boolToInt(acct.NeedsReconnect),
		acct.ReconnectReason, acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("creating account: %w", err)
	}
	return acct, nil
}

// GetAccount retrieves a single account by ID.
func (s *SQLStore) GetAccount(ctx context.Context,
	id string) (*model.Account, error) {

	var acct model.Account
	err := s.db.GetContext(ctx, &acct, s.db.Rebind(
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &acct, nil
}

// GetAccounts retrieves every account ordered by email.
func (s *SQLStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	var accts []model.Account
	err := s.db.SelectContext(ctx, &accts,
		"SELECT "+accountColumns+" FROM accounts ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	return accts, nil
}

// GetActiveAccounts retrieves the accounts eligible for inbox sync,
// including those flagged for reconnection so callers can report them.
func (s *SQLStore) GetActiveAccounts(
	ctx context.Context,
) ([]model.Account, error) {

	var accts []model.Account
	err := s.db.SelectContext(ctx, &accts,
		"SELECT "+accountColumns+" FROM accounts WHERE active = 1 ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("querying active accounts: %w", err)
	}
	return accts, nil
}

// MarkAccountNeedsReconnect flags an account after a permanent sync
// failure and records the reason.
func (s *SQLStore) MarkAccountNeedsReconnect(ctx context.Context,
	id, reason string) error {

	return s.setReconnect(ctx, id, true, reason)
}

// ClearAccountReconnect removes the reconnect flag from an account.
func (s *SQLStore) ClearAccountReconnect(ctx context.Context, id string) error {
	return s.setReconnect(ctx, id, false, "")
}

func (s *SQLStore) setReconnect(ctx context.Context, id string,
	flagged bool, reason string) error {

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE accounts SET
			needs_reconnect = ?, reconnect_reason = ?, updated_at = ?
		WHERE id = ?`),
		boolToInt(flagged), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
