package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

const eventColumns = `
	id, type, lead_id, campaign_id, account_id, message_id, metadata,
	created_at`

// CreateSendEvent records an outbound send. It exists for the send path
// and for seeding; the sync engine only reads sent events.
func (s *SQLStore) CreateSendEvent(ctx context.Context,
	e model.Event) (model.Event, error) {

	e.Type = model.EventTypeSent
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := insertEvent(ctx, s.db, e); err != nil {
		return model.Event{}, fmt.Errorf("creating send event: %w", err)
	}
	return e, nil
}

// LatestSendEvent returns the most recent sent event for leadID from
// accountID.
func (s *SQLStore) LatestSendEvent(ctx context.Context,
	leadID, accountID string) (*model.Event, error) {

	var e model.Event
	err := s.db.GetContext(ctx, &e, s.db.Rebind(`
		SELECT `+eventColumns+` FROM events
		WHERE lead_id = ? AND type = ? AND account_id = ?
		ORDER BY created_at DESC
		LIMIT 1`),
		leadID, model.EventTypeSent, accountID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("send event for lead %s: %w", leadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding send event for lead %s: %w",
			leadID, err)
	}
	return &e, nil
}

// RecordSyncEvent commits a reply or bounce in a single transaction: the
// event insert, the lead status update and the campaign counter increment.
// If an event for the same message was already recorded for the lead, it
// returns ErrDuplicateEvent and writes nothing.
func (s *SQLStore) RecordSyncEvent(ctx context.Context,
	rec SyncRecord) (model.Event, error) {

	status := rec.Type.LeadStatus()
	counter, err := counterColumn(rec.Type)
	if err != nil {
		return model.Event{}, err
	}

	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return model.Event{}, fmt.Errorf("marshaling event metadata: %w", err)
	}

	now := time.Now().UTC()
	e := model.Event{
		ID:         uuid.New().String(),
		Type:       rec.Type,
		LeadID:     rec.LeadID,
		CampaignID: rec.CampaignID,
		AccountID:  rec.AccountID,
		MessageID:  rec.MessageID,
		Metadata:   string(metadata),
		CreatedAt:  now,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Event{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.MessageID != "" {
		var existing int
		err := tx.GetContext(ctx, &existing, tx.Rebind(`
			SELECT COUNT(*) FROM events
			WHERE account_id = ? AND lead_id = ? AND type = ?
				AND message_id = ?`),
			rec.AccountID, rec.LeadID, rec.Type, rec.MessageID,
		)
		if err != nil {
			return model.Event{}, fmt.Errorf("checking for duplicate: %w", err)
		}
		if existing > 0 {
			return model.Event{}, ErrDuplicateEvent
		}
	}

	if err := insertEvent(ctx, tx, e); err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, ErrDuplicateEvent
		}
		return model.Event{}, fmt.Errorf("inserting %s event: %w", e.Type, err)
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`),
		status, now, rec.LeadID,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("updating lead %s: %w", rec.LeadID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return model.Event{}, fmt.Errorf("lead %s: %w", rec.LeadID, ErrNotFound)
	}

	result, err = tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`
		UPDATE campaigns SET %[1]s = %[1]s + 1, updated_at = ? WHERE id = ?`,
		counter)),
		now, rec.CampaignID,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("incrementing %s on campaign %s: %w",
			counter, rec.CampaignID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return model.Event{}, fmt.Errorf("campaign %s: %w",
			rec.CampaignID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return model.Event{}, fmt.Errorf("committing %s event: %w", e.Type, err)
	}
	return e, nil
}

// GetEventsForLead retrieves a lead's event history, oldest first.
func (s *SQLStore) GetEventsForLead(ctx context.Context,
	leadID string) ([]model.Event, error) {

	var events []model.Event
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT `+eventColumns+` FROM events
		WHERE lead_id = ?
		ORDER BY created_at`), leadID)
	if err != nil {
		return nil, fmt.Errorf("querying events for lead %s: %w", leadID, err)
	}
	return events, nil
}

func insertEvent(ctx context.Context, db sqlx.ExtContext, e model.Event) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Type, e.LeadID, e.CampaignID, e.AccountID, e.MessageID,
		e.Metadata, e.CreatedAt,
	)
	return err
}

// counterColumn maps a sync event type to the campaign counter it bumps.
func counterColumn(t model.EventType) (string, error) {
	switch t {
	case model.EventTypeReply:
		return "reply_count", nil
	case model.EventTypeBounce:
		return "bounce_count", nil
	default:
		return "", fmt.Errorf("event type %q is not a sync event", t)
	}
}
