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

const campaignColumns = `
	id, user_id, name, status, bounce_count, reply_count,
	created_at, updated_at`

const leadColumns = `
	id, campaign_id, email, name, status, created_at, updated_at`

// CreateCampaign inserts a new campaign. Generates a UUID if ID is empty
// and defaults the status to draft.
func (s *SQLStore) CreateCampaign(ctx context.Context,
	c model.Campaign) (model.Campaign, error) {

	if strings.TrimSpace(c.Name) == "" {
		return model.Campaign{}, fmt.Errorf("campaign name must not be empty")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.UserID, c.Name, c.Status, c.BounceCount, c.ReplyCount,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Campaign{}, fmt.Errorf("creating campaign: %w", err)
	}
	return c, nil
}

// GetCampaign retrieves a single campaign by ID.
func (s *SQLStore) GetCampaign(ctx context.Context,
	id string) (*model.Campaign, error) {

	var c model.Campaign
	err := s.db.GetContext(ctx, &c, s.db.Rebind(
		"SELECT "+campaignColumns+" FROM campaigns WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting campaign %s: %w", id, err)
	}
	return &c, nil
}

// CreateLead inserts a new lead. The email is stored lower-cased so
// lookups by address are case-insensitive.
func (s *SQLStore) CreateLead(ctx context.Context,
	lead model.Lead) (model.Lead, error) {

	lead.Email = strings.ToLower(strings.TrimSpace(lead.Email))
	if lead.Email == "" {
		return model.Lead{}, fmt.Errorf("lead email must not be empty")
	}
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		lead.ID, lead.CampaignID, lead.Email, lead.Name, lead.Status,
		lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		return model.Lead{}, fmt.Errorf("creating lead: %w", err)
	}
	return lead, nil
}

// GetLead retrieves a single lead by ID.
func (s *SQLStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	var lead model.Lead
	err := s.db.GetContext(ctx, &lead, s.db.Rebind(
		"SELECT "+leadColumns+" FROM leads WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting lead %s: %w", id, err)
	}
	return &lead, nil
}

// FindLeadByEmail returns the most recently created lead with the given
// address. With activeOnly set, only leads whose campaign is active are
// considered.
func (s *SQLStore) FindLeadByEmail(ctx context.Context, email string,
	activeOnly bool) (*model.Lead, error) {

	email = strings.ToLower(strings.TrimSpace(email))

	query := `
		SELECT l.id, l.campaign_id, l.email, l.name, l.status,
			l.created_at, l.updated_at
		FROM leads l
		JOIN campaigns c ON c.id = l.campaign_id
		WHERE LOWER(l.email) = ?`
	args := []interface{}{email}
	if activeOnly {
		query += " AND c.status = ?"
		args = append(args, model.CampaignStatusActive)
	}
	query += " ORDER BY l.created_at DESC LIMIT 1"

	var lead model.Lead
	err := s.db.GetContext(ctx, &lead, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lead %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding lead %s: %w", email, err)
	}
	return &lead, nil
}
