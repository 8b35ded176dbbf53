package store

import (
	"context"
	"errors"

	"github.com/nhle/mailsync/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEvent is returned by RecordSyncEvent when the same
	// inbound message was already recorded for the lead.
	ErrDuplicateEvent = errors.New("sync event already recorded")
)

// SyncRecord is the atomic unit written when an inbound message is
// attributed to a lead: the event, the lead's new status and the campaign
// counter bump all commit together or not at all.
type SyncRecord struct {
	Type       model.EventType
	LeadID     string
	CampaignID string
	AccountID  string
	MessageID  string
	Metadata   model.SyncMetadata
}

// Store defines the persistence interface for accounts, campaigns, leads
// and their event history.
type Store interface {
	// === Accounts ===

	CreateAccount(ctx context.Context, acct model.Account) (model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetActiveAccounts(ctx context.Context) ([]model.Account, error)
	MarkAccountNeedsReconnect(ctx context.Context, id, reason string) error
	ClearAccountReconnect(ctx context.Context, id string) error

	// === Campaigns and leads ===

	CreateCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	CreateLead(ctx context.Context, lead model.Lead) (model.Lead, error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	FindLeadByEmail(ctx context.Context, email string, activeOnly bool) (*model.Lead, error)

	// === Events ===

	CreateSendEvent(ctx context.Context, e model.Event) (model.Event, error)
	LatestSendEvent(ctx context.Context, leadID, accountID string) (*model.Event, error)
	RecordSyncEvent(ctx context.Context, rec SyncRecord) (model.Event, error)
	GetEventsForLead(ctx context.Context, leadID string) ([]model.Event, error)
}
