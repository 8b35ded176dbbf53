package model

import "time"

// Lead status constants.
const (
	LeadStatusNew          = "new"
	LeadStatusContacted    = "contacted"
	LeadStatusReplied      = "replied"
	LeadStatusBounced      = "bounced"
	LeadStatusCompleted    = "completed"
	LeadStatusUnsubscribed = "unsubscribed"
)

// Lead is an outreach recipient. It belongs to exactly one campaign.
type Lead struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Email      string    `json:"email" db:"email"`
	Name       string    `json:"name" db:"name"`
	Status     string    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
