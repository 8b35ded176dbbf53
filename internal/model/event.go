package model

import "time"

// EventType tags an entry in the append-only event history.
type EventType string

const (
	EventTypeSent   EventType = "sent"
	EventTypeReply  EventType = "reply"
	EventTypeBounce EventType = "bounce"
)

// LeadStatus returns the lead status a sync event of this type moves its
// lead into. It returns "" for types that do not change lead status.
func (t EventType) LeadStatus() string {
	switch t {
	case EventTypeReply:
		return LeadStatusReplied
	case EventTypeBounce:
		return LeadStatusBounced
	default:
		return ""
	}
}

// Event is an immutable history record. Sent events come from the outbound
// path; reply and bounce events are created by the inbox sync.
type Event struct {
	ID         string    `json:"id" db:"id"`
	Type       EventType `json:"type" db:"type"`
	LeadID     string    `json:"lead_id" db:"lead_id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	AccountID  string    `json:"account_id" db:"account_id"`

	// MessageID is the RFC 5322 Message-ID of the inbound message that
	// produced a sync event, or the outbound message for sent events.
	MessageID string `json:"message_id" db:"message_id"`

	// Metadata is a JSON document; see SyncMetadata for sync events.
	Metadata  string    `json:"metadata" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SyncMetadata is the payload stored with reply and bounce events.
type SyncMetadata struct {
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Address    string    `json:"address"`
	Reason     string    `json:"reason"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitzero"`

	// SendEventID is the sent event the message was attributed to.
	SendEventID string `json:"send_event_id,omitempty"`
}
