package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewFileTestStore opens a store on a SQLite file in a temp directory.
// Unlike NewTestStore its connection pool is not capped, so concurrent
// callers really do run in parallel against the file lock.
func NewFileTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("creating file test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing file test store: %v", err)
		}
	})

	return s
}

// Fixture is a seeded account with an active campaign.
type Fixture struct {
	Account  model.Account
	Campaign model.Campaign
}

// Seed creates an active account with an IMAP password and an active
// campaign owned by the same user.
func Seed(t *testing.T, s *store.SQLStore) Fixture {
	t.Helper()
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, model.Account{
		UserID:   "user-1",
		Email:    "sender@outreach.io",
		IMAPPass: "app-password",
		Active:   true,
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	campaign, err := s.CreateCampaign(ctx, model.Campaign{
		UserID: "user-1",
		Name:   "Q3 outreach",
		Status: model.CampaignStatusActive,
	})
	if err != nil {
		t.Fatalf("seeding campaign: %v", err)
	}

	return Fixture{Account: acct, Campaign: campaign}
}

// SeedContactedLead creates a lead in campaignID and, when sentFrom is not
// empty, a sent event from that account one day ago.
func SeedContactedLead(t *testing.T, s *store.SQLStore, campaignID,
	email, sentFrom string) model.Lead {

	t.Helper()
	ctx := context.Background()

	lead, err := s.CreateLead(ctx, model.Lead{
		CampaignID: campaignID,
		Email:      email,
		Status:     model.LeadStatusContacted,
	})
	if err != nil {
		t.Fatalf("seeding lead %s: %v", email, err)
	}

	if sentFrom == "" {
		return lead
	}

	_, err = s.CreateSendEvent(ctx, model.Event{
		LeadID:     lead.ID,
		CampaignID: campaignID,
		AccountID:  sentFrom,
		MessageID:  "<out-" + lead.ID + "@outreach.io>",
		CreatedAt:  time.Now().UTC().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seeding send event for %s: %v", email, err)
	}

	return lead
}
