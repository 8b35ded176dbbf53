// Package sync scans sender mailboxes for replies and bounces, attributes
// them to earlier sends and records the outcome.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
	"github.com/nhle/mailsync/internal/store"
)

// Opener runs fn against an open mailbox and closes it afterwards.
// mailbox.Manager is the production implementation.
type Opener interface {
	WithSession(ctx context.Context, acct model.Account,
		fn func(mailbox.Mailbox) error) error
}

// EventStore is the part of the store the syncer correlates and commits
// against.
type EventStore interface {
	FindLeadByEmail(ctx context.Context, email string,
		activeOnly bool) (*model.Lead, error)
	LatestSendEvent(ctx context.Context,
		leadID, accountID string) (*model.Event, error)
	RecordSyncEvent(ctx context.Context,
		rec store.SyncRecord) (model.Event, error)
}

// Config controls a single account scan.
type Config struct {
	// Folder is the mailbox scanned, normally INBOX.
	Folder string

	// Lookback bounds how old an unseen message may be and still be
	// scanned.
	Lookback time.Duration

	// MessageWorkers bounds how many messages of one batch are
	// correlated concurrently.
	MessageWorkers int

	// RequireActiveCampaign restricts lead lookups to active campaigns.
	RequireActiveCampaign bool
}

// DefaultConfig scans the last 7 days of INBOX with 4 message workers.
func DefaultConfig() Config {
	return Config{
		Folder:                "INBOX",
		Lookback:              7 * 24 * time.Hour,
		MessageWorkers:        4,
		RequireActiveCampaign: true,
	}
}

// Result holds the number of replies and bounces recorded by one sync.
type Result struct {
	Replies int `json:"replies"`
	Bounces int `json:"bounces"`
}

// Syncer runs the inbox scan for one account at a time. It holds no
// per-account state and is safe for concurrent use across accounts.
type Syncer struct {
	cfg        Config
	opener     Opener
	store      EventStore
	retry      *retry.Controller
	classifier *Classifier
	log        *slog.Logger
	now        func() time.Time
}

// NewSyncer creates a Syncer. A nil classifier uses DefaultBounceRules; a
// nil logger uses slog.Default().
func NewSyncer(cfg Config, opener Opener, st EventStore,
	rc *retry.Controller, classifier *Classifier,
	log *slog.Logger) *Syncer {

	defaults := DefaultConfig()
	if cfg.Folder == "" {
		cfg.Folder = defaults.Folder
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaults.Lookback
	}
	if cfg.MessageWorkers <= 0 {
		cfg.MessageWorkers = 1
	}
	if classifier == nil {
		classifier = NewClassifier(DefaultBounceRules())
	}
	if log == nil {
		log = slog.Default()
	}

	return &Syncer{
		cfg:        cfg,
		opener:     opener,
		store:      st,
		retry:      rc,
		classifier: classifier,
		log:        log,
		now:        time.Now,
	}
}

// SyncAccountInbox scans the account's folder for unseen messages within
// the lookback window, records every attributable reply and bounce, and
// returns the counts. Connection, search and fetch failures are retried
// by the retry controller; per-message failures are logged and skipped.
func (s *Syncer) SyncAccountInbox(ctx context.Context,
	acct model.Account) (Result, error) {

	start := time.Now()
	defer func() {
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()

	res, err := retry.Do(ctx, s.retry, acct.Email, "syncAccountInbox",
		func(ctx context.Context) (Result, error) {
			return s.syncOnce(ctx, acct)
		},
	)
	if err != nil {
		metrics.SyncsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	metrics.SyncsTotal.WithLabelValues("ok").Inc()
	s.log.InfoContext(ctx, "Inbox sync complete",
		"account", acct.Email, "replies", res.Replies,
		"bounces", res.Bounces, "duration", time.Since(start))

	return res, nil
}

// CheckForReplies runs the combined scan and returns only the reply count.
func (s *Syncer) CheckForReplies(ctx context.Context,
	acct model.Account) (int, error) {

	res, err := s.SyncAccountInbox(ctx, acct)
	return res.Replies, err
}

// CheckForBounces runs the combined scan and returns only the bounce
// count.
func (s *Syncer) CheckForBounces(ctx context.Context,
	acct model.Account) (int, error) {

	res, err := s.SyncAccountInbox(ctx, acct)
	return res.Bounces, err
}

// syncOnce is a single attempt: one session, one search, one fetch, then
// every message processed before the session closes.
func (s *Syncer) syncOnce(ctx context.Context,
	acct model.Account) (Result, error) {

	var res Result
	err := s.opener.WithSession(ctx, acct, func(mb mailbox.Mailbox) error {
		if err := mb.SelectReadOnly(ctx, s.cfg.Folder); err != nil {
			return err
		}

		since := s.now().Add(-s.cfg.Lookback)
		uids, err := mb.SearchUnseenSince(ctx, since)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			s.log.DebugContext(ctx, "No unseen messages",
				"account", acct.Email, "folder", s.cfg.Folder)
			return nil
		}

		results, err := mb.Fetch(ctx, uids)
		if err != nil {
			return err
		}
		metrics.MessagesScanned.Add(float64(len(results)))

		res, err = s.processBatch(ctx, acct, results)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	return res, nil
}

// processBatch classifies, correlates and commits every fetched message
// on a bounded group of workers and waits for all of them.
func (s *Syncer) processBatch(ctx context.Context, acct model.Account,
	results []mailbox.FetchResult) (Result, error) {

	var replies, bounces atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.cfg.MessageWorkers)

	for _, fr := range results {
		g.Go(func() error {
			kind, n := s.processMessage(ctx, acct, fr)
			switch kind {
			case KindReply:
				replies.Add(int64(n))
			case KindBounce:
				bounces.Add(int64(n))
			}
			return nil
		})
	}
	_ = g.Wait()

	// A cancelled scan may have committed part of the batch; the caller
	// still sees the attempt as failed.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return Result{
		Replies: int(replies.Load()),
		Bounces: int(bounces.Load()),
	}, nil
}

// processMessage handles one fetched message and returns its kind and the
// number of events recorded for it. Failures are logged, never returned.
func (s *Syncer) processMessage(ctx context.Context, acct model.Account,
	fr mailbox.FetchResult) (Kind, int) {

	log := s.log.With("account", acct.Email, "uid", fr.UID)
	if fr.UID == 0 {
		log = s.log.With("account", acct.Email, "seq", fr.SeqNum)
	}

	if fr.Err != nil || fr.Message == nil {
		err := fr.Err
		if err == nil {
			err = mailbox.ErrEmptyMessage
		}
		metrics.MessageFailures.WithLabelValues("parse").Inc()
		log.WarnContext(ctx, "Skipping unreadable message", "error", err)
		return KindIgnore, 0
	}

	msg := fr.Message
	cls := s.classifier.Classify(msg)
	if cls.Kind == KindIgnore {
		log.DebugContext(ctx, "Ignoring message without sender")
		return KindIgnore, 0
	}

	recorded := 0
	for _, addr := range cls.Candidates {
		ok, err := s.attribute(ctx, acct, msg, cls.Kind, addr)
		if err != nil {
			metrics.MessageFailures.WithLabelValues("commit").Inc()
			log.WarnContext(ctx, "Failed to record message",
				"kind", cls.Kind, "address", addr, "error", err)
			continue
		}
		if ok {
			recorded++
		}
	}

	return cls.Kind, recorded
}

// attribute correlates one candidate address with a lead and the account's
// latest send to it, and records the event. It reports false without
// error when the address is not attributable or was already recorded.
func (s *Syncer) attribute(ctx context.Context, acct model.Account,
	msg *mailbox.Message, kind Kind, addr string) (bool, error) {

	lead, err := s.store.FindLeadByEmail(ctx, addr,
		s.cfg.RequireActiveCampaign)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding lead: %w", err)
	}

	send, err := s.store.LatestSendEvent(ctx, lead.ID, acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.log.DebugContext(ctx, "Lead was never sent to from this account",
			"account", acct.Email, "lead", lead.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("finding send event: %w", err)
	}

	event, err := s.store.RecordSyncEvent(ctx, store.SyncRecord{
		Type:       kind.EventType(),
		LeadID:     lead.ID,
		CampaignID: lead.CampaignID,
		AccountID:  acct.ID,
		MessageID:  msg.MessageID,
		Metadata: model.SyncMetadata{
			Subject:     msg.Subject,
			From:        msg.From,
			Address:     addr,
			Reason:      reason(kind, msg),
			MessageID:   msg.MessageID,
			ReceivedAt:  msg.Date,
			SendEventID: send.ID,
		},
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		s.log.DebugContext(ctx, "Message already recorded",
			"account", acct.Email, "lead", lead.ID,
			"message_id", msg.MessageID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metrics.EventsRecorded.WithLabelValues(string(event.Type)).Inc()
	s.log.InfoContext(ctx, "Recorded inbound event",
		"account", acct.Email, "type", event.Type, "lead", lead.ID,
		"address", addr)

	return true, nil
}

func reason(kind Kind, msg *mailbox.Message) string {
	if kind == KindBounce {
		return fmt.Sprintf("delivery failure reported by %s", msg.From)
	}
	return "reply received"
}
