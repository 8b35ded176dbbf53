package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	gosync "sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/errclass"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

// fakeMailbox serves a fixed fetch batch and records what was asked of it.
type fakeMailbox struct {
	results   []mailbox.FetchResult
	selectErr error
	searchErr error
	fetchErr  error

	mu       gosync.Mutex
	folder   string
	since    time.Time
	searched int
	fetched  []imap.UID
}

func (m *fakeMailbox) SelectReadOnly(_ context.Context, folder string) error {
	m.mu.Lock()
	m.folder = folder
	m.mu.Unlock()
	return m.selectErr
}

func (m *fakeMailbox) SearchUnseenSince(_ context.Context,
	since time.Time) ([]imap.UID, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = since
	m.searched++
	if m.searchErr != nil {
		return nil, m.searchErr
	}

	uids := make([]imap.UID, 0, len(m.results))
	for _, r := range m.results {
		uids = append(uids, r.UID)
	}
	return uids, nil
}

func (m *fakeMailbox) Fetch(_ context.Context,
	uids []imap.UID) ([]mailbox.FetchResult, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched = uids
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.results, nil
}

// fakeOpener fails the first len(openErrs) opens with the given errors,
// then hands out mb.
type fakeOpener struct {
	mb       *fakeMailbox
	openErrs []error

	mu    gosync.Mutex
	opens int
}

func (o *fakeOpener) WithSession(_ context.Context, _ model.Account,
	fn func(mailbox.Mailbox) error) error {

	o.mu.Lock()
	i := o.opens
	o.opens++
	o.mu.Unlock()

	if i < len(o.openErrs) && o.openErrs[i] != nil {
		return o.openErrs[i]
	}
	return fn(o.mb)
}

// recordingStore counts commits and can fail them for chosen addresses.
type recordingStore struct {
	EventStore

	commits atomic.Int32
	failFor string
}

func (r *recordingStore) RecordSyncEvent(ctx context.Context,
	rec store.SyncRecord) (model.Event, error) {

	r.commits.Add(1)
	if r.failFor != "" && rec.Metadata.Address == r.failFor {
		return model.Event{}, errors.New("database is locked")
	}
	return r.EventStore.RecordSyncEvent(ctx, rec)
}

type sleepRecorder struct {
	mu    gosync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func newTestSyncer(opener Opener, st EventStore,
	rec *sleepRecorder) *Syncer {

	rc := retry.New(retry.Config{
		MaxAttempts: 3,
		Delays: []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second,
		},
	}, errclass.New(errclass.DefaultConfig()), nil, retry.WithSleep(rec.sleep))

	s := NewSyncer(DefaultConfig(), opener, st, rc, nil, nil)
	s.now = func() time.Time { return testNow }
	return s
}

func parsed(t *testing.T, uid imap.UID, raw string) mailbox.FetchResult {
	t.Helper()

	msg, err := mailbox.ParseMessage([]byte(raw))
	require.NoError(t, err)
	msg.UID = uid
	return mailbox.FetchResult{UID: uid, Message: msg}
}

func reply(uid imap.UID, from, messageID string) mailbox.FetchResult {
	return mailbox.FetchResult{
		UID: uid,
		Message: &mailbox.Message{
			UID:       uid,
			MessageID: messageID,
			From:      from,
			Subject:   "Re: quick question",
			Date:      testNow.Add(-time.Hour),
			Text:      "Sounds interesting, tell me more.",
		},
	}
}

const dsnFailure = "From: Mail Delivery Subsystem <mailer-daemon@googlemail.com>\r\n" +
	"To: sender@outreach.io\r\n" +
	"Subject: Delivery Status Notification (Failure)\r\n" +
	"Message-ID: <dsn-1@mx.google.com>\r\n" +
	"Date: Tue, 13 Oct 2026 09:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your message wasn't delivered to someone@lost.com because the address\r\n" +
	"couldn't be found.\r\n"

func TestSyncBounceRecorded(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	fx := testutil.Seed(t, s)
	lead := testutil.SeedContactedLead(t, s, fx.Campaign.ID,
		"someone@lost.com", fx.Account.ID)

	mb := &fakeMailbox{results: []mailbox.FetchResult{parsed(t, 1, dsnFailure)}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{Replies: 0, Bounces: 1}, res)

	updated, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Equal(t, model.LeadStatusBounced, updated.Status)

	campaign, err := s.GetCampaign(ctx, fx.Campaign.ID)
	require.NoError(t, err)
	require.Equal(t, 1, campaign.BounceCount)
	require.Equal(t, 0, campaign.ReplyCount)

	events, err := s.GetEventsForLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.EventTypeBounce, events[1].Type)
	require.Equal(t, "<dsn-1@mx.google.com>", events[1].MessageID)
	require.Contains(t, events[1].Metadata, `"address":"someone@lost.com"`)
}

func TestSyncUnknownSenderWritesNothing(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	fx := testutil.Seed(t, s)

	rs := &recordingStore{EventStore: s}
	mb := &fakeMailbox{results: []mailbox.FetchResult{
		reply(1, "lead@company.com", "<r1@company.com>"),
	}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, rs, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Zero(t, rs.commits.Load())

	campaign, err := s.GetCampaign(ctx, fx.Campaign.ID)
	require.NoError(t, err)
	require.Zero(t, campaign.ReplyCount)
	require.Zero(t, campaign.BounceCount)
}

func TestSyncPermanentErrorNotRetried(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)

	authErr := &mailbox.AuthError{
		Username: fx.Account.Email,
		Err:      errors.New("[AUTHENTICATIONFAILED] Invalid credentials"),
	}
	opener := &fakeOpener{openErrs: []error{authErr, authErr, authErr}}
	rec := &sleepRecorder{}
	syncer := newTestSyncer(opener, s, rec)

	_, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
	require.Same(t, authErr, err)
	require.Equal(t, 1, opener.opens)
	require.Empty(t, rec.waits)
}

func TestSyncTransientErrorRetried(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)

	reset := fmt.Errorf("connecting to IMAP: %w",
		os.NewSyscallError("read", syscall.ECONNRESET))
	opener := &fakeOpener{
		mb:       &fakeMailbox{},
		openErrs: []error{reset},
	}
	rec := &sleepRecorder{}
	syncer := newTestSyncer(opener, s, rec)

	res, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Equal(t, 2, opener.opens)
	require.Equal(t, []time.Duration{2 * time.Second}, rec.waits)
}

func TestSyncParseFailureDoesNotAbortBatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	fx := testutil.Seed(t, s)

	var results []mailbox.FetchResult
	for i := 1; i <= 10; i++ {
		uid := imap.UID(i)
		if i == 4 {
			results = append(results, mailbox.FetchResult{
				UID: uid,
				Err: fmt.Errorf("parsing message 4: %w",
					errors.New("malformed MIME header")),
			})
			continue
		}

		addr := fmt.Sprintf("lead%d@company.com", i)
		testutil.SeedContactedLead(t, s, fx.Campaign.ID, addr, fx.Account.ID)
		results = append(results,
			reply(uid, addr, fmt.Sprintf("<r%d@company.com>", i)))
	}

	mb := &fakeMailbox{results: results}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{Replies: 9}, res)

	campaign, err := s.GetCampaign(ctx, fx.Campaign.ID)
	require.NoError(t, err)
	require.Equal(t, 9, campaign.ReplyCount)
}

func TestSyncCommitFailureSkipsOnlyThatMessage(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID, "a@company.com", fx.Account.ID)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID, "b@company.com", fx.Account.ID)

	rs := &recordingStore{EventStore: s, failFor: "a@company.com"}
	mb := &fakeMailbox{results: []mailbox.FetchResult{
		reply(1, "a@company.com", "<a@company.com>"),
		reply(2, "b@company.com", "<b@company.com>"),
	}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, rs, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{Replies: 1}, res)
	require.Equal(t, int32(2), rs.commits.Load())
}

func TestSyncScansReadOnlyWithinLookback(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)

	mb := &fakeMailbox{}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	require.Equal(t, "INBOX", mb.folder)
	require.Equal(t, testNow.Add(-7*24*time.Hour), mb.since)
	require.Nil(t, mb.fetched, "empty search must not fetch")
}

func TestSyncSearchAndFetchFailuresAbortAttempt(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)

	tests := []struct {
		name string
		mb   *fakeMailbox
	}{
		{
			name: "select",
			mb:   &fakeMailbox{selectErr: errors.New("selecting INBOX: NO")},
		},
		{
			name: "search",
			mb: &fakeMailbox{
				searchErr: errors.New("searching messages: timeout"),
			},
		},
		{
			name: "fetch",
			mb: &fakeMailbox{
				results:  []mailbox.FetchResult{reply(1, "x@y.com", "")},
				fetchErr: errors.New("fetching messages: connection reset"),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opener := &fakeOpener{mb: tc.mb}
			rec := &sleepRecorder{}
			syncer := newTestSyncer(opener, s, rec)

			_, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
			require.Error(t, err)
			require.Equal(t, 3, opener.opens)
			require.Equal(t, []time.Duration{
				2 * time.Second, 4 * time.Second,
			}, rec.waits)
		})
	}
}

func TestSyncRerunDoesNotDoubleCount(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	fx := testutil.Seed(t, s)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID,
		"lead@company.com", fx.Account.ID)

	mb := &fakeMailbox{results: []mailbox.FetchResult{
		reply(1, "Lead@Company.com", "<r1@company.com>"),
	}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	first, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{Replies: 1}, first)

	second, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{}, second)

	campaign, err := s.GetCampaign(ctx, fx.Campaign.ID)
	require.NoError(t, err)
	require.Equal(t, 1, campaign.ReplyCount)
}

func TestSyncFileStoreRecordsWholeBatch(t *testing.T) {
	s := testutil.NewFileTestStore(t)
	ctx := context.Background()
	fx := testutil.Seed(t, s)

	const leads = 40

	results := make([]mailbox.FetchResult, 0, leads)
	for i := range leads {
		email := fmt.Sprintf("lead%02d@company.com", i)
		testutil.SeedContactedLead(t, s, fx.Campaign.ID, email, fx.Account.ID)
		results = append(results, reply(imap.UID(i+1), email,
			fmt.Sprintf("<r%02d@company.com>", i)))
	}

	mb := &fakeMailbox{results: results}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})
	require.Greater(t, syncer.cfg.MessageWorkers, 1)

	res, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{Replies: leads}, res)

	campaign, err := s.GetCampaign(ctx, fx.Campaign.ID)
	require.NoError(t, err)
	require.Equal(t, leads, campaign.ReplyCount)
}

func TestSyncRequiresSendFromSameAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID,
		"lead@company.com", "some-other-account")

	mb := &fakeMailbox{results: []mailbox.FetchResult{
		reply(1, "lead@company.com", "<r1@company.com>"),
	}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestSyncBounceWithTwoRecipients(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID, "one@lost.com", fx.Account.ID)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID, "two@lost.com", fx.Account.ID)

	mb := &fakeMailbox{results: []mailbox.FetchResult{{
		UID: 1,
		Message: &mailbox.Message{
			UID:       1,
			MessageID: "<dsn-2@mx.example.net>",
			From:      "postmaster@example.net",
			Subject:   "Undelivered Mail Returned to Sender",
			Text:      "Delivery failed for one@lost.com and <two@lost.com>.",
		},
	}}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	res, err := syncer.SyncAccountInbox(context.Background(), fx.Account)
	require.NoError(t, err)
	require.Equal(t, Result{Bounces: 2}, res)
}

func TestCheckProjections(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	fx := testutil.Seed(t, s)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID, "someone@lost.com", fx.Account.ID)
	testutil.SeedContactedLead(t, s, fx.Campaign.ID, "lead@company.com", fx.Account.ID)

	mb := &fakeMailbox{results: []mailbox.FetchResult{
		parsed(t, 1, dsnFailure),
		reply(2, "lead@company.com", "<r1@company.com>"),
	}}
	syncer := newTestSyncer(&fakeOpener{mb: mb}, s, &sleepRecorder{})

	replies, err := syncer.CheckForReplies(ctx, fx.Account)
	require.NoError(t, err)
	require.Equal(t, 1, replies)

	// Both events were recorded by the first scan; the second scan of the
	// same messages finds nothing new.
	bounces, err := syncer.CheckForBounces(ctx, fx.Account)
	require.NoError(t, err)
	require.Zero(t, bounces)

	campaign, err := s.GetCampaign(ctx, fx.Campaign.ID)
	require.NoError(t, err)
	require.Equal(t, 1, campaign.BounceCount)
	require.Equal(t, 1, campaign.ReplyCount)
}

func TestSyncCancelledMidBatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	fx := testutil.Seed(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mb := &fakeMailbox{results: []mailbox.FetchResult{
		reply(1, "lead@company.com", "<r1@company.com>"),
	}}
	opener := &fakeOpener{mb: mb}
	syncer := newTestSyncer(opener, s, &sleepRecorder{})

	_, err := syncer.SyncAccountInbox(ctx, fx.Account)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, opener.opens)
}
