package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/lock"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

// scriptedSyncer returns a per-account result or error and tracks how many
// syncs run at once.
type scriptedSyncer struct {
	errs  map[string]error
	delay time.Duration

	mu    gosync.Mutex
	calls map[string]int

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newScriptedSyncer() *scriptedSyncer {
	return &scriptedSyncer{
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (s *scriptedSyncer) SyncAccountInbox(ctx context.Context,
	acct model.Account) (Result, error) {

	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.maxInflight.Load()
		if n <= peak || s.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls[acct.Email]++
	err := s.errs[acct.Email]
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if err != nil {
		return Result{}, err
	}
	return Result{Replies: 1}, nil
}

func (s *scriptedSyncer) callCount(email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[email]
}

func seedAccounts(t *testing.T, st interface {
	CreateAccount(context.Context, model.Account) (model.Account, error)
}, emails ...string) []model.Account {

	t.Helper()

	var accts []model.Account
	for _, email := range emails {
		acct, err := st.CreateAccount(context.Background(), model.Account{
			Email: email, IMAPPass: "pw", Active: true,
		})
		require.NoError(t, err)
		accts = append(accts, acct)
	}
	return accts
}

func TestRunOnceSyncsEveryAccount(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedAccounts(t, st, "a@outreach.io", "b@outreach.io", "c@outreach.io")

	syncer := newScriptedSyncer()
	syncer.errs["b@outreach.io"] = errors.New("connection reset by peer")

	p := NewPoller(PollerConfig{Workers: 2}, st, syncer, nil, nil, nil)
	results := p.RunOnce(context.Background())
	require.Len(t, results, 3)

	byEmail := make(map[string]AccountResult)
	for _, r := range results {
		byEmail[r.Email] = r
	}

	require.NoError(t, byEmail["a@outreach.io"].Err)
	require.Equal(t, Result{Replies: 1}, byEmail["a@outreach.io"].Result)
	require.Error(t, byEmail["b@outreach.io"].Err)
	require.NoError(t, byEmail["c@outreach.io"].Err)

	statuses := p.Statuses()
	require.Len(t, statuses, 3)
	require.Equal(t, SyncIdle, statuses[0].State)
	require.Equal(t, SyncError, statuses[1].State)
	require.False(t, statuses[0].LastSync.IsZero())

	// A transient failure does not flag the account.
	accts, err := st.GetActiveAccounts(context.Background())
	require.NoError(t, err)
	for _, a := range accts {
		require.False(t, a.NeedsReconnect)
	}
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedAccounts(t, st, "a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io")

	syncer := newScriptedSyncer()
	syncer.delay = 20 * time.Millisecond

	p := NewPoller(PollerConfig{Workers: 2}, st, syncer, nil, nil, nil)
	p.RunOnce(context.Background())

	require.LessOrEqual(t, syncer.maxInflight.Load(), int32(2))
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io"} {
		require.Equal(t, 1, syncer.callCount(email))
	}
}

func TestPermanentFailureFlagsAccount(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()
	accts := seedAccounts(t, st, "a@outreach.io")

	syncer := newScriptedSyncer()
	syncer.errs["a@outreach.io"] = &mailbox.AuthError{
		Username: "a@outreach.io",
		Err:      errors.New("Invalid credentials"),
	}

	p := NewPoller(PollerConfig{Workers: 1}, st, syncer, nil, nil, nil)
	results := p.RunOnce(ctx)
	require.Len(t, results, 1)
	require.True(t, mailbox.IsAuthError(results[0].Err))

	acct, err := st.GetAccount(ctx, accts[0].ID)
	require.NoError(t, err)
	require.True(t, acct.NeedsReconnect)
	require.Contains(t, acct.ReconnectReason, "Invalid credentials")
	require.Equal(t, SyncNeedsReconnect, p.Statuses()[0].State)

	// Flagged accounts are skipped by scheduled rounds.
	results = p.RunOnce(ctx)
	require.True(t, results[0].Skipped)
	require.Equal(t, 1, syncer.callCount("a@outreach.io"))

	// An explicit sync still runs and clears the flag on success.
	delete(syncer.errs, "a@outreach.io")
	res := p.SyncAccount(ctx, *acct)
	require.NoError(t, res.Err)
	require.False(t, res.Skipped)

	acct, err = st.GetAccount(ctx, accts[0].ID)
	require.NoError(t, err)
	require.False(t, acct.NeedsReconnect)
}

func TestHeldAccountIsSkipped(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()
	accts := seedAccounts(t, st, "a@outreach.io", "b@outreach.io")

	locker := lock.NewMemory()
	release, err := locker.TryLock(ctx, accts[0].ID)
	require.NoError(t, err)
	defer release()

	syncer := newScriptedSyncer()
	p := NewPoller(PollerConfig{Workers: 2}, st, syncer, locker, nil, nil)

	results := p.RunOnce(ctx)
	require.Len(t, results, 2)

	for _, r := range results {
		if r.AccountID == accts[0].ID {
			require.True(t, r.Skipped)
			require.NoError(t, r.Err)
		} else {
			require.False(t, r.Skipped)
		}
	}
	require.Zero(t, syncer.callCount("a@outreach.io"))
	require.Equal(t, 1, syncer.callCount("b@outreach.io"))
}

func TestConcurrentRoundsNeverOverlapPerAccount(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedAccounts(t, st, "a@outreach.io")

	syncer := newScriptedSyncer()
	syncer.delay = 30 * time.Millisecond

	p := NewPoller(PollerConfig{Workers: 4}, st, syncer, nil, nil, nil)

	var wg gosync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunOnce(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), syncer.maxInflight.Load())
}

func TestTriggerCoalesces(t *testing.T) {
	st := testutil.NewTestStore(t)
	p := NewPoller(PollerConfig{}, st, newScriptedSyncer(), nil, nil, nil)

	p.Trigger()
	p.Trigger()
	p.Trigger()
	require.Len(t, p.triggerCh, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedAccounts(t, st, "a@outreach.io")

	syncer := newScriptedSyncer()
	p := NewPoller(PollerConfig{Interval: time.Hour, Workers: 1},
		st, syncer, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return syncer.callCount("a@outreach.io") == 1
	}, time.Second, 5*time.Millisecond)

	p.Trigger()
	require.Eventually(t, func() bool {
		return syncer.callCount("a@outreach.io") == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
