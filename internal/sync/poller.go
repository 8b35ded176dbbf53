package sync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/errclass"
	"github.com/nhle/mailsync/internal/lock"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
)

// SyncState represents the current state of an account's sync.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
	SyncNeedsReconnect
)

// String returns the human-readable name of the state.
func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	case SyncNeedsReconnect:
		return "needs_reconnect"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single account.
type SyncStatus struct {
	AccountID string
	Email     string
	State     SyncState
	LastSync  time.Time
	Error     error
	Result    Result
}

// AccountResult is the outcome of one account's sync in a round.
type AccountResult struct {
	AccountID string
	Email     string
	Result    Result
	Err       error

	// Skipped is set when the account was not synced this round because
	// it needs reconnecting or another sync already holds it.
	Skipped bool
}

// AccountStore is the part of the store the poller reads accounts from and
// records reconnect state in.
type AccountStore interface {
	GetActiveAccounts(ctx context.Context) ([]model.Account, error)
	MarkAccountNeedsReconnect(ctx context.Context, id, reason string) error
	ClearAccountReconnect(ctx context.Context, id string) error
}

// AccountSyncer syncs a single account. *Syncer implements it.
type AccountSyncer interface {
	SyncAccountInbox(ctx context.Context, acct model.Account) (Result, error)
}

// PollerConfig controls the poll loop.
type PollerConfig struct {
	Interval time.Duration
	Workers  int
}

// Poller periodically syncs every active account on a bounded worker
// pool, keeping at most one sync per account in flight.
type Poller struct {
	cfg        PollerConfig
	store      AccountStore
	syncer     AccountSyncer
	locker     lock.Locker
	classifier *errclass.Classifier
	log        *slog.Logger

	triggerCh chan struct{}

	mu       gosync.Mutex
	statuses map[string]*SyncStatus
}

// NewPoller creates a Poller. A nil locker uses an in-process lock; a nil
// classifier uses the default error sets.
func NewPoller(cfg PollerConfig, st AccountStore, syncer AccountSyncer,
	locker lock.Locker, classifier *errclass.Classifier,
	log *slog.Logger) *Poller {

	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if locker == nil {
		locker = lock.NewMemory()
	}
	if classifier == nil {
		classifier = errclass.New(errclass.DefaultConfig())
	}
	if log == nil {
		log = slog.Default()
	}

	return &Poller{
		cfg:        cfg,
		store:      st,
		syncer:     syncer,
		locker:     locker,
		classifier: classifier,
		log:        log,
		triggerCh:  make(chan struct{}, 1),
		statuses:   make(map[string]*SyncStatus),
	}
}

// Run syncs all accounts immediately, then again on every interval tick
// and every Trigger, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-p.triggerCh:
			p.RunOnce(ctx)
		}
	}
}

// Trigger requests an immediate round. Requests made while one is already
// pending are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// RunOnce syncs every active account once and returns the per-account
// outcomes. A failing account never affects the others.
func (p *Poller) RunOnce(ctx context.Context) []AccountResult {
	accounts, err := p.store.GetActiveAccounts(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to load active accounts",
			"error", err)
		return nil
	}

	results := make([]AccountResult, len(accounts))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for i, acct := range accounts {
		if ctx.Err() != nil {
			results[i] = AccountResult{
				AccountID: acct.ID, Email: acct.Email,
				Err: ctx.Err(), Skipped: true,
			}
			continue
		}

		g.Go(func() error {
			results[i] = p.syncAccount(ctx, acct, false)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// SyncAccount syncs a single account under its lock and applies the
// reconnect policy. Unlike a scheduled round it also syncs an account
// flagged for reconnection; success clears the flag.
func (p *Poller) SyncAccount(ctx context.Context,
	acct model.Account) AccountResult {

	return p.syncAccount(ctx, acct, true)
}

func (p *Poller) syncAccount(ctx context.Context, acct model.Account,
	includeFlagged bool) AccountResult {

	out := AccountResult{AccountID: acct.ID, Email: acct.Email}
	log := p.log.With("account", acct.Email)

	if acct.NeedsReconnect && !includeFlagged {
		log.DebugContext(ctx, "Skipping account that needs reconnecting",
			"reason", acct.ReconnectReason)
		p.setStatus(acct, SyncNeedsReconnect, nil, Result{})
		metrics.SyncsTotal.WithLabelValues("skipped").Inc()
		out.Skipped = true
		return out
	}

	release, err := p.locker.TryLock(ctx, acct.ID)
	if err != nil {
		if !errors.Is(err, lock.ErrHeld) {
			log.WarnContext(ctx, "Failed to acquire account lock",
				"error", err)
			out.Err = err
		} else {
			log.DebugContext(ctx, "Account sync already in flight")
		}
		metrics.SyncsTotal.WithLabelValues("skipped").Inc()
		out.Skipped = true
		return out
	}
	defer release()

	p.setStatus(acct, SyncRunning, nil, Result{})

	res, err := p.syncer.SyncAccountInbox(ctx, acct)
	if err != nil {
		out.Err = err
		p.handleFailure(ctx, acct, err)
		return out
	}

	if acct.NeedsReconnect {
		if err := p.store.ClearAccountReconnect(ctx, acct.ID); err != nil {
			log.WarnContext(ctx, "Failed to clear reconnect flag",
				"error", err)
		} else {
			log.InfoContext(ctx, "Account reconnected")
		}
	}

	out.Result = res
	p.setStatus(acct, SyncIdle, nil, res)
	return out
}

// handleFailure records a failed sync. Permanent failures flag the account
// so later rounds skip it until an operator reconnects it.
func (p *Poller) handleFailure(ctx context.Context, acct model.Account,
	err error) {

	if p.classifier.Classify(err) != errclass.Permanent {
		p.setStatus(acct, SyncError, err, Result{})
		return
	}

	p.setStatus(acct, SyncNeedsReconnect, err, Result{})

	markErr := p.store.MarkAccountNeedsReconnect(ctx, acct.ID, err.Error())
	if markErr != nil {
		p.log.ErrorContext(ctx, "Failed to flag account for reconnection",
			"account", acct.Email, "error", markErr)
		return
	}

	p.log.WarnContext(ctx, "Account needs reconnecting",
		"account", acct.Email, "reason", err)
}

// Statuses returns the current sync status of every account seen so far,
// ordered by email.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Email < statuses[j].Email
	})
	return statuses
}

// setStatus updates the sync status for an account.
func (p *Poller) setStatus(acct model.Account, state SyncState, err error,
	res Result) {

	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[acct.ID]
	if !ok {
		status = &SyncStatus{AccountID: acct.ID, Email: acct.Email}
		p.statuses[acct.ID] = status
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
		status.Result = res
	}
}
