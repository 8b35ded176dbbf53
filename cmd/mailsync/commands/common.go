package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/errclass"
	"github.com/nhle/mailsync/internal/lock"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/retry"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// app holds everything a command needs, wired from config.
type app struct {
	cfg    *model.AppConfig
	log    *slog.Logger
	store  *store.SQLStore
	syncer *sync.Syncer
	poller *sync.Poller
	redis  *lock.Redis
}

// Close releases the store and redis connections.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

// loadConfig reads .env, then the config file, and installs the logger.
func loadConfig() (*model.AppConfig, *slog.Logger, error) {
	_ = godotenv.Load()

	path := cfgPath
	if path == "" {
		path = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(log)

	return cfg, log, nil
}

// openStore loads config and opens the configured store.
func openStore() (*model.AppConfig, *slog.Logger, *store.SQLStore, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	return cfg, log, st, nil
}

// newApp wires the sync engine from config.
func newApp() (*app, error) {
	cfg, log, st, err := openStore()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: st}

	tlsVersion, err := mailbox.ParseTLSVersion(cfg.IMAP.MinTLSVersion)
	if err != nil {
		a.Close()
		return nil, err
	}

	classifier := errclass.New(errclass.Config{
		Permanent: cfg.Classifier.Permanent,
		Transient: cfg.Classifier.Transient,
	})

	retryCtl := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delays:      cfg.Retry.Delays(),
		MaxJitter:   time.Duration(cfg.Retry.MaxJitterMS) * time.Millisecond,
	}, classifier, log)

	manager := mailbox.NewManager(mailbox.Config{
		ConnectTimeout: seconds(cfg.IMAP.ConnectTimeoutSec),
		AuthTimeout:    seconds(cfg.IMAP.AuthTimeoutSec),
		CloseTimeout:   seconds(cfg.IMAP.CloseTimeoutSec),
		MinTLSVersion:  tlsVersion,
	}, nil, keyringSecrets(log), log)

	a.syncer = sync.NewSyncer(sync.Config{
		Folder:                cfg.Sync.Folder,
		Lookback:              cfg.Sync.Lookback(),
		MessageWorkers:        cfg.Sync.MessageWorkers,
		RequireActiveCampaign: cfg.Sync.RequireActiveCampaign,
	}, manager, st, retryCtl, sync.NewClassifier(sync.BounceRules{
		SenderPatterns:  cfg.Bounce.SenderPatterns,
		SubjectPatterns: cfg.Bounce.SubjectPatterns,
	}), log)

	var locker lock.Locker = lock.NewMemory()
	if cfg.Redis.URL != "" {
		a.redis, err = lock.NewRedis(lock.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			TTL:      seconds(cfg.Redis.LockTTLSec),
		}, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = lock.Chain{locker, a.redis}
	}

	a.poller = sync.NewPoller(sync.PollerConfig{
		Interval: cfg.Sync.Interval(),
		Workers:  cfg.Sync.Workers,
	}, st, a.syncer, locker, classifier, log)

	return a, nil
}

// keyringSecrets opens the system keyring on first use. Hosts without a
// keyring backend simply have no fallback secrets.
func keyringSecrets(log *slog.Logger) mailbox.SecretFunc {
	var (
		once gosync.Once
		ring *credential.Ring
	)
	return func(accountID string) (string, error) {
		once.Do(func() {
			r, err := credential.Open()
			if err != nil {
				log.Debug("Keyring unavailable", "error", err)
				return
			}
			ring = r
		})
		if ring == nil {
			return "", credential.ErrNotFound
		}
		return ring.IMAPSecret(accountID)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// outputJSON writes v as indented JSON to stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
