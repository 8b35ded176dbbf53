package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock re-acquired by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	TTL      time.Duration
}

// Redis is a Locker shared by every process pointed at the same server.
// Locks expire after the TTL so a crashed holder cannot wedge an account.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, log *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedis(rdb, cfg.TTL, log), nil
}

func newRedis(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, ttl: ttl, log: log}
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func lockKey(key string) string {
	return fmt.Sprintf("mailsync:sync:%s", key)
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, lockKey(key), token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, token) })
	}, nil
}

func (r *Redis) release(key, token string) {
	// The caller's ctx may already be cancelled on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := releaseScript.Run(ctx, r.rdb, []string{lockKey(key)}, token).Err()
	if err != nil {
		r.log.Warn("Failed to release redis lock", "key", key, "error", err)
	}
}
