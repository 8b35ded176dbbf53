// Package retry runs fallible mailbox operations under a bounded
// exponential backoff, consulting errclass to decide between retrying and
// aborting.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nhle/mailsync/internal/errclass"
	"github.com/nhle/mailsync/internal/metrics"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delays is the wait before each retry. Retry n waits Delays[n-1];
	// the last entry is reused once the table runs out.
	Delays []time.Duration

	// MaxJitter bounds the random wait before the first attempt, used to
	// de-synchronize callers started at the same instant. Zero disables it.
	MaxJitter time.Duration
}

// DefaultConfig provides the production budget: 3 attempts, 2s/4s/8s
// backoff, up to 1s of initial jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		MaxJitter:   time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller executes operations with retry. It holds no per-call state and
// is safe for concurrent use.
type Controller struct {
	cfg        Config
	classifier *errclass.Classifier
	log        *slog.Logger

	sleep  SleepFunc
	jitter func(max time.Duration) time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the wait function. Tests use it to record delays
// instead of sleeping.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

// WithJitter replaces the jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(c *Controller) {
		c.jitter = fn
	}
}

// New creates a Controller. A nil logger uses slog.Default().
func New(cfg Config, classifier *errclass.Classifier, log *slog.Logger,
	opts ...Option) *Controller {

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		cfg:        cfg,
		classifier: classifier,
		log:        log,
		sleep:      sleepContext,
		jitter:     randomJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes op until it succeeds, a permanent error is seen, or the
// attempt budget is spent. The error returned is the operation's own error,
// unwrapped, so callers can classify it again.
func (c *Controller) Run(ctx context.Context, identity, operation string,
	op func(ctx context.Context) error) error {

	_, err := Do(ctx, c, identity, operation,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, op(ctx)
		},
	)
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, c *Controller, identity, operation string,
	op func(ctx context.Context) (T, error)) (T, error) {

	var zero T

	log := c.log.With("identity", identity, "operation", operation)

	if c.cfg.MaxJitter > 0 {
		if err := c.sleep(ctx, c.jitter(c.cfg.MaxJitter)); err != nil {
			return zero, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.InfoContext(ctx, "Operation succeeded after retry",
					"attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		class := c.classifier.Classify(err)
		metrics.RetryAttempts.WithLabelValues(operation, class.String()).Inc()

		if !class.Retryable() {
			log.ErrorContext(ctx, "Permanent error, not retrying",
				"attempt", attempt, "class", class.String(), "error", err)
			return zero, err
		}

		if attempt == c.cfg.MaxAttempts {
			break
		}

		if ctx.Err() != nil {
			log.ErrorContext(ctx, "Context done, abandoning retries",
				"attempt", attempt, "error", err)
			return zero, err
		}

		delay := c.backoff(attempt)
		msg := "Transient error, retrying"
		if class == errclass.Unknown {
			msg = "Unclassified error, retrying"
		}
		log.WarnContext(ctx, msg,
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"class", class.String(),
			"delay", delay,
			"error", err,
		)

		if err := c.sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	log.ErrorContext(ctx, "Retry budget exhausted",
		"attempts", c.cfg.MaxAttempts, "error", lastErr)

	return zero, lastErr
}

// backoff returns the wait after the given failed attempt (1-based).
func (c *Controller) backoff(attempt int) time.Duration {
	if len(c.cfg.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.cfg.Delays) {
		idx = len(c.cfg.Delays) - 1
	}
	return c.cfg.Delays[idx]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
