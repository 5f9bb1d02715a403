// Package retry implements exponential backoff with jitter for transient
// agent query failures. Fatal errors abort immediately; transient errors are
// retried up to a budget, with each planned retry surfaced to observers as a
// non-fatal error event.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralph/internal/common/logger"
	"github.com/ralphd/ralph/pkg/events"
)

// Config controls the backoff schedule.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns the standard schedule: 3 retries starting at 100ms,
// doubling, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// jitterFraction is the +/- proportion applied to each computed delay.
const jitterFraction = 0.25

// transientMarkers are substrings identifying retryable failures.
var transientMarkers = []string{
	"connection error",
	"connection refused",
	"connection reset",
	"econnreset",
	"rate_limit",
	"rate limit",
	"overloaded",
	"timeout",
	"temporarily unavailable",
	"502",
	"503",
	"529",
}

// IsTransient reports whether the error looks retryable. Unknown errors are
// treated as fatal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Notifier receives the planned-retry event before each backoff sleep.
type Notifier func(events.AgentEvent)

// Executor runs operations under the retry policy.
type Executor struct {
	cfg    Config
	logger *logger.Logger
	notify Notifier

	// sleep is swappable in tests.
	sleep func(context.Context, time.Duration) error
	// rng drives jitter.
	rng *rand.Rand
}

// New creates an executor. notify may be nil.
func New(cfg Config, log *logger.Logger, notify Notifier) *Executor {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "retry")),
		notify: notify,
		sleep:  sleepCtx,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op, retrying transient failures per the schedule. It returns the
// last error once the budget is exhausted, or immediately on a fatal error
// or context cancellation.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt >= e.cfg.MaxRetries {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, lastErr)
		}

		delay := e.delayFor(attempt)
		e.logger.Warn("transient error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		if e.notify != nil {
			e.notify(events.NewError(retryMessage(delay), events.CodeRetry, false))
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// delayFor computes the jittered delay for the given zero-based attempt.
func (e *Executor) delayFor(attempt int) time.Duration {
	base := float64(e.cfg.InitialDelay) * math.Pow(e.cfg.Multiplier, float64(attempt))
	if base > float64(e.cfg.MaxDelay) {
		base = float64(e.cfg.MaxDelay)
	}
	jitter := 1 + jitterFraction*(2*e.rng.Float64()-1)
	d := time.Duration(base * jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// retryMessage renders the user-facing notification, with the delay rounded
// to whole seconds.
func retryMessage(delay time.Duration) string {
	secs := int64(math.Round(delay.Seconds()))
	return fmt.Sprintf("Retrying in %d seconds", secs)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
