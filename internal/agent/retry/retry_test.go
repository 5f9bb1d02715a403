package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralphd/ralph/pkg/events"
)

func newTestExecutor(cfg Config, notify Notifier) *Executor {
	e := New(cfg, nil, notify)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestDoSucceedsAfterTransientError(t *testing.T) {
	var notifications []events.AgentEvent
	e := newTestExecutor(DefaultConfig(), func(ev events.AgentEvent) {
		notifications = append(notifications, ev)
	})

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("connection error: upstream hung up")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, notifications, 1)
	assert.Equal(t, events.TypeError, notifications[0].Type)
	assert.Equal(t, events.CodeRetry, notifications[0].Code)
	assert.False(t, notifications[0].Fatal)
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	var notifications []events.AgentEvent
	e := newTestExecutor(DefaultConfig(), func(ev events.AgentEvent) {
		notifications = append(notifications, ev)
	})

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("rate_limit exceeded")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial attempt plus three retries
	assert.Len(t, notifications, 3)
	for _, n := range notifications {
		assert.Equal(t, events.CodeRetry, n.Code)
	}
}

func TestDoFatalErrorAbortsImmediately(t *testing.T) {
	var notifications []events.AgentEvent
	e := newTestExecutor(DefaultConfig(), func(ev events.AgentEvent) {
		notifications = append(notifications, ev)
	})

	calls := 0
	wantErr := errors.New("invalid api key")
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
	assert.Empty(t, notifications)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	e := New(DefaultConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Do(ctx, func(context.Context) error {
		return errors.New("should not run")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection error"), true},
		{errors.New("ECONNRESET while reading"), true},
		{errors.New("HTTP 503 Service Unavailable"), true},
		{errors.New("rate_limit: slow down"), true},
		{errors.New("request timeout"), true},
		{errors.New("invalid request body"), false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "error: %v", tt.err)
	}
}

func TestDelayForGrowsAndCaps(t *testing.T) {
	e := New(Config{
		MaxRetries:   10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}, nil, nil)

	for attempt := 0; attempt < 12; attempt++ {
		d := e.delayFor(attempt)
		base := 100 * time.Millisecond << attempt
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		// Jitter stays within 25 percent of the base.
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.74), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.26), "attempt %d", attempt)
	}
}

func TestRetryMessageRoundsToSeconds(t *testing.T) {
	assert.Equal(t, "Retrying in 0 seconds", retryMessage(100*time.Millisecond))
	assert.Equal(t, "Retrying in 1 seconds", retryMessage(800*time.Millisecond))
	assert.Equal(t, "Retrying in 2 seconds", retryMessage(1600*time.Millisecond))
	assert.Equal(t, "Retrying in 30 seconds", retryMessage(30*time.Second))
}
