package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rateLimited struct{ after time.Duration }

func (r rateLimited) Error() string { return "429 too many requests" }
func (r rateLimited) RetryAfter() time.Duration { return r.after }

func newTestExecutor(attempts int) (*Executor, *[]time.Duration) {
	var slept []time.Duration
	e := New(attempts, time.Second, time.Second)
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	e, slept := newTestExecutor(3)
	calls := 0
	err := e.Do(context.Background(), "send_message", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestDoExhausted(t *testing.T) {
	e, slept := newTestExecutor(3)
	cause := errors.New("502 bad gateway")
	calls := 0
	err := e.Do(context.Background(), "kick_member", func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "kick_member")
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestDoStopsOnTerminal(t *testing.T) {
	e, slept := newTestExecutor(5)
	calls := 0
	err := e.Do(context.Background(), "create_invite", func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("bot is not an administrator"))
	})

	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.False(t, IsExhausted(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	e, slept := newTestExecutor(2)
	_ = e.Do(context.Background(), "send_message", func(ctx context.Context) error {
		return rateLimited{after: 7 * time.Second}
	})
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)
}

func TestDoAppliesAttemptTimeout(t *testing.T) {
	e, _ := newTestExecutor(1)
	e.Timeout = 20 * time.Millisecond
	err := e.Do(context.Background(), "get_member", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoValue(t *testing.T) {
	e, _ := newTestExecutor(2)
	calls := 0
	link, err := DoValue(context.Background(), e, "create_invite", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("timeout")
		}
		return "https://t.me/+abc", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+abc", link)
}

func TestBackoff(t *testing.T) {
	e := New(3, time.Second, time.Second)
	assert.Equal(t, time.Second, e.Backoff(1))
	assert.Equal(t, 2*time.Second, e.Backoff(2))
	assert.Equal(t, 4*time.Second, e.Backoff(3))
}
