package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultTimeout     = 10 * time.Second
)

// Executor runs fallible external calls with bounded exponential backoff.
// It keeps no state between calls.
type Executor struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Timeout bounds every single attempt, independent of the backoff.
	Timeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an executor with the given limits; zero values fall back to
// the defaults.
func New(maxAttempts int, baseDelay, timeout time.Duration) *Executor {
	e := &Executor{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Timeout: timeout}
	e.normalize()
	return e
}

// Default returns an executor with 3 attempts, 1s base delay and 10s timeout.
func Default() *Executor {
	return New(DefaultMaxAttempts, DefaultBaseDelay, DefaultTimeout)
}

func (e *Executor) normalize() {
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	if e.BaseDelay <= 0 {
		e.BaseDelay = DefaultBaseDelay
	}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
}

// Backoff returns the delay slept after the given failed attempt (1-based).
func (e *Executor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return e.BaseDelay * time.Duration(1<<uint(attempt-1))
}

// WithSleep returns a copy that waits between attempts with sleep instead
// of a timer.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	cp := *e
	cp.sleep = sleep
	cp.normalize()
	return &cp
}

// Do runs op until it succeeds, fails terminally or runs out of attempts.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	cfg := *e
	cfg.normalize()
	e = &cfg

	var lastErr error
	for attempt := 1; attempt <= e.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.Timeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Infof("[Retry] %s succeeded on attempt %d/%d", name, attempt, e.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if IsTerminal(err) {
			log.Warnf("[Retry] %s failed terminally on attempt %d/%d: %v", name, attempt, e.MaxAttempts, err)
			return &TerminalError{Name: name, Err: err}
		}
		if attempt == e.MaxAttempts {
			break
		}

		delay := e.Backoff(attempt)
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}
		log.Warnf("[Retry] %s attempt %d/%d failed: %v (retrying in %s)", name, attempt, e.MaxAttempts, err, delay)
		if serr := e.sleep(ctx, delay); serr != nil {
			return &ExhaustedError{Name: name, Attempts: attempt, Err: fmt.Errorf("%w (aborted: %v)", lastErr, serr)}
		}
	}

	log.Errorf("[Retry] %s exhausted %d attempts: %v", name, e.MaxAttempts, lastErr)
	return &ExhaustedError{Name: name, Attempts: e.MaxAttempts, Err: lastErr}
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryAfter(err error) time.Duration {
	var h interface{ RetryAfter() time.Duration }
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}
