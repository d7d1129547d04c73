package retry

import (
	"errors"
	"fmt"
)

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// TerminalError is returned when an attempt failed with a permanent error.
type TerminalError struct {
	Name string
	Err  error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }
func (p *permanentError) Terminal() bool { return true }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTerminal reports whether err, or anything it wraps, declares itself
// terminal.
func IsTerminal(err error) bool {
	var t interface{ Terminal() bool }
	if errors.As(err, &t) {
		return t.Terminal()
	}
	return false
}

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
