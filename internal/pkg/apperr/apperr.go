// Package apperr holds the error taxonomy shared by the engine and its HTTP
// surface. Callers wrap a sentinel with fmt.Errorf("...: %w", ErrX) and the
// transport maps it to a status code.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflict: state changed concurrently")
	ErrRateLimited  = errors.New("too many requests")
	ErrTransient    = errors.New("transient failure")
)

// HTTPStatus maps an error to the status code a webhook or admin caller sees.
// Unknown errors are reported as 500 so providers redeliver.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine-readable code for JSON error bodies.
func Code(err error) string {
	switch HTTPStatus(err) {
	case http.StatusOK:
		return "ok"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// IsTerminal reports whether an error must not be retried by the caller.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	status := HTTPStatus(err)
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
