package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx or ok=false answer from a remote API.
type APIError struct {
	Service     string
	Method      string
	StatusCode  int
	Code        string
	Description string
	// RetryAfterSeconds is set when the remote asks the caller to back off.
	RetryAfterSeconds int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s failed: status=%d", e.Service, e.Method, e.StatusCode)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Description != "" {
		msg += " description=" + e.Description
	}
	return msg
}

// Terminal reports whether retrying the same request is pointless. Client
// errors are permanent rejections, except rate limiting.
func (e *APIError) Terminal() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// RetryAfter returns the back-off the remote asked for.
func (e *APIError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSeconds) * time.Second
}

func (e *APIError) descriptionContains(needles ...string) bool {
	d := strings.ToLower(e.Description)
	for _, n := range needles {
		if strings.Contains(d, n) {
			return true
		}
	}
	return false
}

// IsNotMember reports whether the platform rejected a member operation because
// the user is not (or never was) in the channel.
func IsNotMember(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	return apiErr.descriptionContains("user not found", "participant_id_invalid", "user_not_participant", "member not found", "not a member")
}

// IsBotBlocked reports whether the user blocked the bot or never started it.
func IsBotBlocked(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		return false
	}
	return apiErr.descriptionContains("blocked by the user", "can't initiate conversation", "user is deactivated")
}

// IsRateLimited reports whether the remote answered 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
