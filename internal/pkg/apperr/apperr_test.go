package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: http.StatusOK},
		{err: fmt.Errorf("bad signature: %w", ErrUnauthorized), want: http.StatusUnauthorized},
		{err: fmt.Errorf("tenant mismatch: %w", ErrValidation), want: http.StatusBadRequest},
		{err: fmt.Errorf("subscriber 7: %w", ErrNotFound), want: http.StatusNotFound},
		{err: fmt.Errorf("approve: %w", ErrConflict), want: http.StatusConflict},
		{err: ErrRateLimited, want: http.StatusTooManyRequests},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "err=%v", tt.err)
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ErrUnauthorized))
	assert.True(t, IsTerminal(fmt.Errorf("x: %w", ErrNotFound)))
	assert.False(t, IsTerminal(ErrRateLimited))
	assert.False(t, IsTerminal(ErrTransient))
	assert.False(t, IsTerminal(nil))
}
