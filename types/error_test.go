package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorDefaults(t *testing.T) {
	e := NewError(ErrNotAuthenticated, "no credentials for anthropic")
	assert.True(t, e.RequiresReauth)
	assert.False(t, e.Retryable)

	e = NewError(ErrRateLimited, "429").WithRetryAfter(30 * time.Second)
	assert.True(t, e.Retryable)
	assert.False(t, e.RequiresReauth)
	assert.Equal(t, 30*time.Second, e.RetryAfter)

	e = NewError(ErrAPI, "server error").WithHTTPStatus(502)
	assert.True(t, e.Retryable, "5xx is retryable")

	e = NewError(ErrAPI, "bad request").WithHTTPStatus(400)
	assert.False(t, e.Retryable, "4xx is not retryable")
}

func TestErrorPredicates(t *testing.T) {
	inner := NewError(ErrTokenExpired, "refresh rejected").WithProvider("copilot")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	assert.True(t, RequiresReauth(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, ErrTokenExpired, GetErrorCode(wrapped))

	assert.False(t, RequiresReauth(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := NewError(ErrNetwork, "post failed").WithCause(cause)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "connection reset")
}
