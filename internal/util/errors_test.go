package util

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigError(t *testing.T) {
	t.Parallel()

	err := NewConfigError("balancer.port", "port 0 out of range")
	assert.Equal(t, "config error at balancer.port: port 0 out of range", err.Error())
	assert.ErrorIs(t, err, ErrConfigInvalid)

	cause := errors.New("boom")
	wrapped := NewConfigErrorWithCause("peers[0]", "bad address", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, cause, errors.Unwrap(wrapped))

	bare := NewConfigError("", "configuration is nil")
	assert.Equal(t, "config error: configuration is nil", bare.Error())
}

func TestAccessDeniedError(t *testing.T) {
	t.Parallel()

	err := NewAccessDeniedError("192.168.1.50")
	assert.Equal(t, "access denied for 192.168.1.50", err.Error())
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.True(t, IsClientFault(err))
	assert.False(t, IsPeerFailure(err))
}

func TestNoBackendError(t *testing.T) {
	t.Parallel()

	err := NewNoBackendError("weighted_round_robin")
	assert.Contains(t, err.Error(), "weighted_round_robin")
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.False(t, IsPeerFailure(err))

	unnamed := NewNoBackendError("")
	assert.Equal(t, "no available backend", unnamed.Error())
}

func TestPeerError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	ioErr := NewPeerIOError("10.0.0.1:8080", cause)
	assert.ErrorIs(t, ioErr, ErrPeerIO)
	assert.NotErrorIs(t, ioErr, ErrPeerTimeout)
	assert.ErrorIs(t, ioErr, cause)
	assert.True(t, IsPeerFailure(ioErr))
	assert.Contains(t, ioErr.Error(), "i/o error")

	toErr := NewPeerTimeoutError("10.0.0.1:8080", nil)
	assert.ErrorIs(t, toErr, ErrPeerTimeout)
	assert.NotErrorIs(t, toErr, ErrPeerIO)
	assert.True(t, IsPeerFailure(toErr))
	assert.Contains(t, toErr.Error(), "timeout")

	// Wrapping preserves classification.
	wrapped := fmt.Errorf("request failed: %w", toErr)
	assert.ErrorIs(t, wrapped, ErrPeerTimeout)
	assert.True(t, IsPeerFailure(wrapped))
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	err := NewRateLimitError("10.0.0.1:8080", 100, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "limit: 100")

	// Rate limiting is a capacity signal, never a peer failure.
	assert.False(t, IsPeerFailure(err))
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WrapError(nil, "context"))

	base := errors.New("base")
	wrapped := WrapError(base, "while dialing")
	require.Error(t, wrapped)
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "while dialing: base", wrapped.Error())
}

func TestIsClientFault(t *testing.T) {
	t.Parallel()

	assert.False(t, IsClientFault(nil))
	assert.True(t, IsClientFault(ErrTooManyConns))
	assert.True(t, IsClientFault(ErrAccessDenied))
	assert.False(t, IsClientFault(ErrNoBackend))
	assert.False(t, IsClientFault(NewPeerIOError("p", nil)))
}
