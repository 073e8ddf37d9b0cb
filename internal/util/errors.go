// Package util provides shared utility types for the load balancer.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoBackend.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ConfigError, PeerError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           - human-readable message
//	Unwrap() error           - if the type wraps another error
//	Is(target error) bool    - for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNoBackend     = errors.New("no available backend")
	ErrAccessDenied  = errors.New("access denied")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrPeerTimeout   = errors.New("peer timeout")
	ErrPeerIO        = errors.New("peer i/o error")
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrTooManyConns  = errors.New("connection limit reached")
)

// ConfigError represents a configuration-related error. It is the only
// error class that is fatal at startup.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// AccessDeniedError represents a client rejected by the access filter.
// The connection is closed immediately and never retried.
type AccessDeniedError struct {
	ClientIP string
}

// Error implements the error interface.
func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied for %s", e.ClientIP)
}

// Is checks if the error matches the target.
func (e *AccessDeniedError) Is(target error) bool {
	if target == ErrAccessDenied {
		return true
	}
	_, ok := target.(*AccessDeniedError)
	return ok
}

// NewAccessDeniedError creates a new AccessDeniedError.
func NewAccessDeniedError(clientIP string) *AccessDeniedError {
	return &AccessDeniedError{ClientIP: clientIP}
}

// NoBackendError indicates that no eligible peer existed at selection
// time. The request fails fast; the client may retry.
type NoBackendError struct {
	Strategy string
}

// Error implements the error interface.
func (e *NoBackendError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("no available backend (strategy: %s)", e.Strategy)
	}
	return "no available backend"
}

// Is checks if the error matches the target.
func (e *NoBackendError) Is(target error) bool {
	if target == ErrNoBackend {
		return true
	}
	_, ok := target.(*NoBackendError)
	return ok
}

// NewNoBackendError creates a new NoBackendError.
func NewNoBackendError(strategy string) *NoBackendError {
	return &NoBackendError{Strategy: strategy}
}

// PeerError represents a failure talking to a specific peer. It feeds
// the health failure counter and fails the request to the client.
type PeerError struct {
	Peer    string
	Timeout bool
	Cause   error
}

// Error implements the error interface.
func (e *PeerError) Error() string {
	kind := "i/o error"
	if e.Timeout {
		kind = "timeout"
	}
	if e.Cause != nil {
		return fmt.Sprintf("peer %s %s: %v", e.Peer, kind, e.Cause)
	}
	return fmt.Sprintf("peer %s %s", e.Peer, kind)
}

// Unwrap returns the underlying error.
func (e *PeerError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *PeerError) Is(target error) bool {
	if target == ErrPeerTimeout {
		return e.Timeout
	}
	if target == ErrPeerIO {
		return !e.Timeout
	}
	_, ok := target.(*PeerError)
	return ok || errors.Is(e.Cause, target)
}

// NewPeerTimeoutError creates a PeerError for a deadline violation.
func NewPeerTimeoutError(peer string, cause error) *PeerError {
	return &PeerError{Peer: peer, Timeout: true, Cause: cause}
}

// NewPeerIOError creates a PeerError for a transport failure.
func NewPeerIOError(peer string, cause error) *PeerError {
	return &PeerError{Peer: peer, Cause: cause}
}

// RateLimitError represents a rate-limit rejection. It is a capacity
// signal, not a failure signal: it never affects peer health.
type RateLimitError struct {
	Peer       string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit: %d, retry after: %v)", e.Peer, e.Limit, e.RetryAfter)
}

// Is checks if the error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if target == ErrRateLimited {
		return true
	}
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(peer string, limit int, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Peer: peer, Limit: limit, RetryAfter: retryAfter}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsPeerFailure returns true if the error should feed the health
// failure counter of the peer it names.
func IsPeerFailure(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe)
}

// IsClientFault returns true if the error was caused by the client
// side of the proxied connection rather than the peer.
func IsClientFault(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrTooManyConns)
}
