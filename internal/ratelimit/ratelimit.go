// Package ratelimit bounds request throughput per key using a token
// bucket. A key is a peer address for peer admission or a client IP
// for accept-time limiting. Rejection is a capacity signal and never
// feeds health tracking.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Result is the outcome of an admission check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Limit is the configured requests-per-second cap, 0 if unlimited.
	Limit int

	// RetryAfter is the duration until the next token becomes
	// available when the request was denied.
	RetryAfter time.Duration
}

// Admitter is the admission capability checked before routing a
// request.
type Admitter interface {
	Admit(key string) Result
}

// KeyedLimiter applies an independent token bucket per key. The bucket
// holds `limit` tokens refilled at `limit` per second, so a full
// window admits exactly `limit` requests.
type KeyedLimiter struct {
	limit   int
	buckets sync.Map // key -> *rate.Limiter
}

// NewKeyedLimiter creates a limiter capping each key at limit requests
// per second. A non-positive limit disables limiting.
func NewKeyedLimiter(limit int) *KeyedLimiter {
	return &KeyedLimiter{limit: limit}
}

// Admit implements Admitter.
func (l *KeyedLimiter) Admit(key string) Result {
	if l.limit <= 0 {
		return Result{Allowed: true}
	}

	lim := l.bucket(key)
	if lim.Allow() {
		return Result{Allowed: true, Limit: l.limit}
	}

	return Result{
		Allowed:    false,
		Limit:      l.limit,
		RetryAfter: time.Second / time.Duration(l.limit),
	}
}

// Limit returns the configured cap, 0 if unlimited.
func (l *KeyedLimiter) Limit() int {
	if l.limit <= 0 {
		return 0
	}
	return l.limit
}

// Reset drops the bucket state for a key. Used by tests and by
// connection teardown for per-client keys that will not return.
func (l *KeyedLimiter) Reset(key string) {
	l.buckets.Delete(key)
}

// bucket returns the token bucket for a key, creating it full.
func (l *KeyedLimiter) bucket(key string) *rate.Limiter {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, _ := l.buckets.LoadOrStore(key, rate.NewLimiter(rate.Limit(l.limit), l.limit))
	return v.(*rate.Limiter)
}

// NoopAdmitter admits everything. Used when rate limiting is disabled.
type NoopAdmitter struct{}

// Admit implements Admitter.
func (NoopAdmitter) Admit(string) Result {
	return Result{Allowed: true}
}
