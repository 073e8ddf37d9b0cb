// Package peer models backend peers and their live mutable state. The
// peer set is fixed after startup; health transitions and counters are
// serialized per peer so that signals from the background prober and
// from live traffic never race each other.
package peer

import (
	"sync"
	"sync/atomic"
)

// Health is the health state of a peer.
type Health int32

const (
	// Healthy is the initial state; the peer is fully eligible.
	Healthy Health = iota
	// Suspect marks a peer with recent failures below the threshold.
	// Suspect peers still receive traffic.
	Suspect
	// Unhealthy marks a peer at or above the failure threshold. It is
	// excluded from selection until the next successful probe.
	Unhealthy
)

// String returns the string representation of the health state.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Location is a 2D coordinate reserved for proximity-aware selection.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Transition describes the outcome of recording a health signal.
type Transition struct {
	From    Health
	To      Health
	Changed bool
	// Failures is the consecutive failure count after the update.
	Failures int
}

// Peer is one backend instance. Address and weight are immutable;
// health and the failure counter are guarded by the peer's mutex, and
// the active connection count is atomic.
type Peer struct {
	address          string
	weight           int
	location         *Location
	failureThreshold int

	mu       sync.Mutex
	health   Health
	failures int

	active atomic.Int64
}

// New creates a peer in the Healthy state. Weight must be at least 1
// and failureThreshold at least 1; both are enforced by configuration
// validation before peers are constructed.
func New(address string, weight, failureThreshold int, location *Location) *Peer {
	return &Peer{
		address:          address,
		weight:           weight,
		location:         location,
		failureThreshold: failureThreshold,
	}
}

// Address returns the peer's host:port identifier.
func (p *Peer) Address() string {
	return p.address
}

// Weight returns the peer's selection weight.
func (p *Peer) Weight() int {
	return p.weight
}

// Location returns the peer's coordinate, or nil if none configured.
func (p *Peer) Location() *Location {
	return p.location
}

// Health returns the current health state.
func (p *Peer) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// ConsecutiveFailures returns the current failure streak.
func (p *Peer) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Eligible reports whether the peer may receive new work. Rate
// admission is checked separately by the caller.
func (p *Peer) Eligible() bool {
	return p.Health() != Unhealthy
}

// RecordSuccess resets the failure streak and restores the peer to
// Healthy from any state. Both the prober and live traffic report
// through this single funnel.
func (p *Peer) RecordSuccess() Transition {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := Transition{From: p.health, To: Healthy}
	p.failures = 0
	if p.health != Healthy {
		p.health = Healthy
		t.Changed = true
	}
	return t
}

// RecordFailure increments the failure streak and applies the state
// machine: below the threshold the peer becomes (or stays) Suspect,
// at or above it the peer becomes Unhealthy.
func (p *Peer) RecordFailure() Transition {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures++
	t := Transition{From: p.health, Failures: p.failures}

	if p.failures >= p.failureThreshold {
		t.To = Unhealthy
	} else {
		t.To = Suspect
	}

	if t.To != p.health {
		p.health = t.To
		t.Changed = true
	}
	return t
}

// ActiveConnections returns the number of connections currently routed
// to this peer.
func (p *Peer) ActiveConnections() int64 {
	return p.active.Load()
}

// Acquire increments the active connection count.
func (p *Peer) Acquire() {
	p.active.Add(1)
}

// Release decrements the active connection count. The count never goes
// below zero; an unpaired Release is dropped rather than allowed to
// cancel out a concurrent Acquire.
func (p *Peer) Release() {
	for {
		cur := p.active.Load()
		if cur == 0 {
			return
		}
		if p.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
