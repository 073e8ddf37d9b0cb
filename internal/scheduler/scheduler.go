// Package scheduler selects the next eligible peer for a connection or
// request. Strategies are pluggable behind the Selector interface; the
// cursor advance is the only shared critical section and performs no
// I/O.
package scheduler

import (
	"sync"

	"github.com/vyrodovalexey/avanlb/internal/config"
	"github.com/vyrodovalexey/avanlb/internal/peer"
	"github.com/vyrodovalexey/avanlb/internal/util"
)

// Selector picks one peer from the candidate list. Candidates are the
// registry's peers in insertion order; the selector must skip peers
// whose health is Unhealthy and return util.ErrNoBackend when nothing
// is eligible. Implementations must be safe for concurrent use.
type Selector interface {
	Select(candidates []*peer.Peer) (*peer.Peer, error)
	Name() string
}

// New creates a selector for the configured strategy. The origin
// location is used only by the nearest strategy.
func New(strategy string, origin *peer.Location) (Selector, error) {
	switch strategy {
	case config.StrategyRoundRobin:
		return NewRoundRobin(), nil
	case config.StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	case config.StrategyNearest:
		if origin == nil {
			return nil, util.NewConfigError("balancer.location",
				"nearest strategy requires a balancer location")
		}
		return NewNearest(*origin), nil
	default:
		return nil, util.NewConfigError("balancer.strategy",
			"unknown strategy "+strategy)
	}
}

// RoundRobin cycles through eligible peers in registry order, one
// selection per peer regardless of weight.
type RoundRobin struct {
	mu  sync.Mutex
	idx int
}

// NewRoundRobin creates a round-robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name returns the strategy name.
func (s *RoundRobin) Name() string {
	return config.StrategyRoundRobin
}

// Select returns the next eligible peer after the cursor.
func (s *RoundRobin) Select(candidates []*peer.Peer) (*peer.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(candidates)
	if n == 0 {
		return nil, util.NewNoBackendError(s.Name())
	}
	if s.idx >= n {
		s.idx = 0
	}

	for i := 0; i < n; i++ {
		p := candidates[s.idx]
		s.idx = (s.idx + 1) % n
		if p.Eligible() {
			return p, nil
		}
	}

	return nil, util.NewNoBackendError(s.Name())
}

// WeightedRoundRobin gives each eligible peer as many consecutive
// selections as its weight before the cursor moves on. With uniform
// weight 1 it reduces to plain round robin.
type WeightedRoundRobin struct {
	mu     sync.Mutex
	idx    int
	credit int
}

// NewWeightedRoundRobin creates a weighted round-robin selector.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{}
}

// Name returns the strategy name.
func (s *WeightedRoundRobin) Name() string {
	return config.StrategyWeightedRoundRobin
}

// Select returns the cursor peer while it has selection credit,
// advancing to the next eligible peer once the credit is spent. A peer
// that turns Unhealthy forfeits its remaining credit.
func (s *WeightedRoundRobin) Select(candidates []*peer.Peer) (*peer.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(candidates)
	if n == 0 {
		return nil, util.NewNoBackendError(s.Name())
	}
	if s.idx >= n {
		s.idx = 0
		s.credit = 0
	}

	for i := 0; i < n; i++ {
		p := candidates[s.idx]
		if !p.Eligible() {
			s.advance(n)
			continue
		}

		if s.credit == 0 {
			s.credit = p.Weight()
		}
		s.credit--
		if s.credit == 0 {
			s.idx = (s.idx + 1) % n
		}
		return p, nil
	}

	return nil, util.NewNoBackendError(s.Name())
}

// advance moves the cursor past the current peer and drops its credit.
func (s *WeightedRoundRobin) advance(n int) {
	s.idx = (s.idx + 1) % n
	s.credit = 0
}

// Nearest selects the eligible peer whose configured location is
// closest to the balancer's origin. Peers without a location are never
// selected by this strategy. Squared equirectangular distance is
// sufficient for ordering; ties resolve to the earlier peer in
// registry order.
type Nearest struct {
	origin peer.Location
}

// NewNearest creates a nearest-coordinate selector.
func NewNearest(origin peer.Location) *Nearest {
	return &Nearest{origin: origin}
}

// Name returns the strategy name.
func (s *Nearest) Name() string {
	return config.StrategyNearest
}

// Select returns the closest eligible peer.
func (s *Nearest) Select(candidates []*peer.Peer) (*peer.Peer, error) {
	var best *peer.Peer
	bestDist := 0.0

	for _, p := range candidates {
		if !p.Eligible() || p.Location() == nil {
			continue
		}
		d := squaredDistance(s.origin, *p.Location())
		if best == nil || d < bestDist {
			best = p
			bestDist = d
		}
	}

	if best == nil {
		return nil, util.NewNoBackendError(s.Name())
	}
	return best, nil
}

// squaredDistance compares coordinates without the sqrt; ordering is
// preserved.
func squaredDistance(a, b peer.Location) float64 {
	dLat := a.Latitude - b.Latitude
	dLon := a.Longitude - b.Longitude
	return dLat*dLat + dLon*dLon
}
