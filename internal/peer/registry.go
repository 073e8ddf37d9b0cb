package peer

import (
	"fmt"

	"github.com/vyrodovalexey/avanlb/internal/config"
	"github.com/vyrodovalexey/avanlb/internal/util"
)

// Registry owns the fixed set of configured peers, keyed by address,
// with insertion order preserved. The order is the scheduling order.
// The set never changes after startup; only per-peer state mutates.
type Registry struct {
	peers  []*Peer
	byAddr map[string]*Peer
}

// NewRegistry builds a registry from validated configuration. The
// failure threshold applies to every peer.
func NewRegistry(peers []config.Peer, failureThreshold int) (*Registry, error) {
	if len(peers) == 0 {
		return nil, util.NewConfigError("peers", "at least one peer is required")
	}

	r := &Registry{
		peers:  make([]*Peer, 0, len(peers)),
		byAddr: make(map[string]*Peer, len(peers)),
	}

	for _, pc := range peers {
		if _, dup := r.byAddr[pc.Address]; dup {
			return nil, util.NewConfigError("peers",
				fmt.Sprintf("duplicate peer address %q", pc.Address))
		}

		var loc *Location
		if len(pc.Location) == 2 {
			loc = &Location{Latitude: pc.Location[0], Longitude: pc.Location[1]}
		}

		p := New(pc.Address, pc.EffectiveWeight(), failureThreshold, loc)
		r.peers = append(r.peers, p)
		r.byAddr[pc.Address] = p
	}

	return r, nil
}

// Peers returns the peers in insertion order. The slice is owned by
// the registry and must not be modified.
func (r *Registry) Peers() []*Peer {
	return r.peers
}

// Get returns the peer with the given address.
func (r *Registry) Get(address string) (*Peer, bool) {
	p, ok := r.byAddr[address]
	return p, ok
}

// Len returns the number of configured peers.
func (r *Registry) Len() int {
	return len(r.peers)
}

// EligiblePeers returns the peers currently eligible for new work, in
// insertion order.
func (r *Registry) EligiblePeers() []*Peer {
	eligible := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Eligible() {
			eligible = append(eligible, p)
		}
	}
	return eligible
}
