package node

import (
	"sync"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/events"
)

// PeerCache tracks, per peer, the direct path count last observed, so the
// detector below can edge-trigger PEER_* events on transitions rather than
// re-announcing steady state every cycle.
type PeerCache struct {
	mu    sync.Mutex
	count map[engine.PeerAddress]int
}

// NewPeerCache returns an empty PeerCache.
func NewPeerCache() *PeerCache {
	return &PeerCache{count: make(map[engine.PeerAddress]int)}
}

func (c *PeerCache) get(addr engine.PeerAddress) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.count[addr]
	return p, ok
}

func (c *PeerCache) set(addr engine.PeerAddress, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count[addr] = count
}

// DetectPeerDeltas compares a fresh peer snapshot from the engine core
// against the cache and posts edge-triggered PEER_* events for every
// address whose direct-path count has changed since the last call, per
// the first-match rule table in spec §4.7. The snapshot is released
// before returning.
func DetectPeerDeltas(core engine.Core, cache *PeerCache, sink *events.Sink) error {
	snap, err := core.Peers()
	if err != nil {
		return err
	}
	defer core.FreeQueryResult(snap)

	for _, e := range snap.Entries() {
		prev, known := cache.get(e.Address)
		code, fire := peerDeltaCode(known, prev, e.DirectPathCount)
		if fire {
			sink.Post(events.Message{Code: code, Peer: e.Address})
			observeEvent(string(code), true)
		}
		cache.set(e.Address, e.DirectPathCount)
	}
	return nil
}

// peerDeltaCode implements the first-match rule table from spec §4.7:
//
//	absent,        P > 0  -> PEER_DIRECT
//	absent,        P = 0  -> PEER_RELAY
//	Pprev < P             -> PEER_PATH_DISCOVERED
//	Pprev > P             -> PEER_PATH_DEAD
//	Pprev = 0, P > 0      -> PEER_DIRECT
//	Pprev > 0, P = 0      -> PEER_RELAY
func peerDeltaCode(known bool, prev, current int) (events.Code, bool) {
	switch {
	case !known && current > 0:
		return events.PeerDirect, true
	case !known && current == 0:
		return events.PeerRelay, true
	case known && prev < current:
		return events.PeerPathDiscovered, true
	case known && prev > current:
		return events.PeerPathDead, true
	default:
		return "", false
	}
}
