package node

import (
	"context"
	"net"

	"github.com/quietmesh/noded/internal/engine"
)

// PathPolicy holds the operator-configured path filtering tables used by
// PathChecker: a global blacklist and an optional per-peer override.
type PathPolicy struct {
	GlobalBlacklist []*net.IPNet
	PerPeer         map[engine.PeerAddress][]*net.IPNet
}

func (p PathPolicy) blacklistFor(peer engine.PeerAddress) []*net.IPNet {
	if p.PerPeer != nil {
		if bl, ok := p.PerPeer[peer]; ok {
			return bl
		}
	}
	return p.GlobalBlacklist
}

// PathChecker decides whether the core may attempt a physical path to a
// peer at a given address, per spec §4.6: reject addresses already owned
// by one of this node's own taps (anti-recursion) and reject addresses
// matching the applicable blacklist.
type PathChecker struct {
	Taps     TapAddressSource
	Policy   PathPolicy
	Liveness *LivenessChecker
}

// TapAddressSource reports the addresses presently installed on every
// owned tap.
type TapAddressSource interface {
	OwnedTapAddresses() []net.IP
}

// CheckPath reports whether peer may be reached via addr.
func (p *PathChecker) CheckPath(peer engine.PeerAddress, addr net.IP) bool {
	if p.Taps != nil {
		for _, owned := range p.Taps.OwnedTapAddresses() {
			if owned.Equal(addr) {
				return false
			}
		}
	}
	for _, bl := range p.Policy.blacklistFor(peer) {
		if bl.Contains(addr) {
			return false
		}
	}
	return true
}

// CorroborateLiveness asks the configured Prober to independently probe
// addr. It never gates CheckPath's verdict; it is a second opinion for
// logging/metrics alongside whatever the engine core itself concludes
// about the path. A PathChecker with no Liveness checker configured
// reports an empty, unreachable result rather than erroring.
func (p *PathChecker) CorroborateLiveness(ctx context.Context, addr net.IP) LivenessResult {
	return p.Liveness.Check(ctx, addr)
}

// PathHint is a candidate physical address offered to the core as a
// starting point for a new path, selected via PRNG over a configured
// hint table per address family.
type PathHint struct {
	Addr net.IP
	Port uint16
}

// PathLookup selects a hint address for a peer from the configured v4/v6
// hint tables, keyed per peer, per spec §4.6.
type PathLookup struct {
	HintsV4 map[engine.PeerAddress][]PathHint
	HintsV6 map[engine.PeerAddress][]PathHint
	PRNG    func() uint32
}

// Lookup returns a hint address for peer restricted to family (4 or 6).
// An unrestricted lookup (any other family value, notably -1) flips a coin
// on the engine PRNG to pick which table to consult, per spec §4.6. It
// reports false if the chosen table has no entries for peer.
func (l *PathLookup) Lookup(peer engine.PeerAddress, family int) (PathHint, bool) {
	switch family {
	case 4:
		return pick(l.HintsV4[peer], l.PRNG)
	case 6:
		return pick(l.HintsV6[peer], l.PRNG)
	default:
		if l.coinFlip() == 0 {
			return pick(l.HintsV4[peer], l.PRNG)
		}
		return pick(l.HintsV6[peer], l.PRNG)
	}
}

func (l *PathLookup) coinFlip() uint32 {
	if l.PRNG == nil {
		return 0
	}
	return l.PRNG() % 2
}

func pick(hints []PathHint, prng func() uint32) (PathHint, bool) {
	if len(hints) == 0 {
		return PathHint{}, false
	}
	if prng == nil {
		return hints[0], true
	}
	idx := int(prng() % uint32(len(hints)))
	return hints[idx], true
}
