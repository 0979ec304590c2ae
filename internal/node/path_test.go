package node_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/node"
)

type fakeTapAddrSource struct{ ips []net.IP }

func (f fakeTapAddrSource) OwnedTapAddresses() []net.IP { return f.ips }

func TestCheckPathRejectsOwnTapAddress(t *testing.T) {
	pc := &node.PathChecker{Taps: fakeTapAddrSource{ips: []net.IP{net.ParseIP("10.1.2.3")}}}
	assert.False(t, pc.CheckPath(1, net.ParseIP("10.1.2.3")))
	assert.True(t, pc.CheckPath(1, net.ParseIP("10.1.2.4")))
}

func TestCheckPathRejectsGlobalBlacklist(t *testing.T) {
	_, bl, _ := net.ParseCIDR("203.0.113.0/24")
	pc := &node.PathChecker{Policy: node.PathPolicy{GlobalBlacklist: []*net.IPNet{bl}}}
	assert.False(t, pc.CheckPath(1, net.ParseIP("203.0.113.5")))
	assert.True(t, pc.CheckPath(1, net.ParseIP("198.51.100.5")))
}

func TestCheckPathPerPeerOverridesGlobal(t *testing.T) {
	_, globalBl, _ := net.ParseCIDR("203.0.113.0/24")
	_, peerBl, _ := net.ParseCIDR("198.51.100.0/24")
	pc := &node.PathChecker{Policy: node.PathPolicy{
		GlobalBlacklist: []*net.IPNet{globalBl},
		PerPeer:         map[engine.PeerAddress][]*net.IPNet{2: {peerBl}},
	}}

	// Peer 2 has its own override: the global blacklist no longer applies to it.
	assert.True(t, pc.CheckPath(2, net.ParseIP("203.0.113.5")))
	assert.False(t, pc.CheckPath(2, net.ParseIP("198.51.100.5")))
	// Peer 1 still uses the global blacklist.
	assert.False(t, pc.CheckPath(1, net.ParseIP("203.0.113.5")))
}

func TestPathLookupReturnsFalseWhenEmpty(t *testing.T) {
	l := &node.PathLookup{}
	_, ok := l.Lookup(1, 4)
	assert.False(t, ok)
}

func TestPathLookupPRNGSelectsHint(t *testing.T) {
	hints := []node.PathHint{{Addr: net.ParseIP("10.0.0.1"), Port: 1}, {Addr: net.ParseIP("10.0.0.2"), Port: 2}}
	l := &node.PathLookup{
		HintsV4: map[engine.PeerAddress][]node.PathHint{1: hints},
		PRNG:    func() uint32 { return 1 },
	}
	hint, ok := l.Lookup(1, 4)
	assert.True(t, ok)
	assert.Equal(t, uint16(2), hint.Port)
}

func TestPathLookupIsKeyedPerPeer(t *testing.T) {
	hints := []node.PathHint{{Addr: net.ParseIP("10.0.0.1"), Port: 1}}
	l := &node.PathLookup{HintsV4: map[engine.PeerAddress][]node.PathHint{1: hints}}
	_, ok := l.Lookup(2, 4)
	assert.False(t, ok, "peer 2 has no hints of its own, even though peer 1 does")
}

func TestPathLookupUnrestrictedFamilyFlipsCoinWhenBothEmpty(t *testing.T) {
	l := &node.PathLookup{PRNG: func() uint32 { return 0 }}
	_, ok := l.Lookup(1, -1)
	assert.False(t, ok)
}

func TestPathLookupUnrestrictedFamilyPicksV6OnOddCoin(t *testing.T) {
	hints := []node.PathHint{{Addr: net.ParseIP("2001:db8::1"), Port: 9}}
	l := &node.PathLookup{
		HintsV6: map[engine.PeerAddress][]node.PathHint{1: hints},
		PRNG:    func() uint32 { return 1 },
	}
	hint, ok := l.Lookup(1, -1)
	assert.True(t, ok)
	assert.Equal(t, uint16(9), hint.Port)
}
