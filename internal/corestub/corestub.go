// Package corestub provides a minimal, non-cryptographic engine.Core and
// engine.Tap so cmd/noded can start and exercise the full orchestration
// pipeline (port binding, tap lifecycle, reconciliation, event fan-out)
// without a real overlay protocol implementation, which is out of scope
// for this repository. A production deployment links a real Core in its
// place; nothing in package node depends on corestub.
package corestub

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quietmesh/noded/internal/engine"
)

// NullCore implements engine.Core with no cryptography and no peer
// discovery: it tracks which networks it has been asked to join, always
// reports an empty peer table, and never produces a fatal result.
type NullCore struct {
	mu            sync.Mutex
	address       engine.PeerAddress
	joined        map[engine.NetworkID]bool
	multipath     int
	localAddrs    []net.IP
	pathCheck     engine.PathCheckFunc
	pathLookup    engine.PathLookupFunc
	multicastSubs map[engine.NetworkID]map[string]bool
}

// NewNullCore derives a stable fake address from a persisted identity
// secret (or generates one) and returns a ready-to-use NullCore.
func NewNullCore(identitySecret []byte) *NullCore {
	var addr engine.PeerAddress
	if len(identitySecret) >= 8 {
		addr = engine.PeerAddress(binary.BigEndian.Uint64(identitySecret[:8]) &^ (0xFFFFFF << 40))
	} else {
		addr = engine.PeerAddress(randomUint64() &^ (0xFFFFFF << 40))
	}
	return &NullCore{
		address:       addr,
		joined:        make(map[engine.NetworkID]bool),
		multicastSubs: make(map[engine.NetworkID]map[string]bool),
	}
}

func randomUint64() uint64 {
	n, err := rand.Int(rand.Reader, big.NewInt(0).SetUint64(^uint64(0)))
	if err != nil {
		return uint64(time.Now().UnixNano())
	}
	return n.Uint64()
}

func (c *NullCore) ProcessBackgroundTasks(now time.Time) (time.Time, engine.ResultCode) {
	return now.Add(30 * time.Second), engine.ResultOK
}

func (c *NullCore) ProcessWirePacket(localSocket int64, remote net.Addr, data []byte, now time.Time) engine.ResultCode {
	return engine.ResultOK
}

func (c *NullCore) ProcessVirtualNetworkFrame(nwid engine.NetworkID, srcMAC, dstMAC [6]byte, etherType uint16, data []byte, now time.Time) engine.ResultCode {
	return engine.ResultOK
}

func (c *NullCore) Join(nwid engine.NetworkID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[nwid] = true
	return nil
}

func (c *NullCore) Leave(nwid engine.NetworkID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, nwid)
	return nil
}

func (c *NullCore) Peers() (engine.PeerSnapshot, error) {
	return emptySnapshot{}, nil
}

func (c *NullCore) FreeQueryResult(engine.PeerSnapshot) {}

func (c *NullCore) SetMultipathMode(mode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multipath = mode
}

func (c *NullCore) Address() engine.PeerAddress {
	return c.address
}

func (c *NullCore) PRNG() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (c *NullCore) SubscribeMulticastGroup(nwid engine.NetworkID, group net.IP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.multicastSubs[nwid]
	if subs == nil {
		subs = make(map[string]bool)
		c.multicastSubs[nwid] = subs
	}
	subs[group.String()] = true
	return nil
}

func (c *NullCore) UnsubscribeMulticastGroup(nwid engine.NetworkID, group net.IP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.multicastSubs[nwid], group.String())
	return nil
}

func (c *NullCore) SetLocalAddresses(addrs []net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localAddrs = addrs
}

func (c *NullCore) SetPathCheck(fn engine.PathCheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pathCheck = fn
}

func (c *NullCore) SetPathLookup(fn engine.PathLookupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pathLookup = fn
}

// String renders the node's address the way the overlay's own CLI would.
func (c *NullCore) String() string {
	return fmt.Sprintf("%010x", uint64(c.Address()))
}

type emptySnapshot struct{}

func (emptySnapshot) Entries() []engine.PeerSnapshotEntry { return nil }
