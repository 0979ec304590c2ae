// Package engine defines the boundary between the orchestration service and
// the overlay protocol core. Nothing in this package implements the
// protocol itself: it is the set of calls NodeService makes into the core
// and the callbacks the core invokes on the service.
package engine

import (
	"net"
	"time"
)

// NetworkID identifies a virtual Ethernet network.
type NetworkID uint64

// PeerAddress identifies a remote node on the overlay (a 40-bit address).
type PeerAddress uint64

// ResultCode is returned by the core from packet processing calls. Negative
// values are fatal and terminate the service.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultFatalError
	ResultIdentityCollision
)

// Core is the opaque overlay protocol engine: crypto, peer state, and
// routing decisions. NodeService is the sole caller of these methods and
// calls them only from its single service thread, except ProcessWirePacket
// which the core documents as safe for concurrent use from worker threads.
type Core interface {
	// ProcessBackgroundTasks runs whatever periodic crypto/peer-table work
	// the core needs and returns the next monotonic deadline at which it
	// should be called again.
	ProcessBackgroundTasks(now time.Time) (nextDeadline time.Time, code ResultCode)

	// ProcessWirePacket hands a received UDP datagram to the core.
	ProcessWirePacket(localSocket int64, remote net.Addr, data []byte, now time.Time) ResultCode

	// ProcessVirtualNetworkFrame hands an Ethernet frame read from a tap
	// device back to the core for routing onto the overlay.
	ProcessVirtualNetworkFrame(nwid NetworkID, srcMAC, dstMAC [6]byte, etherType uint16, data []byte, now time.Time) ResultCode

	// Join requests that the core begin participating in a virtual network.
	Join(nwid NetworkID) error

	// Leave requests that the core stop participating in a virtual network.
	Leave(nwid NetworkID) error

	// Peers returns a snapshot of the core's current peer table. The
	// snapshot must be released with FreeQueryResult once the caller is
	// done reading it.
	Peers() (PeerSnapshot, error)

	// FreeQueryResult releases resources associated with a snapshot
	// returned by Peers.
	FreeQueryResult(PeerSnapshot)

	// SetMultipathMode pushes the configured multipath mode to the core.
	SetMultipathMode(mode int)

	// Address returns this node's own overlay address, used to derive the
	// secondary port.
	Address() PeerAddress

	// PRNG returns a uniform random uint32 from the core's PRNG, used for
	// path-lookup selection so results are reproducible under the core's
	// own test harness.
	PRNG() uint32

	// SubscribeMulticastGroup and UnsubscribeMulticastGroup report a
	// membership change observed on a network's tap device, so the core
	// can join or leave the corresponding group on the wire.
	SubscribeMulticastGroup(nwid NetworkID, group net.IP) error
	UnsubscribeMulticastGroup(nwid NetworkID, group net.IP) error

	// SetLocalAddresses replaces the core's view of this node's own
	// reachable addresses: bound local sockets plus any externally mapped
	// address, offered to peers as candidate direct paths.
	SetLocalAddresses(addrs []net.IP)

	// SetPathCheck and SetPathLookup register the callbacks the core
	// invokes before attempting, and when seeking a hint address for, a
	// physical path to a peer, per the path-check/path-lookup contract in
	// spec §4.6.
	SetPathCheck(fn PathCheckFunc)
	SetPathLookup(fn PathLookupFunc)
}

// PathCheckFunc decides whether the core may attempt a physical path to
// peer at addr.
type PathCheckFunc func(peer PeerAddress, addr net.IP) bool

// PathLookupFunc returns a hint address/port for peer restricted to
// family (4 or 6), or unrestricted if family is -1. ok is false if no
// hint is available.
type PathLookupFunc func(peer PeerAddress, family int) (addr net.IP, port uint16, ok bool)

// PeerSnapshot is an opaque, core-owned view of the peer table as of the
// moment Peers() was called.
type PeerSnapshot interface {
	// Entries returns one record per known peer.
	Entries() []PeerSnapshotEntry
}

// PeerSnapshotEntry is one peer's state as of a snapshot.
type PeerSnapshotEntry struct {
	Address         PeerAddress
	DirectPathCount int
}

// VirtualNetworkConfig is the opaque snapshot of a network's configuration
// as most recently reported by the core: MTU, assigned addresses, routes,
// multicast subscriptions, status, name, and MAC.
type VirtualNetworkConfig struct {
	NWID               NetworkID
	Name               string
	MAC                [6]byte
	MTU                int
	Status             NetworkStatus
	AssignedAddresses  []*net.IPNet
	Routes             []Route
	MulticastGroups    []net.IP
	RawConfig          []byte // opaque bytes as stored/reloaded via the state store
}

// Route is one route entry from a virtual network's configuration.
type Route struct {
	Target  *net.IPNet
	Via     net.IP
}

// NetworkStatus mirrors the core's network status codes.
type NetworkStatus int

const (
	NetworkStatusRequestingConfig NetworkStatus = iota
	NetworkStatusOK
	NetworkStatusAccessDenied
	NetworkStatusNotFound
	NetworkStatusClientTooOld
)

// ConfigOp is the operation carried by a VirtualNetworkConfig callback.
type ConfigOp int

const (
	ConfigOpUp ConfigOp = iota
	ConfigOpUpdate
	ConfigOpDown
	ConfigOpDestroy
)
