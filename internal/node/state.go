package node

import (
	"bytes"
	"net"
	"sort"
	"sync"

	"github.com/quietmesh/noded/internal/engine"
)

// Settings is the user policy governing managed-address reconciliation for
// one virtual network.
type Settings struct {
	AllowManaged          bool
	AllowGlobal           bool
	AllowDefault          bool
	AllowManagedWhitelist []*net.IPNet
}

// NetworkState is the per-network record described in spec §3. tap exists
// iff the network has completed at least one UP transition and has not
// reached DOWN/DESTROY (invariant 1).
type NetworkState struct {
	NWID   engine.NetworkID
	Config engine.VirtualNetworkConfig
	Tap    engine.Tap

	ManagedIPs    []*net.IPNet
	ManagedRoutes []engine.Route
	Settings      Settings

	LastObservedStatus engine.NetworkStatus
	everObservedStatus bool

	// IP4Ready and IP6Ready are edge-triggered per spec §4.7/§6: true once
	// the tap's netif is up and an address of that family is installed,
	// reset if either condition stops holding so the ready event can fire
	// again on a later transition.
	IP4Ready bool
	IP6Ready bool
}

// sortAddrs sorts and deduplicates a slice of *net.IPNet in place by a
// total order on address bytes then prefix length, satisfying invariant 4.
func sortAddrs(addrs []*net.IPNet) []*net.IPNet {
	sort.Slice(addrs, func(i, j int) bool {
		return addrLess(addrs[i], addrs[j])
	})
	out := addrs[:0]
	for i, a := range addrs {
		if i > 0 && addrEqual(addrs[i-1], a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func addrLess(a, b *net.IPNet) bool {
	if c := bytes.Compare(a.IP, b.IP); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.Mask, b.Mask) < 0
}

func addrEqual(a, b *net.IPNet) bool {
	return a.IP.Equal(b.IP) && bytes.Equal(a.Mask, b.Mask)
}

// Table is the network-table lock: the `_nets` map plus its mutex,
// guarding every mutation path named in spec §5 (config callback,
// reconciler, status detection).
type Table struct {
	mu   sync.Mutex
	nets map[engine.NetworkID]*NetworkState
}

// NewTable returns an empty network table.
func NewTable() *Table {
	return &Table{nets: make(map[engine.NetworkID]*NetworkState)}
}

// Lock/Unlock expose the table's lock directly for components (the
// reconciler, the config callback) that must hold it across a short
// sequence of operations, matching the teacher's own _nets_m discipline.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// Get returns the state for nwid, or nil if absent. Caller must hold the
// lock.
func (t *Table) Get(nwid engine.NetworkID) *NetworkState {
	return t.nets[nwid]
}

// Set installs or replaces the state for nwid. Caller must hold the lock.
func (t *Table) Set(nwid engine.NetworkID, s *NetworkState) {
	t.nets[nwid] = s
}

// Delete removes nwid from the table. Caller must hold the lock.
func (t *Table) Delete(nwid engine.NetworkID) {
	delete(t.nets, nwid)
}

// Snapshot returns a shallow copy of every network state, for read-only
// consumers (shouldBindInterface, /status) that must not hold the table
// lock while they work.
func (t *Table) Snapshot() map[engine.NetworkID]*NetworkState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[engine.NetworkID]*NetworkState, len(t.nets))
	for k, v := range t.nets {
		out[k] = v
	}
	return out
}

// AnyNetworkOnlineAndReady reports whether at least one tracked network has
// reached NetworkStatusOK and has its IP stack up for some address family,
// the gating condition spec §4.7 requires before peer-delta detection runs.
func (t *Table) AnyNetworkOnlineAndReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.nets {
		if s.LastObservedStatus == engine.NetworkStatusOK && (s.IP4Ready || s.IP6Ready) {
			return true
		}
	}
	return false
}

// OwnedTapAddresses implements binder.TapAddressSource: every address
// presently installed on any owned tap, across all networks.
func (t *Table) OwnedTapAddresses() []net.IP {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []net.IP
	for _, s := range t.nets {
		if s.Tap == nil {
			continue
		}
		for _, ipnet := range s.Tap.IPs() {
			out = append(out, ipnet.IP)
		}
	}
	return out
}
