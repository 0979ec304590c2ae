package node_test

import (
	"net"
	"sync"
	"time"

	"github.com/quietmesh/noded/internal/engine"
)

type fakeTap struct {
	mu        sync.Mutex
	name      string
	mtu       int
	ips       []*net.IPNet
	routes    []engine.Route
	closed    bool
	setMTUErr error
}

func newFakeTap(name string, mtu int) *fakeTap { return &fakeTap{name: name, mtu: mtu} }

func (t *fakeTap) AddIP(addr *net.IPNet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ips = append(t.ips, addr)
	return nil
}

func (t *fakeTap) RemoveIP(addr *net.IPNet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, a := range t.ips {
		if a.String() == addr.String() {
			t.ips = append(t.ips[:i], t.ips[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *fakeTap) SetMTU(mtu int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.setMTUErr != nil {
		return t.setMTUErr
	}
	t.mtu = mtu
	return nil
}

func (t *fakeTap) ScanMulticastGroups() ([]net.IP, []net.IP, error) { return nil, nil, nil }

func (t *fakeTap) AddRoute(r engine.Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, r)
	return nil
}

func (t *fakeTap) RemoveRoute(r engine.Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.routes {
		if existing.Target.String() == r.Target.String() && existing.Via.Equal(r.Via) {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *fakeTap) Put(srcMAC, dstMAC [6]byte, etherType uint16, data []byte) error { return nil }

func (t *fakeTap) IPs() []*net.IPNet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*net.IPNet, len(t.ips))
	copy(out, t.ips)
	return out
}

func (t *fakeTap) DeviceName() string  { return t.name }
func (t *fakeTap) NetworkStatus() bool { return !t.closed }
func (t *fakeTap) HasIPv4Addr() bool   { return len(t.ips) > 0 }
func (t *fakeTap) HasIPv6Addr() bool   { return false }

func (t *fakeTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

type fakeCore struct {
	mu            sync.Mutex
	joined        map[engine.NetworkID]bool
	address       engine.PeerAddress
	entries       []engine.PeerSnapshotEntry
	freed         int
	localAddrs    []net.IP
	pathCheck     engine.PathCheckFunc
	pathLookup    engine.PathLookupFunc
	multicastSubs map[engine.NetworkID]map[string]bool
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		joined:        make(map[engine.NetworkID]bool),
		multicastSubs: make(map[engine.NetworkID]map[string]bool),
	}
}

func (c *fakeCore) ProcessBackgroundTasks(now time.Time) (time.Time, engine.ResultCode) {
	return now.Add(time.Second), engine.ResultOK
}

func (c *fakeCore) ProcessWirePacket(localSocket int64, remote net.Addr, data []byte, now time.Time) engine.ResultCode {
	return engine.ResultOK
}

func (c *fakeCore) ProcessVirtualNetworkFrame(nwid engine.NetworkID, srcMAC, dstMAC [6]byte, etherType uint16, data []byte, now time.Time) engine.ResultCode {
	return engine.ResultOK
}

func (c *fakeCore) Join(nwid engine.NetworkID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[nwid] = true
	return nil
}

func (c *fakeCore) Leave(nwid engine.NetworkID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, nwid)
	return nil
}

func (c *fakeCore) Peers() (engine.PeerSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeSnapshot{entries: c.entries}, nil
}

func (c *fakeCore) FreeQueryResult(engine.PeerSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freed++
}

func (c *fakeCore) SetMultipathMode(mode int) {}
func (c *fakeCore) Address() engine.PeerAddress { return c.address }
func (c *fakeCore) PRNG() uint32                { return 0 }

func (c *fakeCore) SubscribeMulticastGroup(nwid engine.NetworkID, group net.IP) error {
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

func (c *fakeCore) UnsubscribeMulticastGroup(nwid engine.NetworkID, group net.IP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.multicastSubs[nwid], group.String())
	return nil
}

func (c *fakeCore) SetLocalAddresses(addrs []net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localAddrs = addrs
}

func (c *fakeCore) SetPathCheck(fn engine.PathCheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pathCheck = fn
}

func (c *fakeCore) SetPathLookup(fn engine.PathLookupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pathLookup = fn
}

type fakeSnapshot struct{ entries []engine.PeerSnapshotEntry }

func (s fakeSnapshot) Entries() []engine.PeerSnapshotEntry { return s.entries }

type fakeMapper struct {
	mu        sync.Mutex
	addrs     []net.IP
	localPort uint16
}

func (m *fakeMapper) Get() []net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]net.IP, len(m.addrs))
	copy(out, m.addrs)
	return out
}

func (m *fakeMapper) SetLocalPort(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localPort = port
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}
