package node

import (
	"net"
	"time"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/events"
)

// testTap is a minimal engine.Tap used by whitebox tests in this package.
type testTap struct {
	name          string
	ips           []*net.IPNet
	routes        []engine.Route
	scanAdded     []net.IP
	scanRemoved   []net.IP
	scanErr       error
}

func newTestTap(name string) *testTap { return &testTap{name: name} }

func (t *testTap) AddIP(addr *net.IPNet) error {
	t.ips = append(t.ips, addr)
	return nil
}

func (t *testTap) RemoveIP(addr *net.IPNet) error {
	for i, a := range t.ips {
		if a.String() == addr.String() {
			t.ips = append(t.ips[:i], t.ips[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *testTap) SetMTU(int) error { return nil }

func (t *testTap) ScanMulticastGroups() ([]net.IP, []net.IP, error) {
	return t.scanAdded, t.scanRemoved, t.scanErr
}

func (t *testTap) AddRoute(r engine.Route) error {
	t.routes = append(t.routes, r)
	return nil
}

func (t *testTap) RemoveRoute(r engine.Route) error {
	for i, existing := range t.routes {
		if existing.Target.String() == r.Target.String() && existing.Via.Equal(r.Via) {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *testTap) Put(srcMAC, dstMAC [6]byte, etherType uint16, data []byte) error { return nil }

func (t *testTap) IPs() []*net.IPNet { return t.ips }

func (t *testTap) DeviceName() string  { return t.name }
func (t *testTap) NetworkStatus() bool { return true }
func (t *testTap) HasIPv4Addr() bool   { return len(t.ips) > 0 }
func (t *testTap) HasIPv6Addr() bool   { return false }
func (t *testTap) Close() error        { return nil }

func newTestSink() *events.Sink { return events.NewSink(0) }

// testCore is a minimal engine.Core used by whitebox tests of the main
// loop's multicast and local-address sync steps.
type testCore struct {
	subscribed   []net.IP
	unsubscribed []net.IP
	localAddrs   []net.IP
}

func (c *testCore) ProcessBackgroundTasks(now time.Time) (time.Time, engine.ResultCode) {
	return now, engine.ResultOK
}
func (c *testCore) ProcessWirePacket(int64, net.Addr, []byte, time.Time) engine.ResultCode {
	return engine.ResultOK
}
func (c *testCore) ProcessVirtualNetworkFrame(engine.NetworkID, [6]byte, [6]byte, uint16, []byte, time.Time) engine.ResultCode {
	return engine.ResultOK
}
func (c *testCore) Join(engine.NetworkID) error  { return nil }
func (c *testCore) Leave(engine.NetworkID) error { return nil }
func (c *testCore) Peers() (engine.PeerSnapshot, error) {
	return testSnapshot{}, nil
}
func (c *testCore) FreeQueryResult(engine.PeerSnapshot)  {}
func (c *testCore) SetMultipathMode(int)                 {}
func (c *testCore) Address() engine.PeerAddress          { return 0 }
func (c *testCore) PRNG() uint32                         { return 0 }

func (c *testCore) SubscribeMulticastGroup(nwid engine.NetworkID, group net.IP) error {
	c.subscribed = append(c.subscribed, group)
	return nil
}

func (c *testCore) UnsubscribeMulticastGroup(nwid engine.NetworkID, group net.IP) error {
	c.unsubscribed = append(c.unsubscribed, group)
	return nil
}

func (c *testCore) SetLocalAddresses(addrs []net.IP) { c.localAddrs = addrs }
func (c *testCore) SetPathCheck(engine.PathCheckFunc)   {}
func (c *testCore) SetPathLookup(engine.PathLookupFunc) {}

type testSnapshot struct{}

func (testSnapshot) Entries() []engine.PeerSnapshotEntry { return nil }

// testMapper is a minimal engine.PortMapper used by whitebox loop tests.
type testMapper struct{ addrs []net.IP }

func (m *testMapper) Get() []net.IP          { return m.addrs }
func (m *testMapper) SetLocalPort(uint16) {}
