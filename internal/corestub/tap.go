package corestub

import (
	"fmt"
	"net"
	"sync"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/node"
)

// MemTap is an in-memory engine.Tap: it tracks installed addresses and MTU
// without touching any OS network device, so the orchestration pipeline
// can be exercised without root privileges or a real TUN/TAP driver.
type MemTap struct {
	mu      sync.Mutex
	name    string
	mtu     int
	ips     []*net.IPNet
	routes  []engine.Route
	onFrame node.FrameHandler
	closed  bool
}

// NewMemTap returns a MemTap named name with the given initial MTU.
func NewMemTap(name string, mtu int, onFrame node.FrameHandler) *MemTap {
	return &MemTap{name: name, mtu: mtu, onFrame: onFrame}
}

func (t *MemTap) AddIP(addr *net.IPNet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.ips {
		if existing.String() == addr.String() {
			return nil
		}
	}
	t.ips = append(t.ips, addr)
	return nil
}

func (t *MemTap) RemoveIP(addr *net.IPNet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.ips {
		if existing.String() == addr.String() {
			t.ips = append(t.ips[:i], t.ips[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("corestub: address %s not installed on %s", addr, t.name)
}

func (t *MemTap) SetMTU(mtu int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mtu = mtu
	return nil
}

func (t *MemTap) ScanMulticastGroups() (added, removed []net.IP, err error) {
	return nil, nil, nil
}

func (t *MemTap) AddRoute(r engine.Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.routes {
		if routeEqual(existing, r) {
			return nil
		}
	}
	t.routes = append(t.routes, r)
	return nil
}

func (t *MemTap) RemoveRoute(r engine.Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.routes {
		if routeEqual(existing, r) {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("corestub: route %s not installed on %s", r.Target, t.name)
}

func routeEqual(a, b engine.Route) bool {
	return a.Target.String() == b.Target.String() && a.Via.Equal(b.Via)
}

func (t *MemTap) Put(srcMAC, dstMAC [6]byte, etherType uint16, data []byte) error {
	if t.onFrame != nil {
		t.onFrame(srcMAC, dstMAC, etherType, data)
	}
	return nil
}

func (t *MemTap) IPs() []*net.IPNet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*net.IPNet, len(t.ips))
	copy(out, t.ips)
	return out
}

func (t *MemTap) DeviceName() string { return t.name }

func (t *MemTap) NetworkStatus() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *MemTap) HasIPv4Addr() bool { return t.hasFamily(func(ip net.IP) bool { return ip.To4() != nil }) }
func (t *MemTap) HasIPv6Addr() bool { return t.hasFamily(func(ip net.IP) bool { return ip.To4() == nil }) }

func (t *MemTap) hasFamily(match func(net.IP) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.ips {
		if match(a.IP) {
			return true
		}
	}
	return false
}

func (t *MemTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
