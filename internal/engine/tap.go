package engine

import "net"

// Tap is a virtual Ethernet device that bridges one overlay network to a
// userspace TCP/IP stack. NodeService owns the Tap's lifecycle (create on
// first UP, destroy on DOWN/DESTROY) but never implements the device
// itself.
type Tap interface {
	// AddIP installs an address on the device.
	AddIP(addr *net.IPNet) error

	// RemoveIP removes an address from the device.
	RemoveIP(addr *net.IPNet) error

	// SetMTU changes the device's MTU.
	SetMTU(mtu int) error

	// ScanMulticastGroups returns multicast groups that have been newly
	// joined or left on the device's subscriber list since the last call.
	ScanMulticastGroups() (added, removed []net.IP, err error)

	// AddRoute and RemoveRoute install or remove a route over the device.
	AddRoute(r Route) error
	RemoveRoute(r Route) error

	// Put injects an Ethernet frame into the device for delivery to the
	// local IP stack.
	Put(srcMAC, dstMAC [6]byte, etherType uint16, data []byte) error

	// IPs returns the addresses presently installed on the device.
	IPs() []*net.IPNet

	// DeviceName returns the OS-level interface name.
	DeviceName() string

	// NetworkStatus reports the device's own up/down status, used for
	// edge-triggered status detection.
	NetworkStatus() bool

	// HasIPv4Addr and HasIPv6Addr report whether the device currently has
	// at least one address of the given family installed.
	HasIPv4Addr() bool
	HasIPv6Addr() bool

	// Close tears down the device.
	Close() error
}

// IPStack is queried for readiness before the service emits
// NETWORK_READY_IP4/IP6 events; the service does not own its lifecycle.
type IPStack interface {
	IsNetifUp(deviceName string) bool
}

// PortMapper is the uPnP/NAT-PMP collaborator. Get returns externally
// observed addresses for the mapped port, or nil if none are known yet.
type PortMapper interface {
	Get() []net.IP
	SetLocalPort(port uint16)
}
