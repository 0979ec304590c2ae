package binder

import (
	"fmt"
	"net"
	"sync"
)

// InterfaceAddr is one (name, address) candidate surfaced by an
// InterfaceEnumerator.
type InterfaceAddr struct {
	Name string
	IP   net.IP
}

// InterfaceEnumerator lists the local interface addresses the binder
// should consider. OSInterfaceEnumerator is the real implementation;
// tests substitute a fake.
type InterfaceEnumerator interface {
	Interfaces() ([]InterfaceAddr, error)
}

// OSInterfaceEnumerator enumerates real host interfaces.
type OSInterfaceEnumerator struct{}

func (OSInterfaceEnumerator) Interfaces() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []InterfaceAddr
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			out = append(out, InterfaceAddr{Name: ifi.Name, IP: ipnet.IP})
		}
	}
	return out, nil
}

// Socket is one UDP endpoint the binder owns.
type Socket struct {
	Handle int64
	Iface  string
	Addr   net.IP
	Port   uint16
	Conn   *net.UDPConn
}

// Binder maintains the set of bound UDP endpoints, refreshed periodically
// by the main control loop against the current interface-filter policy and
// the node's nonzero ports.
type Binder struct {
	mu         sync.Mutex
	sockets    map[string]*Socket // keyed by iface+"|"+addr
	byHandle   map[int64]*Socket
	nextHandle int64
}

// New returns an empty Binder.
func New() *Binder {
	return &Binder{
		sockets:  make(map[string]*Socket),
		byHandle: make(map[int64]*Socket),
	}
}

// Sockets returns a snapshot of currently bound sockets.
func (b *Binder) Sockets() []*Socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Socket, 0, len(b.sockets))
	for _, s := range b.sockets {
		out = append(out, s)
	}
	return out
}

// ByHandle returns the socket registered under handle, if any.
func (b *Binder) ByHandle(handle int64) (*Socket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byHandle[handle]
	return s, ok
}

// Refresh reconciles the bound socket set against the interfaces currently
// reported by enumerator, filtered by filter, bound at port. It opens
// sockets for newly-eligible addresses and closes sockets whose address is
// no longer eligible.
func (b *Binder) Refresh(enumerator InterfaceEnumerator, filter *Filter, port uint16) error {
	if port == 0 {
		return nil
	}
	candidates, err := enumerator.Interfaces()
	if err != nil {
		return fmt.Errorf("binder: enumerate interfaces: %w", err)
	}

	wanted := make(map[string]InterfaceAddr)
	for _, c := range candidates {
		if filter.ShouldBindInterface(c.Name, c.IP) {
			wanted[key(c.Name, c.IP)] = c
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for k, s := range b.sockets {
		if _, ok := wanted[k]; !ok {
			s.Conn.Close()
			delete(b.sockets, k)
			delete(b.byHandle, s.Handle)
		}
	}

	for k, c := range wanted {
		if _, ok := b.sockets[k]; ok {
			continue
		}
		conn, err := net.ListenUDP(udpNetwork(c.IP), &net.UDPAddr{IP: c.IP, Port: int(port)})
		if err != nil {
			// Transient I/O error: log-and-skip per spec §7, try the rest.
			continue
		}
		b.nextHandle++
		s := &Socket{Handle: b.nextHandle, Iface: c.Name, Addr: c.IP, Port: port, Conn: conn}
		b.sockets[k] = s
		b.byHandle[s.Handle] = s
	}

	return nil
}

// BroadcastSend tries every currently bound socket, used when the engine's
// wire-send request specifies no particular local socket. It returns nil
// once any send succeeds.
func (b *Binder) BroadcastSend(data []byte, dst net.Addr) error {
	b.mu.Lock()
	sockets := make([]*Socket, 0, len(b.sockets))
	for _, s := range b.sockets {
		sockets = append(sockets, s)
	}
	b.mu.Unlock()

	var lastErr error
	for _, s := range sockets {
		if _, err := s.Conn.WriteTo(data, dst); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("binder: no bound sockets")
	}
	return lastErr
}

// Close closes every bound socket.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sockets {
		s.Conn.Close()
	}
	b.sockets = make(map[string]*Socket)
	b.byHandle = make(map[int64]*Socket)
}

func key(name string, ip net.IP) string {
	return name + "|" + ip.String()
}

func udpNetwork(ip net.IP) string {
	if ip.To4() != nil {
		return "udp4"
	}
	return "udp6"
}
