package node

import (
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/quietmesh/noded/internal/binder"
	"github.com/quietmesh/noded/internal/engine"
)

// minGlobalPacketLen is the smallest datagram that can plausibly update the
// last-global-receive timestamp (spec §4.3).
const minGlobalPacketLen = 16

// PacketIO is the receive/send plane between the bound UDP sockets and the
// engine core, per spec §4.3.
type PacketIO struct {
	Core   engine.Core
	Binder *binder.Binder

	mu                sync.Mutex
	lastGlobalReceive time.Time
}

// LastGlobalReceive returns the timestamp of the most recent datagram from
// a global (non-private, non-loopback, non-link-local) source address of
// at least minGlobalPacketLen bytes.
func (p *PacketIO) LastGlobalReceive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastGlobalReceive
}

// Receive hands one datagram read from localSocket to the engine core. It
// reports whether the core signaled a fatal result (service must
// terminate).
func (p *PacketIO) Receive(localSocket int64, remote net.Addr, data []byte, now time.Time) (fatal bool) {
	if len(data) >= minGlobalPacketLen {
		if ua, ok := remote.(*net.UDPAddr); ok && isGlobalAddr(ua.IP) {
			p.mu.Lock()
			p.lastGlobalReceive = now
			p.mu.Unlock()
		}
	}

	code := p.Core.ProcessWirePacket(localSocket, remote, data, now)
	return code == engine.ResultFatalError
}

func isGlobalAddr(ip net.IP) bool {
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast() && !isPrivate(ip)
}

// Send delivers data to dst. If localSocket is nonzero it is sent from that
// specific bound socket (resolved via the binder's handle table) with ttl
// applied for the duration of the call when ttl is nonzero; if localSocket
// is zero the datagram is broadcast across every bound socket.
func (p *PacketIO) Send(localSocket int64, dst net.Addr, data []byte, ttl int) error {
	if localSocket == 0 {
		return p.Binder.BroadcastSend(data, dst)
	}

	sock, ok := p.Binder.ByHandle(localSocket)
	if !ok {
		return p.Binder.BroadcastSend(data, dst)
	}

	if ttl > 0 && sock.Addr.To4() != nil {
		pc := ipv4.NewPacketConn(sock.Conn)
		if err := pc.SetTTL(ttl); err == nil {
			defer pc.SetTTL(255)
		}
	}

	_, err := sock.Conn.WriteTo(data, dst)
	return err
}
