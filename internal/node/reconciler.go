package node

import (
	"fmt"
	"net"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/events"
)

// checkIfManagedIsAllowed implements the policy in spec §4.5.
func checkIfManagedIsAllowed(s Settings, target *net.IPNet) bool {
	if !s.AllowManaged {
		return false
	}

	if len(s.AllowManagedWhitelist) > 0 {
		ok := false
		targetOnes, _ := target.Mask.Size()
		for _, w := range s.AllowManagedWhitelist {
			wOnes, _ := w.Mask.Size()
			if w.Contains(target.IP) && wOnes <= targetOnes {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if isDefaultRoute(target) {
		return s.AllowDefault
	}

	switch addrScope(target.IP) {
	case scopeNone, scopeMulticast, scopeLoopback, scopeLinkLocal:
		return false
	case scopeGlobal:
		return s.AllowGlobal
	default:
		return true
	}
}

func isDefaultRoute(n *net.IPNet) bool {
	ones, bits := n.Mask.Size()
	return ones == 0 && bits > 0
}

type scope int

const (
	scopeNone scope = iota
	scopeMulticast
	scopeLoopback
	scopeLinkLocal
	scopeGlobal
	scopePrivateOrShared
)

func addrScope(ip net.IP) scope {
	if ip == nil {
		return scopeNone
	}
	switch {
	case ip.IsMulticast():
		return scopeMulticast
	case ip.IsLoopback():
		return scopeLoopback
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return scopeLinkLocal
	case ip.IsGlobalUnicast() && !isPrivate(ip):
		return scopeGlobal
	default:
		return scopePrivateOrShared
	}
}

func isPrivate(ip net.IP) bool {
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // shared address space (carrier-grade NAT)
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// syncManagedStuff computes the target managed-address set and reconciles
// the tap's installed addresses against it, per spec §4.5. Caller must
// hold the network table lock.
func syncManagedStuff(s *NetworkState, sink *events.Sink) {
	if s.Tap == nil {
		return
	}

	var target []*net.IPNet
	for _, a := range s.Config.AssignedAddresses {
		if checkIfManagedIsAllowed(s.Settings, a) {
			target = append(target, a)
		}
	}
	target = sortAddrs(target)

	current := s.ManagedIPs

	currentSet := make(map[string]*net.IPNet, len(current))
	for _, a := range current {
		currentSet[a.String()] = a
	}
	targetSet := make(map[string]*net.IPNet, len(target))
	for _, a := range target {
		targetSet[a.String()] = a
	}

	for key, a := range currentSet {
		if _, stillWanted := targetSet[key]; stillWanted {
			continue
		}
		if err := s.Tap.RemoveIP(a); err == nil {
			ev := removedEvent(s.NWID, a)
			sink.Post(ev)
			observeEvent(string(ev.Code), false)
		}
	}

	for key, a := range targetSet {
		if _, alreadyPresent := currentSet[key]; alreadyPresent {
			continue
		}
		if err := s.Tap.AddIP(a); err == nil {
			ev := addedEvent(s.NWID, a)
			sink.Post(ev)
			observeEvent(string(ev.Code), false)
		}
	}

	s.ManagedIPs = target
	syncManagedRoutes(s)

	metricManagedIPs.WithLabelValues(fmt.Sprintf("%016x", uint64(s.NWID))).Set(float64(len(target)))
	metricManagedRoutes.WithLabelValues(fmt.Sprintf("%016x", uint64(s.NWID))).Set(float64(len(s.ManagedRoutes)))
}

// syncManagedRoutes reconciles the tap's installed routes against the
// policy-admitted subset of the network's configured routes, per spec §3
// ("managedRoutes = one installed route per config.routes entry admitted
// by policy"). There is no dedicated route event code in spec §6, so this
// only touches the tap and the managed-route set, not the event sink.
// Caller must hold the network table lock.
func syncManagedRoutes(s *NetworkState) {
	var target []engine.Route
	for _, r := range s.Config.Routes {
		if r.Target != nil && checkIfManagedIsAllowed(s.Settings, r.Target) {
			target = append(target, r)
		}
	}

	current := s.ManagedRoutes

	currentSet := make(map[string]engine.Route, len(current))
	for _, r := range current {
		currentSet[routeKey(r)] = r
	}
	targetSet := make(map[string]engine.Route, len(target))
	for _, r := range target {
		targetSet[routeKey(r)] = r
	}

	for key, r := range currentSet {
		if _, stillWanted := targetSet[key]; stillWanted {
			continue
		}
		s.Tap.RemoveRoute(r)
	}

	for key, r := range targetSet {
		if _, alreadyPresent := currentSet[key]; alreadyPresent {
			continue
		}
		s.Tap.AddRoute(r)
	}

	s.ManagedRoutes = target
}

func routeKey(r engine.Route) string {
	via := ""
	if r.Via != nil {
		via = r.Via.String()
	}
	return r.Target.String() + "|" + via
}

func addedEvent(nwid engine.NetworkID, a *net.IPNet) events.Message {
	code := events.AddrAddedIP4
	if a.IP.To4() == nil {
		code = events.AddrAddedIP6
	}
	raw := []byte(a.IP)
	return events.Message{Code: code, NWID: nwid, Addr: &raw}
}

func removedEvent(nwid engine.NetworkID, a *net.IPNet) events.Message {
	code := events.AddrRemovedIP4
	if a.IP.To4() == nil {
		code = events.AddrRemovedIP6
	}
	raw := []byte(a.IP)
	return events.Message{Code: code, NWID: nwid, Addr: &raw}
}
