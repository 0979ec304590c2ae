// Package binder implements the interface filter (which local addresses
// are eligible for outbound binding) and the binder that maintains the set
// of bound UDP endpoints driven by the main control loop.
package binder

import "net"

// blacklistedNamePrefixes are rejected unconditionally: loopback, this
// service's own overlay devices, and the various OS-native tunnel device
// naming conventions that would otherwise cause overlay-over-overlay
// recursion.
var blacklistedNamePrefixes = []string{"lo", "zt", "tun", "tap", "feth", "utun"}

// TapAddressSource reports every address currently installed on any tap
// device this service owns, so the filter can reject binding to our own
// overlay addresses (anti-recursion).
type TapAddressSource interface {
	OwnedTapAddresses() []net.IP
}

// Filter decides which local interface name+address pairs are eligible for
// outbound UDP binding.
type Filter struct {
	// NamePrefixBlacklist holds additional user-configured interface name
	// prefixes to reject, beyond the built-in ones.
	NamePrefixBlacklist []string

	// AddressBlacklistV4/V6 hold user-configured CIDR blocks to reject,
	// per address family.
	AddressBlacklistV4 []*net.IPNet
	AddressBlacklistV6 []*net.IPNet

	// Taps supplies the set of addresses currently installed on owned tap
	// devices, for anti-recursion rejection.
	Taps TapAddressSource
}

// ShouldBindInterface reports whether addr on the interface named name is
// eligible for outbound binding.
func (f *Filter) ShouldBindInterface(name string, addr net.IP) bool {
	for _, prefix := range blacklistedNamePrefixes {
		if hasPrefix(name, prefix) {
			return false
		}
	}
	for _, prefix := range f.NamePrefixBlacklist {
		if prefix != "" && hasPrefix(name, prefix) {
			return false
		}
	}

	blacklist := f.AddressBlacklistV4
	if addr.To4() == nil {
		blacklist = f.AddressBlacklistV6
	}
	for _, cidr := range blacklist {
		if cidr != nil && cidr.Contains(addr) {
			return false
		}
	}

	if f.Taps != nil {
		for _, owned := range f.Taps.OwnedTapAddresses() {
			if owned.Equal(addr) {
				return false
			}
		}
	}

	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
