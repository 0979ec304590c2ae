package node

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/quietmesh/noded/internal/engine"
)

func cidr(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func TestCheckIfManagedIsAllowedDisabled(t *testing.T) {
	assert.False(t, checkIfManagedIsAllowed(Settings{AllowManaged: false}, cidr("10.1.2.3/32")))
}

func TestCheckIfManagedIsAllowedWhitelistContainment(t *testing.T) {
	s := Settings{
		AllowManaged:          true,
		AllowManagedWhitelist: []*net.IPNet{cidr("10.0.0.0/8")},
	}
	assert.True(t, checkIfManagedIsAllowed(s, cidr("10.1.2.3/32")))
	assert.False(t, checkIfManagedIsAllowed(s, cidr("172.16.0.1/32")))
}

func TestCheckIfManagedIsAllowedWhitelistPrefixLength(t *testing.T) {
	s := Settings{
		AllowManaged:          true,
		AllowManagedWhitelist: []*net.IPNet{cidr("10.0.0.0/24")},
	}
	// a /16 target is not contained by the narrower /24 whitelist entry.
	assert.False(t, checkIfManagedIsAllowed(s, cidr("10.0.0.0/16")))
}

func TestCheckIfManagedIsAllowedDefaultRoute(t *testing.T) {
	allow := Settings{AllowManaged: true, AllowDefault: true}
	deny := Settings{AllowManaged: true, AllowDefault: false}
	assert.True(t, checkIfManagedIsAllowed(allow, cidr("0.0.0.0/0")))
	assert.False(t, checkIfManagedIsAllowed(deny, cidr("0.0.0.0/0")))
}

func TestCheckIfManagedIsAllowedScopeRejections(t *testing.T) {
	s := Settings{AllowManaged: true}
	assert.False(t, checkIfManagedIsAllowed(s, cidr("224.0.0.1/32")))
	assert.False(t, checkIfManagedIsAllowed(s, cidr("127.0.0.1/32")))
	assert.False(t, checkIfManagedIsAllowed(s, cidr("169.254.1.1/32")))
}

func TestCheckIfManagedIsAllowedGlobalScopeGated(t *testing.T) {
	allow := Settings{AllowManaged: true, AllowGlobal: true}
	deny := Settings{AllowManaged: true, AllowGlobal: false}
	assert.True(t, checkIfManagedIsAllowed(allow, cidr("203.0.113.5/32")))
	assert.False(t, checkIfManagedIsAllowed(deny, cidr("203.0.113.5/32")))
}

func TestCheckIfManagedIsAllowedPrivateAcceptedByDefault(t *testing.T) {
	s := Settings{AllowManaged: true}
	assert.True(t, checkIfManagedIsAllowed(s, cidr("10.1.2.3/24")))
}

func TestSyncManagedStuffAddsAndRemoves(t *testing.T) {
	tap := newTestTap("ztTest0")
	addr1 := cidr("10.1.2.3/24")
	tap.AddIP(addr1)

	state := &NetworkState{
		NWID: 1,
		Tap:  tap,
		Config: engine.VirtualNetworkConfig{
			AssignedAddresses: []*net.IPNet{cidr("10.1.2.4/24")},
		},
		Settings:   Settings{AllowManaged: true},
		ManagedIPs: []*net.IPNet{addr1},
	}
	sink := newTestSink()

	syncManagedStuff(state, sink)

	assert.Len(t, state.ManagedIPs, 1)
	assert.Equal(t, "10.1.2.4/24", state.ManagedIPs[0].String())

	wantTapIPs := []string{"10.1.2.4/24"}
	var gotTapIPs []string
	for _, ip := range tap.IPs() {
		gotTapIPs = append(gotTapIPs, ip.String())
	}
	if diff := cmp.Diff(wantTapIPs, gotTapIPs); diff != "" {
		t.Errorf("tap IPs mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncManagedStuffReconcilesRoutes(t *testing.T) {
	tap := newTestTap("ztTest1")
	staleVia := net.ParseIP("10.0.0.1")
	keptVia := net.ParseIP("10.0.0.2")
	newVia := net.ParseIP("10.0.0.3")
	denied := cidr("169.254.0.0/16") // link-local: rejected regardless of AllowManaged

	stale := engine.Route{Target: cidr("192.168.50.0/24"), Via: staleVia}
	kept := engine.Route{Target: cidr("192.168.60.0/24"), Via: keptVia}
	fresh := engine.Route{Target: cidr("192.168.70.0/24"), Via: newVia}
	tap.routes = []engine.Route{stale, kept}

	state := &NetworkState{
		NWID: 2,
		Tap:  tap,
		Config: engine.VirtualNetworkConfig{
			Routes: []engine.Route{kept, fresh, {Target: denied, Via: newVia}},
		},
		Settings:      Settings{AllowManaged: true},
		ManagedRoutes: []engine.Route{stale, kept},
	}
	sink := newTestSink()

	syncManagedStuff(state, sink)

	assert.Len(t, state.ManagedRoutes, 2)
	assert.Len(t, tap.routes, 2)

	var gotTargets []string
	for _, r := range tap.routes {
		gotTargets = append(gotTargets, r.Target.String())
	}
	assert.ElementsMatch(t, []string{"192.168.60.0/24", "192.168.70.0/24"}, gotTargets)
}
