// Package ports implements the port picker / trial binder: selection of up
// to three UDP ports (primary, secondary, mapping) by trial-binding both
// UDP and TCP-listen on v4 and v6, and releasing the probe sockets
// immediately.
package ports

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/quietmesh/noded/internal/engine"
)

const (
	primaryRangeLow  = 20000
	primaryRangeHigh = 65500

	secondaryRangeLow  = 20000
	secondaryModulus   = 45500
	secondaryWrapLimit = 65536

	primaryMaxTrials   = 256
	secondaryMaxTrials = 1000
)

// Set holds the three selected ports, in the order primary, secondary,
// mapping. ports[1] and ports[2] may be zero if allocation failed.
type Set [3]uint16

// Primary, Secondary and Mapping name the slots of a Set for readability.
const (
	Primary = iota
	Secondary
	Mapping
)

// TrialBinder attempts a bind, closing whatever it opens immediately. A
// production TrialBinder binds real sockets; tests substitute a fake.
type TrialBinder interface {
	// TrialBind attempts to bind UDP and listen TCP on port across 0.0.0.0
	// and [::], closing every socket it opens before returning. It reports
	// true iff both UDP and TCP succeeded on at least one address family.
	TrialBind(port uint16) bool
}

// OSTrialBinder is the real TrialBinder, used outside of tests.
type OSTrialBinder struct{}

// TrialBind implements TrialBinder using real sockets.
func (OSTrialBinder) TrialBind(port uint16) bool {
	return tryFamily("0.0.0.0", port) || tryFamily("[::]", port)
}

func tryFamily(addr string, port uint16) bool {
	hostport := fmt.Sprintf("%s:%d", addr, port)

	udp, err := net.ListenPacket("udp", hostport)
	if err != nil {
		return false
	}
	defer udp.Close()

	tcp, err := net.Listen("tcp", hostport)
	if err != nil {
		return false
	}
	defer tcp.Close()

	return true
}

// ErrPrimaryBindFailed is returned when the primary port could not be bound
// after all trials. The caller must treat this as fatal
// (UNRECOVERABLE_ERROR, "cannot bind to local control interface port").
var ErrPrimaryBindFailed = fmt.Errorf("ports: cannot bind to local control interface port")

// Pick selects the node's three ports. configuredPrimary is 0 to request a
// random primary port. overlayAddr seeds the secondary port's derivation.
// mappingEnabled controls whether a mapping port is probed at all.
func Pick(binder TrialBinder, configuredPrimary uint16, overlayAddr engine.PeerAddress, configuredSecondary, configuredMapping uint16, mappingEnabled bool) (Set, error) {
	var set Set

	primary, err := pickPrimary(binder, configuredPrimary)
	if err != nil {
		return Set{}, err
	}
	set[Primary] = primary

	secondaryStart := configuredSecondary
	if secondaryStart == 0 {
		secondaryStart = secondaryRangeLow + uint16(uint64(overlayAddr)%secondaryModulus)
	}
	set[Secondary] = pickByProbing(binder, secondaryStart, secondaryMaxTrials)

	if mappingEnabled {
		mappingStart := configuredMapping
		if mappingStart == 0 {
			mappingStart = set[Secondary]
			if mappingStart == 0 {
				mappingStart = secondaryStart
			}
		}
		set[Mapping] = pickByProbing(binder, mappingStart, secondaryMaxTrials)
	}

	return set, nil
}

// pickPrimary draws a random port in [20000, 65500) up to 256 times,
// accepting the first that trial-binds; if configured is non-zero it is
// tried exactly once.
func pickPrimary(binder TrialBinder, configured uint16) (uint16, error) {
	if configured != 0 {
		if binder.TrialBind(configured) {
			return configured, nil
		}
		return 0, ErrPrimaryBindFailed
	}

	for i := 0; i < primaryMaxTrials; i++ {
		p, err := randomPort(primaryRangeLow, primaryRangeHigh)
		if err != nil {
			return 0, fmt.Errorf("ports: random primary port: %w", err)
		}
		if binder.TrialBind(p) {
			return p, nil
		}
	}
	return 0, ErrPrimaryBindFailed
}

// pickByProbing starts at start and increments (wrapping to 20000 at
// 65536) until a trial bind succeeds or maxTrials attempts are exhausted,
// in which case it returns 0.
func pickByProbing(binder TrialBinder, start uint16, maxTrials int) uint16 {
	port := start
	for i := 0; i < maxTrials; i++ {
		if binder.TrialBind(port) {
			return port
		}
		port++
		if uint32(port) >= secondaryWrapLimit {
			port = secondaryRangeLow
		}
	}
	return 0
}

func randomPort(low, high int) (uint16, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(high-low)))
	if err != nil {
		return 0, err
	}
	return uint16(low + int(n.Int64())), nil
}
