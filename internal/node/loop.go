package node

import (
	"context"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quietmesh/noded/internal/binder"
	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/events"
	"github.com/quietmesh/noded/internal/store"
)

const (
	bindRefreshInterval        = 60 * time.Second
	multipathBindRefreshDivisor = 8

	multicastCheckInterval = 10 * time.Second
	localIfaceCheckInterval = 5 * time.Second
	localIfaceFirstRunDelay = 15 * time.Second

	peerCacheReapInterval = time.Hour

	clockJumpThreshold = 10000 * time.Millisecond

	pollFloor = 50 * time.Millisecond
)

// Loop runs the main service thread: one goroutine, driven by a single
// clock, that owns every periodic task named in spec §4.9.
type Loop struct {
	Table   *Table
	Sink    *events.Sink
	Store   *store.Store
	Core    engine.Core
	Binder  *binder.Binder
	Filter  *binder.Filter
	Mapper  engine.PortMapper
	PacketIO *PacketIO
	PeerCache *PeerCache
	Enumerator binder.InterfaceEnumerator

	Clock clockwork.Clock

	// Port is the node's primary bound port, refreshed by bind refresh.
	Port uint16

	// MultipathMode is pushed to the core whenever it changes.
	MultipathMode int
	multipathSet  bool

	lastBindRefresh   time.Time
	lastMulticastScan time.Time
	lastIfaceScan     time.Time
	lastPeerReap      time.Time
	lastTick          time.Time
	firstIteration    bool

	stop chan struct{}
}

// NewLoop constructs a Loop using clockwork.NewRealClock if clock is nil.
func NewLoop(clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{Clock: clock, firstIteration: true, stop: make(chan struct{})}
}

// Stop requests that Run return at the next iteration boundary.
func (l *Loop) Stop() {
	close(l.stop)
}

// Run drives the main control loop until ctx is canceled or Stop is
// called. It implements the ten-step iteration from spec §4.9.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		default:
		}

		now := l.Clock.Now()

		// Step 2: monotonic-clock restart/sleep-wake detection. A gap larger
		// than clockJumpThreshold since the previous tick means the host
		// slept or the clock otherwise jumped; force every periodic task to
		// run again immediately by clearing their "last ran" timestamps.
		if !l.lastTick.IsZero() && now.Sub(l.lastTick) > clockJumpThreshold {
			l.lastBindRefresh = time.Time{}
			l.lastMulticastScan = time.Time{}
			l.lastIfaceScan = time.Time{}
		}
		l.lastTick = now

		// Step 3/4: bind refresh, shortened under multipath.
		refreshInterval := bindRefreshInterval
		if l.multipathSet && l.MultipathMode != 0 {
			refreshInterval = bindRefreshInterval / multipathBindRefreshDivisor
		}
		if l.lastBindRefresh.IsZero() || now.Sub(l.lastBindRefresh) >= refreshInterval {
			if l.Binder != nil && l.Enumerator != nil && l.Filter != nil {
				l.Binder.Refresh(l.Enumerator, l.Filter, l.Port)
				metricBoundPorts.Set(float64(len(l.Binder.Sockets())))
			}
			metricBindRefreshTotal.Inc()
			l.lastBindRefresh = now
		}

		// Step 4: push multipath mode to the core once per change.
		if l.Core != nil {
			l.Core.SetMultipathMode(l.MultipathMode)
		}

		// Step 5: peer-delta and network status event generation, only once
		// some network is online and its IP stack has come up (spec §4.7).
		if l.Core != nil && l.PeerCache != nil && l.Sink != nil && l.Table != nil && l.Table.AnyNetworkOnlineAndReady() {
			DetectPeerDeltas(l.Core, l.PeerCache, l.Sink)
		}

		// Step 6: background-task deadline-driven engine pulse.
		var nextDeadline time.Time
		if l.Core != nil {
			deadline, code := l.Core.ProcessBackgroundTasks(now)
			metricBackgroundTaskTotal.Inc()
			nextDeadline = deadline
			switch code {
			case engine.ResultIdentityCollision:
				return errIdentityCollision
			case engine.ResultFatalError:
				return errFatalBackgroundTask
			}
		}

		// Step 7: multicast-group sync.
		if now.Sub(l.lastMulticastScan) >= multicastCheckInterval {
			l.syncMulticastGroups()
			l.lastMulticastScan = now
		}

		// Step 8: local-interface-address sync, offset 15s on first pass.
		ifaceDue := now.Sub(l.lastIfaceScan) >= localIfaceCheckInterval
		if l.firstIteration {
			ifaceDue = now.Sub(l.lastIfaceScan) >= localIfaceFirstRunDelay
		}
		if ifaceDue {
			if l.Binder != nil && l.Enumerator != nil && l.Filter != nil {
				l.Binder.Refresh(l.Enumerator, l.Filter, l.Port)
			}
			l.syncLocalAddresses()
			l.lastIfaceScan = now
		}

		// Step 9: hourly peer-cache reaping.
		if l.lastPeerReap.IsZero() || now.Sub(l.lastPeerReap) >= peerCacheReapInterval {
			if l.Store != nil {
				l.Store.ReapStalePeerCaches(now)
			}
			l.lastPeerReap = now
		}

		l.firstIteration = false

		// Step 10: sleep until the next deadline, bounded below by
		// pollFloor so the loop remains responsive to Stop/ctx.
		sleep := pollFloor
		if !nextDeadline.IsZero() {
			if d := nextDeadline.Sub(now); d > pollFloor {
				sleep = d
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.Clock.After(sleep):
		}
	}
}

// syncMulticastGroups polls each owned tap for multicast group membership
// changes and pushes them into the engine core, per spec §4.9 step 7.
func (l *Loop) syncMulticastGroups() {
	if l.Table == nil {
		return
	}
	for _, s := range l.Table.Snapshot() {
		if s.Tap == nil {
			continue
		}
		added, removed, err := s.Tap.ScanMulticastGroups()
		if err != nil || l.Core == nil {
			continue
		}
		for _, g := range added {
			l.Core.SubscribeMulticastGroup(s.NWID, g)
		}
		for _, g := range removed {
			l.Core.UnsubscribeMulticastGroup(s.NWID, g)
		}
	}
}

// syncLocalAddresses rebuilds the engine core's local-address set from the
// port mapper's externally observed addresses plus the binder's bound
// local sockets, per spec §4.9 step 8.
func (l *Loop) syncLocalAddresses() {
	if l.Core == nil {
		return
	}
	var addrs []net.IP
	if l.Mapper != nil {
		addrs = append(addrs, l.Mapper.Get()...)
	}
	if l.Binder != nil {
		for _, s := range l.Binder.Sockets() {
			addrs = append(addrs, s.Addr)
		}
	}
	l.Core.SetLocalAddresses(addrs)
}

var errFatalBackgroundTask = &loopError{"node: engine reported a fatal error from background task processing"}
var errIdentityCollision = &loopError{"node: engine reported an identity collision"}

type loopError struct{ msg string }

func (e *loopError) Error() string { return e.msg }
