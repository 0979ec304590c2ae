package node

import (
	"fmt"
	"time"

	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/events"
	"github.com/quietmesh/noded/internal/store"
)

// TapFactory creates the tap device for a network on its first UP
// transition. onFrame must be wired to the device's read loop so that
// every Ethernet frame read off the device reaches the engine core.
type TapFactory func(cfg engine.VirtualNetworkConfig, onFrame FrameHandler) (engine.Tap, error)

// FrameHandler is invoked by a tap's read loop for each frame arriving
// from the local IP stack, for delivery onward to the overlay.
type FrameHandler func(srcMAC, dstMAC [6]byte, etherType uint16, data []byte)

// Configurator applies virtual-network configuration callbacks (spec
// §4.4) against the network table, the tap lifecycle, and the state
// store.
type Configurator struct {
	Table  *Table
	Sink   *events.Sink
	Store  *store.Store
	Core   engine.Core
	NewTap TapFactory

	// IPStack reports whether a tap device's netif is up, gating
	// NETWORK_READY_IP4/IP6 emission. A nil IPStack is treated as always
	// up, so collaborators that don't model netif state separately from
	// tap address installation still get readiness events.
	IPStack engine.IPStack
}

func friendlyName(nwid engine.NetworkID) string {
	return fmt.Sprintf("Overlay [%016x]", uint64(nwid))
}

func nwidHex(nwid engine.NetworkID) string {
	return fmt.Sprintf("%016x", uint64(nwid))
}

// Handle applies one configuration callback, per spec §4.4. Op selects
// among UP, UPDATE, DOWN, and DESTROY semantics; cfg is the core's
// reported configuration as of this callback.
func (c *Configurator) Handle(op engine.ConfigOp, cfg engine.VirtualNetworkConfig, now time.Time) error {
	c.Table.Lock()
	defer c.Table.Unlock()

	switch op {
	case engine.ConfigOpUp:
		return c.handleUp(cfg)
	case engine.ConfigOpUpdate:
		return c.handleUpdate(cfg)
	case engine.ConfigOpDown:
		return c.handleDownOrDestroy(cfg, false)
	case engine.ConfigOpDestroy:
		return c.handleDownOrDestroy(cfg, true)
	default:
		return fmt.Errorf("node: unknown config op %d", op)
	}
}

func (c *Configurator) handleUp(cfg engine.VirtualNetworkConfig) error {
	s := c.Table.Get(cfg.NWID)
	if s == nil {
		s = &NetworkState{NWID: cfg.NWID}
		c.Table.Set(cfg.NWID, s)
	}

	if s.Tap == nil {
		nwid := cfg.NWID
		onFrame := func(srcMAC, dstMAC [6]byte, etherType uint16, data []byte) {
			c.Core.ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC, etherType, data, time.Now())
		}
		tap, err := c.NewTap(cfg, onFrame)
		if err != nil {
			c.Table.Delete(cfg.NWID)
			return fmt.Errorf("node: create tap for %s: %w", friendlyName(cfg.NWID), err)
		}
		s.Tap = tap
	}

	s.Config = cfg
	syncManagedStuff(s, c.Sink)
	c.emitStatusEvent(s, cfg.Status)
	c.emitReadinessEvents(s)
	c.persist(cfg)
	return nil
}

func (c *Configurator) handleUpdate(cfg engine.VirtualNetworkConfig) error {
	s := c.Table.Get(cfg.NWID)
	if s == nil || s.Tap == nil {
		return fmt.Errorf("node: update for unknown network %s", nwidHex(cfg.NWID))
	}

	prevStatus := s.LastObservedStatus
	prevEverObserved := s.everObservedStatus
	s.Config = cfg

	if err := s.Tap.SetMTU(cfg.MTU); err != nil {
		c.Table.Delete(cfg.NWID)
		return fmt.Errorf("node: update %s: set mtu %d: %w (-999)", nwidHex(cfg.NWID), cfg.MTU, err)
	}

	syncManagedStuff(s, c.Sink)
	statusChanged := c.emitStatusEvent(s, cfg.Status)
	c.emitReadinessEvents(s)
	if !statusChanged && prevEverObserved && prevStatus == cfg.Status {
		c.Sink.Post(events.Message{Code: events.NetworkUpdate, NWID: cfg.NWID})
		observeEvent(string(events.NetworkUpdate), false)
	}
	c.persist(cfg)
	return nil
}

func (c *Configurator) handleDownOrDestroy(cfg engine.VirtualNetworkConfig, destroy bool) error {
	s := c.Table.Get(cfg.NWID)
	if s != nil {
		if s.Tap != nil {
			s.Tap.Close()
		}
		c.Table.Delete(cfg.NWID)
	}
	if destroy && c.Store != nil {
		err := c.Store.Put(store.KindNetworkConfig, nwidHex(cfg.NWID), nil, -1)
		observeStateWrite("network-config-delete", err)
	}
	return nil
}

func (c *Configurator) persist(cfg engine.VirtualNetworkConfig) {
	if c.Store == nil || len(cfg.RawConfig) == 0 {
		return
	}
	err := c.Store.Put(store.KindNetworkConfig, nwidHex(cfg.NWID), cfg.RawConfig, len(cfg.RawConfig))
	observeStateWrite("network-config", err)
}

// emitStatusEvent posts the event corresponding to an edge-triggered
// status transition and records the new status. It reports whether an
// event was posted.
func (c *Configurator) emitStatusEvent(s *NetworkState, status engine.NetworkStatus) bool {
	if s.everObservedStatus && s.LastObservedStatus == status {
		return false
	}
	s.LastObservedStatus = status
	s.everObservedStatus = true

	var code events.Code
	switch status {
	case engine.NetworkStatusRequestingConfig:
		code = events.NetworkReqConfig
	case engine.NetworkStatusOK:
		code = events.NetworkOK
	case engine.NetworkStatusAccessDenied:
		code = events.NetworkAccessDenied
	case engine.NetworkStatusNotFound:
		code = events.NetworkNotFound
	case engine.NetworkStatusClientTooOld:
		code = events.NetworkClientTooOld
	default:
		return false
	}
	c.Sink.Post(events.Message{Code: code, NWID: s.NWID})
	observeEvent(string(code), false)
	return true
}

// emitReadinessEvents posts NETWORK_READY_IP4/IP6 on the edge where a
// tap's netif comes up with an address of that family installed, per spec
// §2, §4.7, and §6.
func (c *Configurator) emitReadinessEvents(s *NetworkState) {
	if s.Tap == nil {
		return
	}
	netifUp := c.IPStack == nil || c.IPStack.IsNetifUp(s.Tap.DeviceName())
	c.emitFamilyReady(s, netifUp && s.Tap.HasIPv4Addr(), &s.IP4Ready, events.NetworkReadyIP4)
	c.emitFamilyReady(s, netifUp && s.Tap.HasIPv6Addr(), &s.IP6Ready, events.NetworkReadyIP6)
}

func (c *Configurator) emitFamilyReady(s *NetworkState, ready bool, flag *bool, code events.Code) {
	if ready == *flag {
		return
	}
	*flag = ready
	if !ready {
		return
	}
	c.Sink.Post(events.Message{Code: code, NWID: s.NWID})
	observeEvent(string(code), false)
}
