// Package node implements NodeService: the orchestration engine that binds
// UDP sockets, manages tap device lifecycles, reconciles managed addresses
// and routes, detects peer and network status changes, persists state
// across restarts, and fans out events, all around an opaque engine.Core
// that implements the overlay protocol itself.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quietmesh/noded/internal/binder"
	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/events"
	"github.com/quietmesh/noded/internal/ports"
	"github.com/quietmesh/noded/internal/store"
)

// Config holds everything the NodeService needs to cold-start: the home
// directory for on-disk state, the port selection policy, interface
// filtering policy, and the collaborators implementing the out-of-scope
// pieces (engine core, tap factory, port mapper).
type Config struct {
	Home string

	ConfiguredPrimaryPort   uint16
	ConfiguredSecondaryPort uint16
	ConfiguredMappingPort   uint16
	PortMappingEnabled      bool

	AllowNetworkCaching bool
	AllowPeerCaching    bool

	InterfaceFilter *binder.Filter

	Core    engine.Core
	NewTap  TapFactory
	Mapper  engine.PortMapper
	IPStack engine.IPStack

	PathPolicy     PathPolicy
	PathHintsV4    map[engine.PeerAddress][]PathHint
	PathHintsV6    map[engine.PeerAddress][]PathHint
	EnableLiveness bool

	EventBacklog int

	Clock clockwork.Clock
}

// NodeService is the top-level orchestration object: one per running
// daemon instance.
type NodeService struct {
	cfg Config

	Table  *Table
	Sink   *events.Sink
	Store  *store.Store
	Binder *binder.Binder

	Configurator *Configurator
	Loop         *Loop
	Terminator   *Terminator
	PeerCache    *PeerCache
	PacketIO     *PacketIO
	PathChecker  *PathChecker
	PathLookup   *PathLookup

	Ports ports.Set

	log *slog.Logger
}

// New assembles a NodeService from cfg without starting it.
func New(cfg Config, log *slog.Logger) (*NodeService, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("node: config requires a home directory")
	}
	if cfg.Core == nil {
		return nil, fmt.Errorf("node: config requires an engine core")
	}
	if log == nil {
		log = slog.Default()
	}

	st, err := store.New(cfg.Home,
		store.WithNetworkCaching(cfg.AllowNetworkCaching),
		store.WithPeerCaching(cfg.AllowPeerCaching),
	)
	if err != nil {
		return nil, fmt.Errorf("node: init state store: %w", err)
	}

	table := NewTable()
	sink := events.NewSink(cfg.EventBacklog)
	bnd := binder.New()
	filter := cfg.InterfaceFilter
	if filter == nil {
		filter = &binder.Filter{}
	}
	filter.Taps = table

	peerCache := NewPeerCache()
	packetIO := &PacketIO{Core: cfg.Core, Binder: bnd}

	configurator := &Configurator{
		Table:   table,
		Sink:    sink,
		Store:   st,
		Core:    cfg.Core,
		NewTap:  cfg.NewTap,
		IPStack: cfg.IPStack,
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	loop := NewLoop(clock)
	loop.Table = table
	loop.Sink = sink
	loop.Store = st
	loop.Core = cfg.Core
	loop.Binder = bnd
	loop.Filter = filter
	loop.Mapper = cfg.Mapper
	loop.PacketIO = packetIO
	loop.PeerCache = peerCache
	loop.Enumerator = binder.OSInterfaceEnumerator{}

	terminator := &Terminator{Table: table, Sink: sink, Binder: bnd, Loop: loop}

	pathChecker := &PathChecker{Taps: table, Policy: cfg.PathPolicy}
	if cfg.EnableLiveness {
		pathChecker.Liveness = NewLivenessChecker()
	}

	pathLookup := &PathLookup{HintsV4: cfg.PathHintsV4, HintsV6: cfg.PathHintsV6, PRNG: cfg.Core.PRNG}
	cfg.Core.SetPathCheck(pathChecker.CheckPath)
	cfg.Core.SetPathLookup(func(peer engine.PeerAddress, family int) (net.IP, uint16, bool) {
		hint, ok := pathLookup.Lookup(peer, family)
		return hint.Addr, hint.Port, ok
	})

	return &NodeService{
		cfg:          cfg,
		Table:        table,
		Sink:         sink,
		Store:        st,
		Binder:       bnd,
		Configurator: configurator,
		Loop:         loop,
		Terminator:   terminator,
		PeerCache:    peerCache,
		PacketIO:     packetIO,
		PathChecker:  pathChecker,
		PathLookup:   pathLookup,
		log:          log,
	}, nil
}

// Start performs the cold-start sequence: persisted auth token, port
// selection, and the NODE_UP/NODE_ONLINE events, then hands control to the
// main loop until ctx is canceled or a fatal engine error occurs.
func (n *NodeService) Start(ctx context.Context) error {
	defer n.Terminator.RecoverMainThread()

	if _, err := n.Store.EnsureAuthToken(); err != nil {
		return fmt.Errorf("node: ensure auth token: %w", err)
	}

	set, err := ports.Pick(
		ports.OSTrialBinder{},
		n.cfg.ConfiguredPrimaryPort,
		n.cfg.Core.Address(),
		n.cfg.ConfiguredSecondaryPort,
		n.cfg.ConfiguredMappingPort,
		n.cfg.PortMappingEnabled,
	)
	if err != nil {
		n.Terminator.Terminate(TerminationUnrecoverableError, "cannot bind to local control interface port")
		return fmt.Errorf("node: pick ports: %w", err)
	}
	n.Ports = set
	n.Loop.Port = set[ports.Primary]

	if n.cfg.Mapper != nil {
		n.cfg.Mapper.SetLocalPort(set[ports.Primary])
	}

	n.log.Info("node starting", "primary_port", set[ports.Primary], "secondary_port", set[ports.Secondary], "mapping_port", set[ports.Mapping])

	n.Sink.Post(events.Message{Code: events.NodeUp})
	n.Sink.Post(events.Message{Code: events.NodeOnline})

	err = n.Loop.Run(ctx)
	switch {
	case err == nil || err == context.Canceled:
		n.Terminator.Terminate(TerminationNormal, "")
		return nil
	case err == errIdentityCollision:
		n.Terminator.Terminate(TerminationIdentityCollision, "")
		return err
	default:
		n.Terminator.Terminate(TerminationUnrecoverableError, err.Error())
		return err
	}
}

// Terminate requests an orderly shutdown.
func (n *NodeService) Terminate() {
	n.Terminator.Terminate(TerminationNormal, "")
}

// TerminationReason reports why the service most recently stopped, and
// whether it has stopped at all.
func (n *NodeService) TerminationReason() (TerminationReason, bool) {
	return n.Terminator.Reason()
}

// JoinNetwork requests that the engine core begin participating in nwid.
// The actual tap creation happens once the core delivers the corresponding
// UP configuration callback.
func (n *NodeService) JoinNetwork(nwid engine.NetworkID) error {
	return n.cfg.Core.Join(nwid)
}

// LeaveNetwork requests that the engine core stop participating in nwid.
func (n *NodeService) LeaveNetwork(nwid engine.NetworkID) error {
	return n.cfg.Core.Leave(nwid)
}

// HandleNetworkConfig applies a configuration callback from the engine
// core, as delivered to whatever collaborator wires the core to this
// service.
func (n *NodeService) HandleNetworkConfig(op engine.ConfigOp, cfg engine.VirtualNetworkConfig) error {
	return n.Configurator.Handle(op, cfg, time.Now())
}

// Networks returns a snapshot of every network currently tracked.
func (n *NodeService) Networks() map[engine.NetworkID]*NetworkState {
	return n.Table.Snapshot()
}
