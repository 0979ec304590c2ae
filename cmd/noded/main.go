package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietmesh/noded/internal/binder"
	"github.com/quietmesh/noded/internal/corestub"
	"github.com/quietmesh/noded/internal/engine"
	"github.com/quietmesh/noded/internal/node"
	"github.com/quietmesh/noded/internal/store"
	"github.com/quietmesh/noded/internal/supervisor"
)

var (
	home                = flag.String("home", "/var/lib/noded", "node home directory for persisted state")
	sockFile            = flag.String("sock-file", "/var/run/noded/noded.sock", "path to the local control-plane domain socket")
	primaryPort         = flag.Uint("primary-port", 0, "primary UDP port, 0 to select at random")
	secondaryPort       = flag.Uint("secondary-port", 0, "secondary UDP port, 0 to derive from node address")
	mappingPort         = flag.Uint("mapping-port", 0, "uPnP/NAT-PMP mapping port, 0 to derive from secondary")
	enablePortMapping   = flag.Bool("port-mapping", false, "probe a mapping port in addition to primary/secondary")
	allowNetworkCaching = flag.Bool("allow-network-caching", true, "persist per-network configuration to disk")
	allowPeerCaching    = flag.Bool("allow-peer-caching", true, "persist per-peer path-count cache to disk")
	ifacePrefixBlock    = flag.String("interface-prefix-blacklist", "", "comma-separated interface name prefixes to never bind")
	enableVerboseLog    = flag.Bool("v", false, "enable verbose (debug) logging")
	metricsEnable       = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr         = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerboseLog {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "node_build_info",
				Help: "Build information of the node service",
			},
			[]string{"version", "commit", "date"},
		)
		buildInfo.WithLabelValues(version, commit, date).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				slog.Error("failed to start prometheus metrics listener", "error", err)
				return
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				slog.Error("prometheus metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(*home, buildNode, logger)

	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("node service stopped with error", "error", err)
		os.Exit(1)
	}
}

// buildNode assembles one NodeService generation, bound to home. It is
// called once at startup and again after every identity-collision restart.
func buildNode(home string) (*node.NodeService, error) {
	st, err := store.New(home,
		store.WithNetworkCaching(*allowNetworkCaching),
		store.WithPeerCaching(*allowPeerCaching),
	)
	if err != nil {
		return nil, fmt.Errorf("noded: init state store: %w", err)
	}

	secret, ok := st.Get(store.KindIdentitySecret, "", -1)
	if !ok {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("noded: generate identity: %w", err)
		}
		if err := st.Put(store.KindIdentitySecret, "", secret, len(secret)); err != nil {
			return nil, fmt.Errorf("noded: persist identity: %w", err)
		}
	}
	core := corestub.NewNullCore(secret)
	if pub, ok := st.Get(store.KindIdentityPublic, "", -1); !ok || len(pub) == 0 {
		_ = st.Put(store.KindIdentityPublic, "", []byte(core.String()), len(core.String()))
	}

	filter := &binder.Filter{}
	if *ifacePrefixBlock != "" {
		filter.NamePrefixBlacklist = strings.Split(*ifacePrefixBlock, ",")
	}

	cfg := node.Config{
		Home:                    home,
		ConfiguredPrimaryPort:   uint16(*primaryPort),
		ConfiguredSecondaryPort: uint16(*secondaryPort),
		ConfiguredMappingPort:   uint16(*mappingPort),
		PortMappingEnabled:      *enablePortMapping,
		AllowNetworkCaching:     *allowNetworkCaching,
		AllowPeerCaching:        *allowPeerCaching,
		InterfaceFilter:         filter,
		Core:                    core,
		NewTap:                  newMemTap,
		EventBacklog:            256,
	}

	n, err := node.New(cfg, slog.Default())
	if err != nil {
		return nil, err
	}

	go serveControlSocket(n)

	return n, nil
}

func newMemTap(cfg engine.VirtualNetworkConfig, onFrame node.FrameHandler) (engine.Tap, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("overlay%d", cfg.NWID)
	}
	return corestub.NewMemTap(name, cfg.MTU, onFrame), nil
}

func serveControlSocket(n *node.NodeService) {
	if err := os.MkdirAll(parentDir(*sockFile), 0755); err != nil {
		slog.Error("control socket: create parent dir", "error", err)
		return
	}
	_ = os.Remove(*sockFile)
	srv := node.NewControlServer(n, *sockFile)
	if err := srv.Serve(context.Background()); err != nil {
		slog.Error("control socket server stopped", "error", err)
	}
}

func parentDir(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "."
	}
	return p[:i]
}

