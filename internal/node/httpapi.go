package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"

	"golang.org/x/sys/unix"
)

// NetworkStatusView is the JSON shape returned for one tracked network by
// GET /status.
type NetworkStatusView struct {
	NWID      string `json:"nwid"`
	Status    int    `json:"status"`
	MTU       int    `json:"mtu"`
	Addresses int    `json:"managed_addresses"`
	Routes    int    `json:"managed_routes"`
	TapDevice string `json:"tap_device,omitempty"`
}

// StatusView is the JSON shape returned by GET /status.
type StatusView struct {
	PrimaryPort   uint16              `json:"primary_port"`
	SecondaryPort uint16              `json:"secondary_port"`
	MappingPort   uint16              `json:"mapping_port,omitempty"`
	Networks      []NetworkStatusView `json:"networks"`
}

// ControlServer exposes the local unix-domain-socket control surface
// described in the ambient stack: GET /status, GET /events, POST
// /terminate.
type ControlServer struct {
	*http.Server
	sockFile string
	node     *NodeService
}

// NewControlServer builds a ControlServer bound to sockFile. Serve does
// the actual listen/accept.
func NewControlServer(n *NodeService, sockFile string) *ControlServer {
	c := &ControlServer{sockFile: sockFile, node: n}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", c.serveStatus)
	mux.HandleFunc("GET /events", c.serveEvents)
	mux.HandleFunc("POST /terminate", c.serveTerminate)
	mux.HandleFunc("GET /probe", c.serveProbe)
	c.Server = &http.Server{Handler: mux}
	return c
}

// Serve listens on the configured unix socket and serves until ctx is
// canceled, cleaning up the socket file on exit.
func (c *ControlServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("unix", c.sockFile)
	if err != nil {
		return fmt.Errorf("node: control socket listen: %w", err)
	}
	defer unix.Unlink(c.sockFile) //nolint:errcheck

	if err := os.Chmod(c.sockFile, 0666); err != nil {
		return fmt.Errorf("node: chmod control socket: %w", err)
	}

	c.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- c.Server.Serve(lis) }()

	select {
	case <-ctx.Done():
		return c.Server.Close()
	case err := <-errCh:
		return err
	}
}

func (c *ControlServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	view := StatusView{
		PrimaryPort:   c.node.Ports[0],
		SecondaryPort: c.node.Ports[1],
		MappingPort:   c.node.Ports[2],
	}
	for _, s := range c.node.Networks() {
		nv := NetworkStatusView{
			NWID:      nwidHex(s.NWID),
			Status:    int(s.LastObservedStatus),
			MTU:       s.Config.MTU,
			Addresses: len(s.ManagedIPs),
			Routes:    len(s.ManagedRoutes),
		}
		if s.Tap != nil {
			nv.TapDevice = s.Tap.DeviceName()
		}
		view.Networks = append(view.Networks, nv)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

func (c *ControlServer) serveEvents(w http.ResponseWriter, r *http.Request) {
	msgs := c.node.Sink.Drain()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msgs); err != nil {
		http.Error(w, "failed to encode events", http.StatusInternalServerError)
	}
}

func (c *ControlServer) serveTerminate(w http.ResponseWriter, r *http.Request) {
	c.node.Terminate()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"terminating"}`))
}

// serveProbe runs an advisory ICMP liveness check against a candidate path
// address, for operators diagnosing a peer stuck in PATH_DEAD. It never
// affects path selection; it just reports a second opinion alongside
// whatever the engine core itself has concluded.
func (c *ControlServer) serveProbe(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("addr")
	addr := net.ParseIP(raw)
	if addr == nil {
		http.Error(w, "missing or invalid addr query parameter", http.StatusBadRequest)
		return
	}

	result := c.node.PathChecker.CorroborateLiveness(r.Context(), addr)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Addr      string `json:"addr"`
		Reachable bool   `json:"reachable"`
		RTTMillis int64  `json:"rtt_ms"`
		Error     string `json:"error,omitempty"`
	}{
		Addr:      result.Addr.String(),
		Reachable: result.Reachable,
		RTTMillis: result.RTT.Milliseconds(),
		Error:     errString(result.Err),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
